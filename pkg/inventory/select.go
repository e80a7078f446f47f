package inventory

import (
	"fmt"
	"path"
	"strings"
)

// Select returns the hosts matching pattern, sorted by name.
//
// A pattern is a comma separated list of terms. A term is "all", a group
// name, a host name or a glob over host names. Terms prefixed with "!"
// remove hosts and terms prefixed with "&" keep only hosts also matched by
// the term. An empty pattern selects every host.
func (inv *Inventory) Select(pattern string) ([]*Host, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		pattern = "all"
	}

	selected := make(map[string]bool)
	var include, exclude, intersect []string
	for _, term := range strings.Split(pattern, ",") {
		term = strings.TrimSpace(term)
		switch {
		case term == "":
			continue
		case strings.HasPrefix(term, "!"):
			exclude = append(exclude, term[1:])
		case strings.HasPrefix(term, "&"):
			intersect = append(intersect, term[1:])
		default:
			include = append(include, term)
		}
	}
	if len(include) == 0 {
		include = []string{"all"}
	}

	for _, term := range include {
		names, err := inv.match(term)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			selected[n] = true
		}
	}
	for _, term := range intersect {
		names, err := inv.match(term)
		if err != nil {
			return nil, err
		}
		keep := make(map[string]bool, len(names))
		for _, n := range names {
			keep[n] = true
		}
		for n := range selected {
			if !keep[n] {
				delete(selected, n)
			}
		}
	}
	for _, term := range exclude {
		names, err := inv.match(term)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			delete(selected, n)
		}
	}

	hosts := make([]*Host, 0, len(selected))
	for _, h := range inv.Hosts() {
		if selected[h.Name] {
			hosts = append(hosts, h)
		}
	}
	return hosts, nil
}

// match resolves one term to host names. A term that matches nothing is an error.
func (inv *Inventory) match(term string) ([]string, error) {
	if term == "all" || term == "*" {
		names := make([]string, 0, len(inv.hosts))
		for n := range inv.hosts {
			names = append(names, n)
		}
		return names, nil
	}
	if members, ok := inv.groups[term]; ok {
		return members, nil
	}
	if _, ok := inv.hosts[term]; ok {
		return []string{term}, nil
	}

	if strings.ContainsAny(term, "*?[") {
		if _, err := path.Match(term, ""); err != nil {
			return nil, fmt.Errorf("invalid host pattern %q: %w", term, err)
		}
		var names []string
		for n := range inv.hosts {
			if ok, _ := path.Match(term, n); ok {
				names = append(names, n)
			}
		}
		return names, nil
	}
	return nil, fmt.Errorf("no host or group named %q", term)
}

// SelectLabels filters hosts with a label selector "k=v,k2=v2". An empty
// selector or "all" keeps every host.
func SelectLabels(hosts []*Host, selector string) ([]*Host, error) {
	labels, err := ParseSelector(selector)
	if err != nil {
		return nil, err
	}
	out := make([]*Host, 0, len(hosts))
	for _, h := range hosts {
		if matchesLabels(h.Labels, labels) {
			out = append(out, h)
		}
	}
	return out, nil
}

// ParseSelector parses a label selector string into a map.
func ParseSelector(selector string) (map[string]string, error) {
	labels := make(map[string]string)
	selector = strings.TrimSpace(selector)
	if selector == "" || selector == "all" {
		return labels, nil
	}

	for _, pair := range strings.Split(selector, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid label selector %q: expected key=value", pair)
		}
		labels[key] = strings.TrimSpace(value)
	}
	return labels, nil
}

func matchesLabels(hostLabels, selectorLabels map[string]string) bool {
	for key, value := range selectorLabels {
		if hostValue, ok := hostLabels[key]; !ok || hostValue != value {
			return false
		}
	}
	return true
}

// Names returns the names of hosts.
func Names(hosts []*Host) []string {
	names := make([]string, len(hosts))
	for i, h := range hosts {
		names[i] = h.Name
	}
	return names
}
