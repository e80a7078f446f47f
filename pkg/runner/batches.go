package runner

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openfroyo/fleetplay/pkg/config"
	"github.com/openfroyo/fleetplay/pkg/inventory"
)

// SelectHosts resolves the play's host pattern and label selector, then
// narrows the result to limit when it is set. Names come back sorted.
func SelectHosts(inv *inventory.Inventory, play *config.Play, limit string) ([]string, error) {
	hosts, err := inv.Select(play.Hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to select hosts %q: %w", play.Hosts, err)
	}

	if play.Selector != "" {
		hosts, err = inventory.SelectLabels(hosts, play.Selector)
		if err != nil {
			return nil, fmt.Errorf("failed to apply selector %q: %w", play.Selector, err)
		}
	}

	if limit != "" {
		allowed, err := inv.Select(limit)
		if err != nil {
			return nil, fmt.Errorf("failed to apply limit %q: %w", limit, err)
		}
		keep := make(map[string]bool, len(allowed))
		for _, h := range allowed {
			keep[h.Name] = true
		}
		filtered := hosts[:0]
		for _, h := range hosts {
			if keep[h.Name] {
				filtered = append(filtered, h)
			}
		}
		hosts = filtered
	}

	return inventory.Names(hosts), nil
}

// SplitBatches slices hosts by a serial value. Empty or "0" runs everything
// in one batch, "N" uses batches of N hosts and "P%" uses batches of P
// percent of the hosts, at least one.
func SplitBatches(hosts []string, serial string) ([][]string, error) {
	if len(hosts) == 0 {
		return nil, nil
	}

	size, err := batchSize(len(hosts), serial)
	if err != nil {
		return nil, err
	}

	var batches [][]string
	for start := 0; start < len(hosts); start += size {
		end := start + size
		if end > len(hosts) {
			end = len(hosts)
		}
		batches = append(batches, hosts[start:end])
	}
	return batches, nil
}

func batchSize(total int, serial string) (int, error) {
	if serial == "" {
		return total, nil
	}

	var size int
	if pct, ok := strings.CutSuffix(serial, "%"); ok {
		p, err := strconv.Atoi(pct)
		if err != nil || p < 0 {
			return 0, fmt.Errorf("invalid serial %q", serial)
		}
		size = total * p / 100
	} else {
		n, err := strconv.Atoi(serial)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid serial %q", serial)
		}
		if n == 0 {
			return total, nil
		}
		size = n
	}

	switch {
	case size < 1:
		return 1, nil
	case size > total:
		return total, nil
	default:
		return size, nil
	}
}
