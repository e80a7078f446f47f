// Package inventory loads the hosts a play can target and resolves how to
// reach them.
package inventory

import (
	"fmt"
	"os"
	"os/user"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/fleetplay/pkg/config"
	"github.com/openfroyo/fleetplay/pkg/transports/ssh"
	"gopkg.in/yaml.v3"
)

// Connection types.
const (
	ConnectionSSH   = "ssh"
	ConnectionLocal = "local"
)

// Host represents a managed host.
type Host struct {
	Name       string                 `json:"name" yaml:"-"`
	Address    string                 `json:"address,omitempty" yaml:"address,omitempty"`
	Port       int                    `json:"port,omitempty" yaml:"port,omitempty"`
	User       string                 `json:"user,omitempty" yaml:"user,omitempty"`
	KeyPath    string                 `json:"key_path,omitempty" yaml:"key_file,omitempty"`
	Password   string                 `json:"-" yaml:"password,omitempty"`
	ProxyJump  string                 `json:"proxy_jump,omitempty" yaml:"proxy_jump,omitempty"`
	Connection string                 `json:"connection,omitempty" yaml:"connection,omitempty"`
	Labels     map[string]string      `json:"labels,omitempty" yaml:"labels,omitempty"`
	Vars       map[string]interface{} `json:"vars,omitempty" yaml:"vars,omitempty"`
	Groups     []string               `json:"groups,omitempty" yaml:"-"`
	CreatedAt  time.Time              `json:"created_at" yaml:"-"`
	UpdatedAt  time.Time              `json:"updated_at" yaml:"-"`
}

// IsLocal reports whether the host runs on the controller.
func (h *Host) IsLocal() bool {
	return h.Connection == ConnectionLocal
}

// file is the on-disk inventory format.
type file struct {
	Groups map[string]struct {
		Vars  *Host            `yaml:"vars"`
		Hosts map[string]*Host `yaml:"hosts"`
	} `yaml:"groups"`
	Hosts map[string]*Host `yaml:"hosts"`
}

// Inventory is an immutable set of hosts and groups.
type Inventory struct {
	hosts    map[string]*Host
	groups   map[string][]string
	defaults config.SSHDefaults
}

// New builds an inventory from hosts; each host's Groups place it in groups.
func New(hosts []*Host) *Inventory {
	inv := &Inventory{
		hosts:    make(map[string]*Host, len(hosts)),
		groups:   make(map[string][]string),
		defaults: config.DefaultAppConfig().SSH,
	}
	for _, h := range hosts {
		inv.hosts[h.Name] = h
		for _, g := range h.Groups {
			inv.groups[g] = append(inv.groups[g], h.Name)
		}
	}
	for g := range inv.groups {
		sort.Strings(inv.groups[g])
	}
	return inv
}

// Load reads an inventory file.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	inv, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return inv, nil
}

// Parse decodes a YAML inventory. Group-level settings under "vars" apply
// to every host of the group unless the host overrides them.
func Parse(data []byte) (*Inventory, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}

	byName := make(map[string]*Host)
	add := func(name, group string, h *Host, groupVars *Host) error {
		if name == "" {
			return fmt.Errorf("group %q: host without a name", group)
		}
		if name == "all" {
			return fmt.Errorf("%q is reserved and cannot name a host", name)
		}
		if h == nil {
			h = &Host{}
		}
		existing, ok := byName[name]
		if !ok {
			existing = &Host{Name: name}
			byName[name] = existing
		}
		merge(existing, h)
		if groupVars != nil {
			fill(existing, groupVars)
		}
		if group != "" {
			existing.Groups = append(existing.Groups, group)
		}
		return nil
	}

	groupNames := make([]string, 0, len(f.Groups))
	for name := range f.Groups {
		groupNames = append(groupNames, name)
	}
	sort.Strings(groupNames)

	for _, g := range groupNames {
		if g == "all" {
			return nil, fmt.Errorf("%q is reserved and cannot name a group", g)
		}
		group := f.Groups[g]
		for name, h := range group.Hosts {
			if err := add(name, g, h, group.Vars); err != nil {
				return nil, err
			}
		}
	}
	for name, h := range f.Hosts {
		if err := add(name, "", h, nil); err != nil {
			return nil, err
		}
	}

	hosts := make([]*Host, 0, len(byName))
	for _, h := range byName {
		if h.Address == "" {
			h.Address = h.Name
		}
		if h.Connection == "" {
			h.Connection = ConnectionSSH
		}
		if h.Connection != ConnectionSSH && h.Connection != ConnectionLocal {
			return nil, fmt.Errorf("host %s: unknown connection %q", h.Name, h.Connection)
		}
		hosts = append(hosts, h)
	}
	return New(hosts), nil
}

// merge copies the fields set in src over dst.
func merge(dst, src *Host) {
	if src.Address != "" {
		dst.Address = src.Address
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.User != "" {
		dst.User = src.User
	}
	if src.KeyPath != "" {
		dst.KeyPath = src.KeyPath
	}
	if src.Password != "" {
		dst.Password = src.Password
	}
	if src.ProxyJump != "" {
		dst.ProxyJump = src.ProxyJump
	}
	if src.Connection != "" {
		dst.Connection = src.Connection
	}
	for k, v := range src.Labels {
		if dst.Labels == nil {
			dst.Labels = make(map[string]string)
		}
		dst.Labels[k] = v
	}
	for k, v := range src.Vars {
		if dst.Vars == nil {
			dst.Vars = make(map[string]interface{})
		}
		dst.Vars[k] = v
	}
}

// fill copies the fields set in src that dst leaves unset.
func fill(dst, src *Host) {
	if dst.Port == 0 {
		dst.Port = src.Port
	}
	if dst.User == "" {
		dst.User = src.User
	}
	if dst.KeyPath == "" {
		dst.KeyPath = src.KeyPath
	}
	if dst.Password == "" {
		dst.Password = src.Password
	}
	if dst.ProxyJump == "" {
		dst.ProxyJump = src.ProxyJump
	}
	if dst.Connection == "" {
		dst.Connection = src.Connection
	}
	for k, v := range src.Labels {
		if _, ok := dst.Labels[k]; !ok {
			if dst.Labels == nil {
				dst.Labels = make(map[string]string)
			}
			dst.Labels[k] = v
		}
	}
	for k, v := range src.Vars {
		if _, ok := dst.Vars[k]; !ok {
			if dst.Vars == nil {
				dst.Vars = make(map[string]interface{})
			}
			dst.Vars[k] = v
		}
	}
}

// WithSSHDefaults sets the connection defaults for hosts that leave them unset.
func (inv *Inventory) WithSSHDefaults(d config.SSHDefaults) *Inventory {
	inv.defaults = d
	return inv
}

// Len returns the number of hosts.
func (inv *Inventory) Len() int {
	return len(inv.hosts)
}

// Host returns the named host.
func (inv *Inventory) Host(name string) (*Host, bool) {
	h, ok := inv.hosts[name]
	return h, ok
}

// Hosts returns every host sorted by name.
func (inv *Inventory) Hosts() []*Host {
	hosts := make([]*Host, 0, len(inv.hosts))
	for _, h := range inv.hosts {
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })
	return hosts
}

// Groups returns the group names sorted.
func (inv *Inventory) Groups() []string {
	names := make([]string, 0, len(inv.groups))
	for g := range inv.groups {
		names = append(names, g)
	}
	sort.Strings(names)
	return names
}

// Group returns the members of group.
func (inv *Inventory) Group(name string) []string {
	return append([]string(nil), inv.groups[name]...)
}

// SSHConfig returns the connection settings of host, or nil for local hosts.
func (inv *Inventory) SSHConfig(name string) (*ssh.Config, error) {
	h, ok := inv.hosts[name]
	if !ok {
		return nil, fmt.Errorf("host %s is not in the inventory", name)
	}
	if h.IsLocal() {
		return nil, nil
	}

	user := h.User
	if user == "" {
		user = inv.defaults.User
	}
	if user == "" {
		user = currentUser()
	}

	cfg := ssh.DefaultConfig(h.Address, user)
	if h.Port != 0 {
		cfg.Port = h.Port
	} else if inv.defaults.Port != 0 {
		cfg.Port = inv.defaults.Port
	}
	if inv.defaults.ConnectTimeout > 0 {
		cfg.ConnectionTimeout = inv.defaults.ConnectTimeout
	}
	if inv.defaults.KnownHostsFile != "" {
		cfg.KnownHostsPath = inv.defaults.KnownHostsFile
	}
	cfg.StrictHostKeyChecking = inv.defaults.StrictHostKey

	switch {
	case h.Password != "":
		cfg.AuthMethod = ssh.AuthMethodPassword
		cfg.Password = h.Password
	case h.KeyPath != "":
		cfg.PrivateKeyPath = h.KeyPath
	case inv.defaults.KeyFile != "":
		cfg.PrivateKeyPath = inv.defaults.KeyFile
	case os.Getenv("SSH_AUTH_SOCK") != "":
		cfg.AuthMethod = ssh.AuthMethodAgent
	}

	if h.ProxyJump != "" {
		proxyUser, proxyHost, found := strings.Cut(h.ProxyJump, "@")
		if !found {
			proxyHost, proxyUser = proxyUser, user
		}
		cfg.ProxyHost = proxyHost
		cfg.ProxyUser = proxyUser
		cfg.ProxyAuthMethod = cfg.AuthMethod
		cfg.ProxyPrivateKeyPath = cfg.PrivateKeyPath
		cfg.ProxyPassword = cfg.Password
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("host %s: %w", name, err)
	}
	return cfg, nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}
