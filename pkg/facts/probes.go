package facts

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

func collectOS(ctx context.Context, r Runner) (*OSFacts, error) {
	release, err := run(ctx, r, "cat /etc/os-release 2>/dev/null || cat /etc/lsb-release 2>/dev/null")
	if err != nil {
		return nil, err
	}
	facts := parseOSRelease(release)

	// uname and hostname are best effort
	if facts.Kernel, err = run(ctx, r, "uname -r"); err != nil && ctx.Err() != nil {
		return nil, err
	}
	if facts.Arch, err = run(ctx, r, "uname -m"); err != nil && ctx.Err() != nil {
		return nil, err
	}
	if facts.Hostname, err = run(ctx, r, "hostname"); err != nil && ctx.Err() != nil {
		return nil, err
	}
	return facts, nil
}

func parseOSRelease(out string) *OSFacts {
	facts := &OSFacts{}
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "NAME="):
			facts.Name = strings.Trim(strings.TrimPrefix(line, "NAME="), "\"")
		case strings.HasPrefix(line, "VERSION="):
			facts.Version = strings.Trim(strings.TrimPrefix(line, "VERSION="), "\"")
		case strings.HasPrefix(line, "DISTRIB_ID=") && facts.Name == "":
			facts.Name = strings.Trim(strings.TrimPrefix(line, "DISTRIB_ID="), "\"")
		case strings.HasPrefix(line, "DISTRIB_RELEASE=") && facts.Version == "":
			facts.Version = strings.Trim(strings.TrimPrefix(line, "DISTRIB_RELEASE="), "\"")
		}
	}
	return facts
}

func collectCPU(ctx context.Context, r Runner) (*CPUFacts, error) {
	out, err := run(ctx, r, "cat /proc/cpuinfo")
	if err != nil {
		return nil, fmt.Errorf("failed to read /proc/cpuinfo: %w", err)
	}
	facts := parseCPUInfo(out)
	if arch, err := run(ctx, r, "uname -m"); err == nil {
		facts.Arch = arch
	}
	return facts, nil
}

func parseCPUInfo(out string) *CPUFacts {
	facts := &CPUFacts{}
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "processor":
			facts.Cores++
		case "model name":
			facts.Model = value
		case "vendor_id":
			facts.Vendor = value
		}
	}
	return facts
}

func collectMemory(ctx context.Context, r Runner) (*MemoryFacts, error) {
	out, err := run(ctx, r, "cat /proc/meminfo")
	if err != nil {
		return nil, fmt.Errorf("failed to read /proc/meminfo: %w", err)
	}
	return parseMemInfo(out), nil
}

func parseMemInfo(out string) *MemoryFacts {
	facts := &MemoryFacts{}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			facts.TotalMB = kb / 1024
		case "MemAvailable:":
			facts.AvailableMB = kb / 1024
		case "SwapTotal:":
			facts.SwapTotalMB = kb / 1024
		case "SwapFree:":
			facts.SwapFreeMB = kb / 1024
		}
	}
	return facts
}

func collectDisk(ctx context.Context, r Runner) (*DiskFacts, error) {
	out, err := run(ctx, r, "df -BG -T | grep '^/'")
	if err != nil {
		return nil, fmt.Errorf("failed to get disk info: %w", err)
	}
	return parseDF(out), nil
}

// parseDF reads `df -BG -T` lines: device, type, size, used, avail, use%, mount.
func parseDF(out string) *DiskFacts {
	facts := &DiskFacts{Devices: make([]DiskDevice, 0)}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 7 {
			continue
		}
		d := DiskDevice{
			Device:     fields[0],
			FSType:     fields[1],
			MountPoint: fields[6],
		}
		d.TotalGB, _ = strconv.ParseInt(strings.TrimSuffix(fields[2], "G"), 10, 64)
		d.UsedGB, _ = strconv.ParseInt(strings.TrimSuffix(fields[3], "G"), 10, 64)
		d.AvailableGB, _ = strconv.ParseInt(strings.TrimSuffix(fields[4], "G"), 10, 64)
		d.UsePercent, _ = strconv.Atoi(strings.TrimSuffix(fields[5], "%"))
		facts.Devices = append(facts.Devices, d)
	}
	return facts
}

func collectNetwork(ctx context.Context, r Runner) (*NetworkFacts, error) {
	out, err := run(ctx, r, "ip -o addr show")
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}
	facts := parseIPAddr(out)
	for i := range facts.Interfaces {
		iface := &facts.Interfaces[i]
		if mac, err := run(ctx, r, "cat /sys/class/net/"+iface.Name+"/address 2>/dev/null"); err == nil {
			iface.MACAddress = mac
		}
	}
	return facts, nil
}

// parseIPAddr reads `ip -o addr show` output, skipping loopback.
func parseIPAddr(out string) *NetworkFacts {
	byName := make(map[string]*NetworkInterface)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		name := strings.TrimSuffix(fields[1], ":")
		if name == "lo" {
			continue
		}
		iface, ok := byName[name]
		if !ok {
			iface = &NetworkInterface{Name: name, IPAddresses: make([]string, 0)}
			byName[name] = iface
		}
		for i, field := range fields {
			if (field == "inet" || field == "inet6") && i+1 < len(fields) {
				addr, _, _ := strings.Cut(fields[i+1], "/")
				iface.IPAddresses = append(iface.IPAddresses, addr)
			}
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	facts := &NetworkFacts{Interfaces: make([]NetworkInterface, 0, len(names))}
	for _, name := range names {
		facts.Interfaces = append(facts.Interfaces, *byName[name])
	}
	return facts
}

func collectPackages(ctx context.Context, r Runner) (*PackageFacts, error) {
	managers := []struct {
		name    string
		command string
	}{
		{name: "dpkg", command: "dpkg-query -W -f '${Package}\\n' 2>/dev/null"},
		{name: "rpm", command: "rpm -qa 2>/dev/null"},
		{name: "apk", command: "apk info 2>/dev/null"},
	}

	for _, mgr := range managers {
		out, err := run(ctx, r, mgr.command)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			continue
		}
		if out == "" {
			continue
		}
		facts := &PackageFacts{Manager: mgr.name, Packages: make([]string, 0)}
		for _, line := range strings.Split(out, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				facts.Packages = append(facts.Packages, line)
			}
		}
		facts.Count = len(facts.Packages)
		return facts, nil
	}
	return nil, fmt.Errorf("no supported package manager found")
}
