package facts

// OSFacts contains OS information.
type OSFacts struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Kernel   string `json:"kernel"`
	Arch     string `json:"arch"`
	Hostname string `json:"hostname"`
}

// CPUFacts contains CPU information.
type CPUFacts struct {
	Model  string `json:"model"`
	Cores  int    `json:"cores"`
	Vendor string `json:"vendor"`
	Arch   string `json:"arch"`
}

// MemoryFacts contains memory information.
type MemoryFacts struct {
	TotalMB     int64 `json:"total_mb"`
	AvailableMB int64 `json:"available_mb"`
	SwapTotalMB int64 `json:"swap_total_mb"`
	SwapFreeMB  int64 `json:"swap_free_mb"`
}

// DiskFacts contains mounted filesystems.
type DiskFacts struct {
	Devices []DiskDevice `json:"devices"`
}

// DiskDevice is one mounted filesystem.
type DiskDevice struct {
	Device      string `json:"device"`
	MountPoint  string `json:"mount_point"`
	FSType      string `json:"fs_type"`
	TotalGB     int64  `json:"total_gb"`
	UsedGB      int64  `json:"used_gb"`
	AvailableGB int64  `json:"available_gb"`
	UsePercent  int    `json:"use_percent"`
}

// NetworkFacts contains network interfaces.
type NetworkFacts struct {
	Interfaces []NetworkInterface `json:"interfaces"`
}

// NetworkInterface is one non-loopback interface.
type NetworkInterface struct {
	Name        string   `json:"name"`
	IPAddresses []string `json:"ip_addresses"`
	MACAddress  string   `json:"mac_address,omitempty"`
}

// PackageFacts lists installed packages.
type PackageFacts struct {
	Manager  string   `json:"manager"`
	Packages []string `json:"packages"`
	Count    int      `json:"count"`
}
