package system

// DiskInfo describes a whole block device as reported by the host. It is the
// hint set the capability probe starts from.
type DiskInfo struct {
	Path        string   `json:"path"`
	Name        string   `json:"name"`
	Type        string   `json:"type"` // HDD/SSD/NVMe/USB/Unknown
	Transport   string   `json:"transport"`
	TotalSize   uint64   `json:"total_size"`
	Model       string   `json:"model,omitempty"`
	Vendor      string   `json:"vendor,omitempty"`
	Serial      string   `json:"serial,omitempty"`
	Removable   bool     `json:"removable"`
	IsSystem    bool     `json:"is_system"`
	Status      string   `json:"status"`
	MountPoints []string `json:"mount_points,omitempty"`
}

const (
	TypeHDD     = "HDD"
	TypeSSD     = "SSD"
	TypeNVMe    = "NVMe"
	TypeUSB     = "USB"
	TypeUnknown = "Unknown"
)

const (
	StatusActive    = "Active"
	StatusMounted   = "Mounted"
	StatusAvailable = "Available"
)
