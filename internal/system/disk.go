package system

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Enumerator lists block devices from sysfs. The roots are fields so tests
// can point it at a fake tree.
type Enumerator struct {
	SysRoot    string
	DevRoot    string
	MountsFile string
}

// DefaultEnumerator reads the live system.
func DefaultEnumerator() *Enumerator {
	return &Enumerator{SysRoot: "/sys", DevRoot: "/dev", MountsFile: "/proc/mounts"}
}

var skippedPrefixes = []string{"loop", "ram", "zram", "dm-", "sr", "md", "fd", "nbd"}

// GetDiskInfo lists whole disks on the running system.
func GetDiskInfo(verbose bool) ([]DiskInfo, error) {
	disks, err := DefaultEnumerator().Disks()
	if err != nil {
		return nil, err
	}
	if verbose {
		for _, d := range disks {
			fmt.Printf("found %s (%s, %s, %s)\n", d.Path, d.Type, FormatSize(d.TotalSize), d.Status)
		}
	}
	return disks, nil
}

// GetDiskInfoForPath looks up a single disk by device path or symlink.
func GetDiskInfoForPath(path string) (*DiskInfo, error) {
	return DefaultEnumerator().Lookup(path)
}

// Disks walks <SysRoot>/block and returns every physical whole disk, sorted
// by path.
func (e *Enumerator) Disks() ([]DiskInfo, error) {
	blockDir := filepath.Join(e.SysRoot, "block")
	entries, err := os.ReadDir(blockDir)
	if err != nil {
		return nil, fmt.Errorf("device enumeration requires sysfs: %w", err)
	}

	mounts := e.readMounts()

	var disks []DiskInfo
	for _, entry := range entries {
		name := entry.Name()
		if skipped(name) {
			continue
		}
		if link, err := os.Readlink(filepath.Join(blockDir, name)); err == nil && strings.Contains(link, "devices/virtual/block") {
			continue
		}
		disks = append(disks, e.describe(name, mounts))
	}

	sort.Slice(disks, func(i, j int) bool { return disks[i].Path < disks[j].Path })
	return disks, nil
}

// Lookup returns the disk at path. Symlinks such as /dev/disk/by-id/... are
// resolved first.
func (e *Enumerator) Lookup(path string) (*DiskInfo, error) {
	resolved := path
	if r, err := filepath.EvalSymlinks(path); err == nil {
		resolved = r
	}
	name := filepath.Base(resolved)
	if _, err := os.Stat(filepath.Join(e.SysRoot, "block", name)); err != nil {
		return nil, fmt.Errorf("%s is not a whole block device", path)
	}
	d := e.describe(name, e.readMounts())
	return &d, nil
}

func skipped(name string) bool {
	for _, p := range skippedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func (e *Enumerator) describe(name string, mounts map[string][]string) DiskInfo {
	sys := filepath.Join(e.SysRoot, "block", name)
	d := DiskInfo{
		Path:   filepath.Join(e.DevRoot, name),
		Name:   name,
		Model:  firstNonEmpty(sys, "device/model", "device/name"),
		Vendor: firstNonEmpty(sys, "device/vendor", "device/manufacturer"),
		Serial: firstNonEmpty(sys, "device/serial", "serial", "device/wwid", "wwid"),
	}

	if v, err := strconv.ParseUint(readTrimmed(filepath.Join(sys, "size")), 10, 64); err == nil {
		d.TotalSize = v * 512
	}
	d.Removable = readTrimmed(filepath.Join(sys, "removable")) == "1"

	devLink, _ := os.Readlink(filepath.Join(sys, "device"))
	d.Transport = transportOf(name, devLink)
	d.Type = classify(name, d.Transport, readTrimmed(filepath.Join(sys, "queue", "rotational")))

	for _, part := range append([]string{name}, e.partitions(name)...) {
		d.MountPoints = append(d.MountPoints, mounts[part]...)
	}
	for _, mp := range d.MountPoints {
		if mp == "/" || mp == "/boot" || mp == "/boot/efi" || mp == "/usr" {
			d.IsSystem = true
		}
	}

	switch {
	case len(d.MountPoints) > 0:
		d.Status = StatusMounted
	case readTrimmed(filepath.Join(sys, "device", "state")) == "running" || readTrimmed(filepath.Join(sys, "device", "state")) == "live":
		d.Status = StatusActive
	default:
		d.Status = StatusAvailable
	}
	return d
}

func transportOf(name, devLink string) string {
	switch {
	case strings.HasPrefix(name, "nvme"):
		return "nvme"
	case strings.Contains(devLink, "/usb"):
		return "usb"
	case strings.Contains(devLink, "/ata"):
		return "ata"
	case strings.Contains(devLink, "virtio"):
		return "virtio"
	case strings.HasPrefix(name, "mmcblk"):
		return "mmc"
	case devLink == "":
		return "unknown"
	default:
		return "scsi"
	}
}

func classify(name, transport, rotational string) string {
	switch {
	case strings.HasPrefix(name, "nvme"):
		return TypeNVMe
	case transport == "usb":
		return TypeUSB
	case rotational == "1":
		return TypeHDD
	case rotational == "0":
		return TypeSSD
	default:
		return TypeUnknown
	}
}

// partitions lists the partition directories under a disk's sysfs node.
func (e *Enumerator) partitions(name string) []string {
	entries, err := os.ReadDir(filepath.Join(e.SysRoot, "block", name))
	if err != nil {
		return nil
	}
	var parts []string
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), name) {
			continue
		}
		if _, err := os.Stat(filepath.Join(e.SysRoot, "block", name, entry.Name(), "partition")); err == nil {
			parts = append(parts, entry.Name())
		}
	}
	return parts
}

// readMounts maps a device basename to its mount points.
func (e *Enumerator) readMounts() map[string][]string {
	mounts := map[string][]string{}
	f, err := os.Open(e.MountsFile)
	if err != nil {
		return mounts
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || !strings.HasPrefix(fields[0], "/dev/") {
			continue
		}
		dev := fields[0]
		if r, err := filepath.EvalSymlinks(dev); err == nil {
			dev = r
		}
		base := filepath.Base(dev)
		mounts[base] = append(mounts[base], fields[1])
	}
	return mounts
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func firstNonEmpty(dir string, names ...string) string {
	for _, n := range names {
		if v := readTrimmed(filepath.Join(dir, n)); v != "" {
			return v
		}
	}
	return ""
}
