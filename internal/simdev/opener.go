package simdev

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"securewipe/internal/ata"
	"securewipe/internal/device"
	"securewipe/internal/failure"
	"securewipe/internal/system"
)

// Device is one simulated drive as the host sees it.
type Device struct {
	Info system.DiskInfo
	Disk *Disk
	ATA  *ATADrive
	NVMe *NVMeDrive
	SED  *SED
	// OpenErr fails Open.
	OpenErr error
}

// Opener serves simulated devices by path. It implements device.Opener.
type Opener struct {
	mu      sync.Mutex
	devices map[string]*Device
}

func NewOpener(devs ...*Device) *Opener {
	o := &Opener{devices: map[string]*Device{}}
	for _, d := range devs {
		o.Add(d)
	}
	return o
}

func (o *Opener) Add(d *Device) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.devices[d.Info.Path] = d
}

func (o *Opener) Open(ctx context.Context, info system.DiskInfo) (*device.Target, error) {
	o.mu.Lock()
	d, ok := o.devices[info.Path]
	o.mu.Unlock()
	if !ok {
		return nil, failure.New(failure.KindProbeUnsupported, "no such device %s", info.Path)
	}
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	d.Disk.markOpen()

	t := &device.Target{Handle: d.Disk, Info: d.Info}
	if d.ATA != nil {
		t.ATA = d.ATA
		t.TCG = d.ATA
	}
	if d.NVMe != nil {
		t.NVMe = d.NVMe
		t.TCG = d.NVMe
	}
	return t, nil
}

// Lookup implements the enumeration lookup used by the CLI.
func (o *Opener) Lookup(path string) (*system.DiskInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.devices[path]
	if !ok {
		return nil, fmt.Errorf("device %s not found", path)
	}
	info := d.Info
	return &info, nil
}

// SATASSD builds a SATA SSD with ATA security support and user data on it.
func SATASSD(path string, sectors uint64) *Device {
	disk := NewDisk(path, 512, sectors).FillRandom(1)
	return &Device{
		Info: system.DiskInfo{Path: path, Name: filepath.Base(path), Type: system.TypeSSD, Transport: "ata", TotalSize: sectors * 512, Model: "SIM SATA SSD", Serial: "SATA0001"},
		Disk: disk,
		ATA:  NewATADrive(disk, "SIM SATA SSD", "SATA0001"),
	}
}

// HDD builds a rotational SATA disk whose ATA security feature set is absent.
func HDD(path string, sectors uint64) *Device {
	disk := NewDisk(path, 512, sectors).FillRandom(2)
	drive := NewATADrive(disk, "SIM HDD", "HDD0001").WithRotation(7200).WithSecurity(func(s *ata.Security) {
		*s = ata.Security{}
	})
	return &Device{
		Info: system.DiskInfo{Path: path, Name: filepath.Base(path), Type: system.TypeHDD, Transport: "ata", TotalSize: sectors * 512, Model: "SIM HDD", Serial: "HDD0001"},
		Disk: disk,
		ATA:  drive,
	}
}

// NVMeSSD builds an NVMe namespace with format and sanitize support.
func NVMeSSD(path string, sectors uint64) *Device {
	disk := NewDisk(path, 512, sectors).FillRandom(3)
	return &Device{
		Info: system.DiskInfo{Path: path, Name: filepath.Base(path), Type: system.TypeNVMe, Transport: "nvme", TotalSize: sectors * 512, Model: "SIM NVMe", Serial: "NVME0001"},
		Disk: disk,
		NVMe: NewNVMeDrive(disk, "SIM NVMe", "NVME0001"),
	}
}

// OpalSSD builds a SATA SED with Opal 2 locking enabled.
func OpalSSD(path string, sectors uint64, psid string) *Device {
	d := SATASSD(path, sectors)
	d.SED = NewSED(d.Disk, psid, "")
	d.ATA.WithSED(d.SED)
	return d
}
