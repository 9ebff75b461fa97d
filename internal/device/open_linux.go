//go:build linux

package device

import (
	"context"
	"errors"
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"securewipe/internal/ata"
	"securewipe/internal/failure"
	"securewipe/internal/nvme"
	"securewipe/internal/system"
)

// OSOpener opens /dev block devices with O_EXCL, so the kernel refuses the
// open while the device or one of its partitions is mounted or otherwise
// claimed.
type OSOpener struct{}

func (OSOpener) Open(ctx context.Context, info system.DiskInfo) (*Target, error) {
	f, err := os.OpenFile(info.Path, os.O_RDWR|unix.O_EXCL|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, classifyOpenError(info.Path, err)
	}

	sectorSize, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
	if err != nil {
		f.Close()
		return nil, failure.Wrap(err, failure.KindProbeIO, "BLKSSZGET %s", info.Path)
	}
	var size uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size))); errno != 0 {
		f.Close()
		return nil, failure.Wrap(errno, failure.KindProbeIO, "BLKGETSIZE64 %s", info.Path)
	}
	if sectorSize <= 0 || size == 0 {
		f.Close()
		return nil, failure.New(failure.KindProbeIO, "%s reports no capacity", info.Path)
	}

	h := NewFileHandle(f, sectorSize, size/uint64(sectorSize))
	t := &Target{Handle: h, Info: info}

	if strings.HasPrefix(info.Name, "nvme") || info.Transport == "nvme" {
		if dev, err := nvme.NewIoctlDevice(h.Fd()); err == nil {
			t.NVMe = dev
			t.TCG = dev
		}
	} else {
		// SAT may still be refused by a USB bridge; the probe treats command
		// failures as "feature absent".
		dev := ata.NewSGDevice(h.Fd())
		t.ATA = dev
		t.TCG = dev
	}
	return t, nil
}

func classifyOpenError(path string, err error) error {
	switch {
	case errors.Is(err, unix.EBUSY):
		return failure.Wrap(err, failure.KindLockContention, "%s is in use (mounted or held by another process)", path)
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return failure.Wrap(err, failure.KindProbePermissionDenied, "open %s", path)
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENXIO), errors.Is(err, unix.ENODEV):
		return failure.Wrap(err, failure.KindProbeUnsupported, "open %s", path)
	default:
		return failure.Wrap(err, failure.KindProbeIO, "open %s", path)
	}
}
