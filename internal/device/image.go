package device

import (
	"context"
	"os"
	"path/filepath"

	"securewipe/internal/failure"
	"securewipe/internal/system"
)

// TransportImage marks a DiskInfo that describes a regular file.
const TransportImage = "image"

// ImageOpener opens a regular file as a device with no command transports.
// Only overwrite applies to it.
type ImageOpener struct {
	SectorSize int
}

func (o ImageOpener) Open(ctx context.Context, info system.DiskInfo) (*Target, error) {
	f, err := os.OpenFile(info.Path, os.O_RDWR, 0)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			return nil, failure.Wrap(err, failure.KindProbeUnsupported, "open %s", info.Path)
		case os.IsPermission(err):
			return nil, failure.Wrap(err, failure.KindProbePermissionDenied, "open %s", info.Path)
		}
		return nil, failure.Wrap(err, failure.KindProbeIO, "open %s", info.Path)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, failure.Wrap(err, failure.KindProbeIO, "stat %s", info.Path)
	}
	if !st.Mode().IsRegular() {
		f.Close()
		return nil, failure.New(failure.KindProbeUnsupported, "%s is not a regular file", info.Path)
	}
	sectorSize := o.SectorSize
	if sectorSize <= 0 {
		sectorSize = 512
	}
	sectors := uint64(st.Size()) / uint64(sectorSize)
	if sectors == 0 {
		f.Close()
		return nil, failure.New(failure.KindProbeIO, "%s is smaller than one sector", info.Path)
	}
	return &Target{Handle: NewFileHandle(f, sectorSize, sectors), Info: info}, nil
}

// ImageInfo describes the regular file at path, or returns false when path
// is not one.
func ImageInfo(path string) (system.DiskInfo, bool) {
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return system.DiskInfo{}, false
	}
	return system.DiskInfo{
		Path:      path,
		Name:      filepath.Base(path),
		Type:      system.TypeUnknown,
		Transport: TransportImage,
		TotalSize: uint64(st.Size()),
		Status:    system.StatusAvailable,
	}, true
}

// HostOpener routes image files to ImageOpener and everything else to the
// platform's raw device opener.
type HostOpener struct {
	Image ImageOpener
	Block Opener
}

func (o HostOpener) Open(ctx context.Context, info system.DiskInfo) (*Target, error) {
	if info.Transport == TransportImage {
		return o.Image.Open(ctx, info)
	}
	block := o.Block
	if block == nil {
		block = OSOpener{}
	}
	return block.Open(ctx, info)
}
