// Package device opens block devices for erasure and bundles them with the
// protocol transports the drivers need.
package device

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	"securewipe/internal/ata"
	"securewipe/internal/nvme"
	"securewipe/internal/opal"
	"securewipe/internal/system"
)

// Handle is an open, exclusively owned block device.
type Handle interface {
	io.ReaderAt
	io.WriterAt
	Path() string
	SectorSize() int
	SectorCount() uint64
	Sync() error
	Close() error
}

// Target is everything a job needs to talk to one device. Transports are nil
// when the device does not speak the protocol.
type Target struct {
	Handle Handle
	Info   system.DiskInfo
	ATA    ata.Commander
	NVMe   nvme.Commander
	TCG    opal.Transport
}

// Size is the addressable capacity in bytes.
func (t *Target) Size() uint64 {
	return t.Handle.SectorCount() * uint64(t.Handle.SectorSize())
}

// Close releases the handle and any transport that holds its own resources.
func (t *Target) Close() error {
	if t == nil {
		return nil
	}
	var result *multierror.Error
	seen := map[interface{}]bool{}
	for _, c := range []interface{}{t.ATA, t.NVMe, t.TCG} {
		closer, ok := c.(io.Closer)
		if !ok || seen[c] {
			continue
		}
		seen[c] = true
		if err := closer.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if t.Handle != nil {
		if err := t.Handle.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Opener opens a device for exclusive use.
type Opener interface {
	Open(ctx context.Context, info system.DiskInfo) (*Target, error)
}

// Identity is the key two jobs on the same physical device share: the path
// with symlinks such as /dev/disk/by-id resolved.
func Identity(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return filepath.Clean(resolved)
	}
	return filepath.Clean(path)
}

// FileHandle is a Handle backed by an *os.File.
type FileHandle struct {
	file        *os.File
	path        string
	sectorSize  int
	sectorCount uint64
}

// NewFileHandle wraps f with the given geometry.
func NewFileHandle(f *os.File, sectorSize int, sectorCount uint64) *FileHandle {
	return &FileHandle{file: f, path: f.Name(), sectorSize: sectorSize, sectorCount: sectorCount}
}

func (h *FileHandle) ReadAt(p []byte, off int64) (int, error)  { return h.file.ReadAt(p, off) }
func (h *FileHandle) WriteAt(p []byte, off int64) (int, error) { return h.file.WriteAt(p, off) }
func (h *FileHandle) Path() string                             { return h.path }
func (h *FileHandle) SectorSize() int                          { return h.sectorSize }
func (h *FileHandle) SectorCount() uint64                      { return h.sectorCount }
func (h *FileHandle) Sync() error                              { return h.file.Sync() }
func (h *FileHandle) Close() error                             { return h.file.Close() }

// Fd exposes the descriptor for ioctl transports.
func (h *FileHandle) Fd() uintptr { return h.file.Fd() }
