// Package simdev provides in-memory drives that implement the device, ATA,
// NVMe and TCG interfaces, so the engine can be exercised end to end without
// hardware.
package simdev

import (
	"fmt"
	"io"
	"math/rand"
	"sync"
	"syscall"
)

// Disk is an in-memory block device. It implements device.Handle.
type Disk struct {
	mu         sync.Mutex
	path       string
	sectorSize int
	data       []byte

	transient map[uint64]int
	permanent map[uint64]error
	writeHook func(off int64)

	syncs  int
	closes int
	opens  int
}

// NewDisk returns a zero-filled disk.
func NewDisk(path string, sectorSize int, sectors uint64) *Disk {
	return &Disk{
		path:       path,
		sectorSize: sectorSize,
		data:       make([]byte, uint64(sectorSize)*sectors),
		transient:  map[uint64]int{},
		permanent:  map[uint64]error{},
	}
}

// FillRandom overwrites the whole disk with seeded pseudo-random bytes, the
// stand-in for user data.
func (d *Disk) FillRandom(seed int64) *Disk {
	d.mu.Lock()
	defer d.mu.Unlock()
	rand.New(rand.NewSource(seed)).Read(d.data)
	return d
}

// FailWrites makes the next n writes touching sector fail with EIO.
func (d *Disk) FailWrites(sector uint64, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transient[sector] = n
}

// FailWritesPermanently makes every write touching sector fail with err.
func (d *Disk) FailWritesPermanently(sector uint64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.permanent[sector] = err
}

// OnWrite installs a hook that runs before every write.
func (d *Disk) OnWrite(fn func(off int64)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeHook = fn
}

func (d *Disk) Path() string        { return d.path }
func (d *Disk) SectorSize() int     { return d.sectorSize }
func (d *Disk) SectorCount() uint64 { return uint64(len(d.data) / d.sectorSize) }

func (d *Disk) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off >= int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *Disk) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	hook := d.writeHook
	d.mu.Unlock()
	if hook != nil {
		hook(off)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return 0, fmt.Errorf("write at %d+%d beyond end of %s: %w", off, len(p), d.path, syscall.ENOSPC)
	}
	first := uint64(off) / uint64(d.sectorSize)
	last := (uint64(off) + uint64(len(p)) - 1) / uint64(d.sectorSize)
	for s := first; s <= last; s++ {
		if err, ok := d.permanent[s]; ok {
			return 0, err
		}
		if n := d.transient[s]; n > 0 {
			d.transient[s] = n - 1
			return 0, syscall.EIO
		}
	}
	return copy(d.data[off:], p), nil
}

func (d *Disk) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.syncs++
	return nil
}

func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

// Syncs counts Sync calls.
func (d *Disk) Syncs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncs
}

// Open reports whether a handle is outstanding.
func (d *Disk) Open() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens > d.closes
}

// Bytes returns a copy of the contents.
func (d *Disk) Bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.data...)
}

// Sector returns a copy of sector i.
func (d *Disk) Sector(i uint64) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := i * uint64(d.sectorSize)
	return append([]byte(nil), d.data[off:off+uint64(d.sectorSize)]...)
}

// Fill sets every byte to b. Drives use it to model a completed erase.
func (d *Disk) Fill(b byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.data {
		d.data[i] = b
	}
}

// Scramble replaces the contents with fresh pseudo-random bytes, which is
// what a drive's data looks like after its media key changes.
func (d *Disk) Scramble(seed int64) {
	d.FillRandom(seed)
}

func (d *Disk) markOpen() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
}
