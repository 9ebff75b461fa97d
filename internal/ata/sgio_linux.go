//go:build linux

package ata

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	sgIO = 0x2285

	sgDxferNone    = -1
	sgDxferToDev   = -2
	sgDxferFromDev = -3

	// ATA PASS-THROUGH(16) and its protocol field values.
	opPassThrough16 = 0x85
	protoNonData    = 3
	protoPIOIn      = 4
	protoPIOOut     = 5

	senseIllegalRequest = 0x05
	senseAbortedCommand = 0x0B

	ataStatusErr = 0x01
	ataErrorAbrt = 0x04

	defaultCommandTimeout = 30 * time.Second
)

// sgIoHdr mirrors struct sg_io_hdr from <scsi/sg.h>.
type sgIoHdr struct {
	interfaceID    int32
	dxferDirection int32
	cmdLen         uint8
	mxSbLen        uint8
	iovecCount     uint16
	dxferLen       uint32
	dxferp         uintptr
	cmdp           uintptr
	sbp            uintptr
	timeout        uint32
	flags          uint32
	packID         int32
	usrPtr         uintptr
	status         uint8
	maskedStatus   uint8
	msgStatus      uint8
	sbLenWr        uint8
	hostStatus     uint16
	driverStatus   uint16
	resid          int32
	duration       uint32
	info           uint32
}

// SGDevice sends ATA commands through the SCSI generic layer using SAT
// ATA PASS-THROUGH(16). It works for SATA disks behind libata and for most
// USB bridges.
type SGDevice struct {
	fd uintptr
}

// NewSGDevice wraps an open block device descriptor.
func NewSGDevice(fd uintptr) *SGDevice {
	return &SGDevice{fd: fd}
}

type taskfile struct {
	features uint8
	count    uint8
	lbaLow   uint8
	lbaMid   uint8
	lbaHigh  uint8
	device   uint8
	command  uint8
}

func (d *SGDevice) Identify(ctx context.Context) ([]byte, error) {
	buf := make([]byte, SectorSize)
	err := d.passthrough(taskfile{count: 1, command: CmdIdentify}, protoPIOIn, buf, defaultCommandTimeout)
	return buf, err
}

func (d *SGDevice) SecuritySetPassword(ctx context.Context, pw Password) error {
	return d.passthrough(taskfile{count: 1, command: CmdSecuritySetPassword}, protoPIOOut, SecurityBlock(pw, false), defaultCommandTimeout)
}

func (d *SGDevice) SecurityErasePrepare(ctx context.Context) error {
	return d.passthrough(taskfile{command: CmdSecurityErasePrepare}, protoNonData, nil, defaultCommandTimeout)
}

func (d *SGDevice) SecurityEraseUnit(ctx context.Context, pw Password, enhanced bool, timeout time.Duration) error {
	return d.passthrough(taskfile{count: 1, command: CmdSecurityEraseUnit}, protoPIOOut, SecurityBlock(pw, enhanced), timeout)
}

func (d *SGDevice) SecurityDisablePassword(ctx context.Context, pw Password) error {
	return d.passthrough(taskfile{count: 1, command: CmdSecurityDisablePassword}, protoPIOOut, SecurityBlock(pw, false), defaultCommandTimeout)
}

func (d *SGDevice) SecurityReceive(ctx context.Context, protocol uint8, comID uint16, buf []byte) error {
	if len(buf) == 0 || len(buf)%SectorSize != 0 {
		return fmt.Errorf("ata: trusted receive length %d is not a multiple of %d", len(buf), SectorSize)
	}
	blocks := len(buf) / SectorSize
	tf := taskfile{
		features: protocol,
		count:    uint8(blocks),
		lbaLow:   uint8(blocks >> 8),
		lbaMid:   uint8(comID),
		lbaHigh:  uint8(comID >> 8),
		device:   0x40,
		command:  CmdTrustedReceive,
	}
	return d.passthrough(tf, protoPIOIn, buf, defaultCommandTimeout)
}

func (d *SGDevice) passthrough(tf taskfile, protocol uint8, data []byte, timeout time.Duration) error {
	var cdb [16]byte
	cdb[0] = opPassThrough16
	cdb[1] = protocol << 1

	dir := int32(sgDxferNone)
	switch protocol {
	case protoPIOIn:
		// T_DIR from device, BYT_BLOK, T_LENGTH in the count field.
		cdb[2] = 0x0E
		dir = sgDxferFromDev
	case protoPIOOut:
		cdb[2] = 0x06
		dir = sgDxferToDev
	}
	cdb[4] = tf.features
	cdb[6] = tf.count
	cdb[8] = tf.lbaLow
	cdb[10] = tf.lbaMid
	cdb[12] = tf.lbaHigh
	cdb[13] = tf.device
	cdb[14] = tf.command

	sense := make([]byte, 64)
	hdr := sgIoHdr{
		interfaceID:    'S',
		dxferDirection: dir,
		cmdLen:         uint8(len(cdb)),
		mxSbLen:        uint8(len(sense)),
		cmdp:           uintptr(unsafe.Pointer(&cdb[0])),
		sbp:            uintptr(unsafe.Pointer(&sense[0])),
		timeout:        timeoutMillis(timeout),
	}
	if len(data) > 0 {
		hdr.dxferLen = uint32(len(data))
		hdr.dxferp = uintptr(unsafe.Pointer(&data[0]))
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.fd, sgIO, uintptr(unsafe.Pointer(&hdr)))
	runtime.KeepAlive(data)
	runtime.KeepAlive(sense)
	runtime.KeepAlive(&cdb)
	if errno != 0 {
		if errno == unix.ENOTTY || errno == unix.EINVAL {
			return fmt.Errorf("%w: SG_IO: %v", ErrNotSupported, errno)
		}
		return fmt.Errorf("ata: SG_IO command 0x%02x: %w", tf.command, errno)
	}

	if hdr.status == 0 && hdr.hostStatus == 0 && hdr.driverStatus&0x0F == 0 {
		return nil
	}
	return senseError(tf.command, sense[:hdr.sbLenWr], hdr)
}

func senseError(command uint8, sense []byte, hdr sgIoHdr) error {
	if len(sense) < 4 {
		return fmt.Errorf("ata: command 0x%02x failed: scsi status 0x%02x host 0x%04x driver 0x%04x",
			command, hdr.status, hdr.hostStatus, hdr.driverStatus)
	}

	var key, asc, ascq, ataError, ataStatus uint8
	switch sense[0] & 0x7F {
	case 0x72, 0x73:
		key, asc, ascq = sense[1]&0x0F, sense[2], sense[3]
		// Walk descriptors looking for the ATA status return descriptor.
		for off := 8; off+1 < len(sense); {
			code, length := sense[off], int(sense[off+1])
			if code == 0x09 && off+13 < len(sense) {
				ataError, ataStatus = sense[off+3], sense[off+13]
			}
			off += 2 + length
		}
	default:
		if len(sense) >= 14 {
			key, asc, ascq = sense[2]&0x0F, sense[12], sense[13]
			ataError, ataStatus = sense[3], sense[4]
		}
	}

	base := fmt.Errorf("ata: command 0x%02x failed: sense key 0x%x asc 0x%02x ascq 0x%02x", command, key, asc, ascq)
	switch {
	case key == senseIllegalRequest && (asc == 0x20 || asc == 0x24):
		return errors.Join(ErrNotSupported, base)
	case ataStatus&ataStatusErr != 0 && ataError&ataErrorAbrt != 0, key == senseAbortedCommand:
		return errors.Join(ErrAborted, base)
	}
	return base
}

func timeoutMillis(d time.Duration) uint32 {
	ms := d.Milliseconds()
	if ms <= 0 {
		return uint32(defaultCommandTimeout.Milliseconds())
	}
	if ms > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(ms)
}
