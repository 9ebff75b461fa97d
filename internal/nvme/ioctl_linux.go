//go:build linux

package nvme

import (
	"context"
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ioctlID       = 0x4E40     // _IO('N', 0x40)
	ioctlAdminCmd = 0xC0484E41 // _IOWR('N', 0x41, struct nvme_admin_cmd)

	defaultAdminTimeout = 30 * time.Second
	broadcastNSID       = 0xFFFFFFFF
)

// passthruCmd mirrors struct nvme_passthru_cmd from <linux/nvme_ioctl.h>.
type passthruCmd struct {
	opcode      uint8
	flags       uint8
	rsvd1       uint16
	nsid        uint32
	cdw2        uint32
	cdw3        uint32
	metadata    uint64
	addr        uint64
	metadataLen uint32
	dataLen     uint32
	cdw10       uint32
	cdw11       uint32
	cdw12       uint32
	cdw13       uint32
	cdw14       uint32
	cdw15       uint32
	timeoutMs   uint32
	result      uint32
}

// IoctlDevice issues admin commands through a namespace block device
// (/dev/nvmeXnY).
type IoctlDevice struct {
	fd   uintptr
	nsid uint32
}

// NewIoctlDevice queries the namespace id of fd. It fails with
// ErrNotSupported when fd is not an NVMe namespace.
func NewIoctlDevice(fd uintptr) (*IoctlDevice, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, ioctlID, 0)
	if errno != 0 {
		if errno == unix.ENOTTY || errno == unix.EINVAL {
			return nil, fmt.Errorf("%w: NVME_IOCTL_ID: %v", ErrNotSupported, errno)
		}
		return nil, fmt.Errorf("nvme: NVME_IOCTL_ID: %w", errno)
	}
	return &IoctlDevice{fd: fd, nsid: uint32(r)}, nil
}

func (d *IoctlDevice) NamespaceID() uint32 { return d.nsid }

func (d *IoctlDevice) IdentifyController(ctx context.Context) ([]byte, error) {
	buf := make([]byte, IdentifyDataSize)
	err := d.admin(&passthruCmd{opcode: OpIdentify, cdw10: 1}, buf, defaultAdminTimeout)
	return buf, err
}

func (d *IoctlDevice) IdentifyNamespace(ctx context.Context, nsid uint32) ([]byte, error) {
	buf := make([]byte, IdentifyDataSize)
	err := d.admin(&passthruCmd{opcode: OpIdentify, nsid: nsid, cdw10: 0}, buf, defaultAdminTimeout)
	return buf, err
}

func (d *IoctlDevice) FormatNVM(ctx context.Context, nsid uint32, lbaf uint8, ses SecureErase, timeout time.Duration) error {
	cmd := &passthruCmd{
		opcode: OpFormatNVM,
		nsid:   nsid,
		cdw10:  uint32(lbaf&0x0F) | uint32(ses&0x7)<<9 | uint32(lbaf>>4&0x3)<<12,
	}
	return d.admin(cmd, nil, timeout)
}

func (d *IoctlDevice) Sanitize(ctx context.Context, action SanitizeAction, noDeallocate bool) error {
	cdw10 := uint32(action & 0x7)
	if noDeallocate {
		cdw10 |= 1 << 9
	}
	return d.admin(&passthruCmd{opcode: OpSanitize, cdw10: cdw10}, nil, defaultAdminTimeout)
}

func (d *IoctlDevice) SanitizeLog(ctx context.Context) ([]byte, error) {
	buf := make([]byte, SanitizeLogSize)
	numd := uint32(len(buf)/4 - 1)
	cmd := &passthruCmd{
		opcode: OpGetLogPage,
		nsid:   broadcastNSID,
		cdw10:  LogSanitizeStatus | (numd&0xFFFF)<<16,
		cdw11:  numd >> 16,
	}
	err := d.admin(cmd, buf, defaultAdminTimeout)
	return buf, err
}

func (d *IoctlDevice) SecurityReceive(ctx context.Context, protocol uint8, comID uint16, buf []byte) error {
	cmd := &passthruCmd{
		opcode: OpSecurityReceive,
		cdw10:  uint32(protocol)<<24 | uint32(comID)<<8,
		cdw11:  uint32(len(buf)),
	}
	return d.admin(cmd, buf, defaultAdminTimeout)
}

func (d *IoctlDevice) admin(cmd *passthruCmd, data []byte, timeout time.Duration) error {
	if len(data) > 0 {
		cmd.addr = uint64(uintptr(unsafe.Pointer(&data[0])))
		cmd.dataLen = uint32(len(data))
	}
	if ms := timeout.Milliseconds(); ms > 0 && ms <= int64(^uint32(0)) {
		cmd.timeoutMs = uint32(ms)
	}

	r, _, errno := unix.Syscall(unix.SYS_IOCTL, d.fd, ioctlAdminCmd, uintptr(unsafe.Pointer(cmd)))
	runtime.KeepAlive(data)
	if errno != 0 {
		if errno == unix.ENOTTY {
			return fmt.Errorf("%w: %v", ErrNotSupported, errno)
		}
		return fmt.Errorf("nvme: admin opcode 0x%02x: %w", cmd.opcode, errno)
	}
	if r != 0 {
		return &StatusError{Opcode: cmd.opcode, Status: uint16(r)}
	}
	return nil
}
