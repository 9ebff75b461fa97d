package simdev

import (
	"context"
	"sync"
	"time"

	"securewipe/internal/nvme"
)

// NVMeDrive models one NVMe controller with a single namespace.
type NVMeDrive struct {
	mu        sync.Mutex
	disk      *Disk
	ctrl      nvme.Controller
	ns        nvme.Namespace
	tcg       *SED
	status    nvme.SanitizeStatus
	remaining int

	// SanitizeSteps is how many log reads a sanitize takes to finish.
	SanitizeSteps int
	// FailSanitize makes the running sanitize end in the failed state.
	FailSanitize bool
	// FormatDelay is how long Format NVM takes.
	FormatDelay time.Duration
	// FormatErr fails Format NVM.
	FormatErr error
	// IgnoreErase acknowledges erases without touching the media.
	IgnoreErase bool
	// SanitizeLogErr fails Sanitize Status log reads while a sanitize runs.
	SanitizeLogErr error

	sanitizes int
	formats   int
}

// NewNVMeDrive returns a controller supporting Format NVM (with crypto
// erase) and all three sanitize actions.
func NewNVMeDrive(disk *Disk, model, serial string) *NVMeDrive {
	lbaSize := disk.SectorSize()
	return &NVMeDrive{
		disk: disk,
		ctrl: nvme.Controller{
			Model:    model,
			Serial:   serial,
			Firmware: "SIM1",
			OACS:     0x3,
			SANICAP:  0x7,
			FNA:      0x4,
		},
		ns:            nvme.Namespace{Size: disk.SectorCount(), FormatIndex: 0, LBASize: lbaSize},
		status:        nvme.SanitizeStatus{State: nvme.SanitizeNever, Progress: 0xFFFF},
		SanitizeSteps: 3,
	}
}

// WithController edits the Identify Controller data.
func (n *NVMeDrive) WithController(fn func(*nvme.Controller)) *NVMeDrive {
	n.mu.Lock()
	defer n.mu.Unlock()
	fn(&n.ctrl)
	return n
}

// WithSED attaches a TCG security subsystem answering Security Receive.
func (n *NVMeDrive) WithSED(s *SED) *NVMeDrive {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tcg = s
	return n
}

// StartSanitizeElsewhere puts the controller into an in-progress sanitize
// not issued by this process.
func (n *NVMeDrive) StartSanitizeElsewhere() *NVMeDrive {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status = nvme.SanitizeStatus{State: nvme.SanitizeInProgress, LastAction: nvme.SanitizeBlockErase, Progress: 0x4000}
	n.remaining = 1 << 30
	return n
}

// Counts returns how many Sanitize and Format NVM commands were accepted.
func (n *NVMeDrive) Counts() (sanitizes, formats int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sanitizes, n.formats
}

func (n *NVMeDrive) NamespaceID() uint32 { return 1 }

func (n *NVMeDrive) IdentifyController(ctx context.Context) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := n.ctrl
	return nvme.EncodeController(&c), nil
}

func (n *NVMeDrive) IdentifyNamespace(ctx context.Context, nsid uint32) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if nsid != 1 {
		return nil, &nvme.StatusError{Opcode: nvme.OpIdentify, Status: 0x000B}
	}
	ns := n.ns
	return nvme.EncodeNamespace(&ns), nil
}

func (n *NVMeDrive) FormatNVM(ctx context.Context, nsid uint32, lbaf uint8, ses nvme.SecureErase, timeout time.Duration) error {
	n.mu.Lock()
	delay, ferr := n.FormatDelay, n.FormatErr
	n.mu.Unlock()
	if ferr != nil {
		return ferr
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if nsid != 1 || lbaf != n.ns.FormatIndex {
		return &nvme.StatusError{Opcode: nvme.OpFormatNVM, Status: 0x010A}
	}
	if ses == nvme.SESCryptoErase && !n.ctrl.FormatCryptoErase() {
		return &nvme.StatusError{Opcode: nvme.OpFormatNVM, Status: 0x010A}
	}
	n.formats++
	if !n.IgnoreErase {
		switch ses {
		case nvme.SESCryptoErase:
			n.disk.Scramble(int64(n.formats) + 77)
		default:
			n.disk.Fill(0)
		}
	}
	return nil
}

func (n *NVMeDrive) Sanitize(ctx context.Context, action nvme.SanitizeAction, noDeallocate bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status.State == nvme.SanitizeInProgress {
		return &nvme.StatusError{Opcode: nvme.OpSanitize, Status: 0x011D}
	}
	if !n.ctrl.SupportsSanitizeAction(action) {
		return &nvme.StatusError{Opcode: nvme.OpSanitize, Status: 0x0002}
	}
	n.sanitizes++
	n.status = nvme.SanitizeStatus{State: nvme.SanitizeInProgress, LastAction: action}
	n.remaining = n.SanitizeSteps
	return nil
}

// SanitizeLog advances a running sanitize by one step per read.
func (n *NVMeDrive) SanitizeLog(ctx context.Context) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status.State == nvme.SanitizeInProgress && n.SanitizeLogErr != nil {
		return nil, n.SanitizeLogErr
	}
	if n.status.State == nvme.SanitizeInProgress {
		n.remaining--
		switch {
		case n.remaining <= 0 && n.FailSanitize:
			n.status.State = nvme.SanitizeFailed
		case n.remaining <= 0:
			n.finishSanitize()
		default:
			steps := n.SanitizeSteps
			if steps <= 0 {
				steps = 1
			}
			done := steps - n.remaining
			if done < 0 {
				done = 0
			}
			n.status.Progress = uint16(done * 65535 / steps)
		}
	}
	st := n.status
	return nvme.EncodeSanitizeLog(&st), nil
}

func (n *NVMeDrive) finishSanitize() {
	n.status.State = nvme.SanitizeSucceeded
	n.status.Progress = 0xFFFF
	if n.IgnoreErase {
		return
	}
	if n.status.LastAction == nvme.SanitizeCryptoErase {
		n.disk.Scramble(int64(n.sanitizes) + 991)
		return
	}
	n.disk.Fill(0)
}

func (n *NVMeDrive) SecurityReceive(ctx context.Context, protocol uint8, comID uint16, buf []byte) error {
	n.mu.Lock()
	tcg := n.tcg
	n.mu.Unlock()
	if tcg == nil {
		return &nvme.StatusError{Opcode: nvme.OpSecurityReceive, Status: 0x0001}
	}
	return tcg.SecurityReceive(ctx, protocol, comID, buf)
}
