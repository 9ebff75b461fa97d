package simdev

import (
	"bytes"
	"context"
	"sync"
	"time"

	"securewipe/internal/ata"
)

// ATADrive models the ATA security feature set of a SATA drive.
type ATADrive struct {
	mu       sync.Mutex
	disk     *Disk
	identity ata.Identity
	user     []byte
	master   []byte
	prepared bool
	tcg      *SED

	// EraseDelay is how long SECURITY ERASE UNIT takes.
	EraseDelay time.Duration
	// Release, when non-nil, holds SECURITY ERASE UNIT until closed.
	Release chan struct{}
	// IgnoreErase acknowledges the erase without touching the media.
	IgnoreErase bool
	// LeaveSecurityEnabled keeps the password set after an erase.
	LeaveSecurityEnabled bool
	// IdentifyErr fails IDENTIFY DEVICE.
	IdentifyErr error

	commands []byte
	erased   chan struct{}
}

// NewATADrive returns a drive with security supported, disabled and not
// frozen.
func NewATADrive(disk *Disk, model, serial string) *ATADrive {
	return &ATADrive{
		disk: disk,
		identity: ata.Identity{
			Model:        model,
			Serial:       serial,
			Firmware:     "SIM1",
			Sectors:      disk.SectorCount(),
			LogicalSize:  disk.SectorSize(),
			RotationRate: 1,
			Security: ata.Security{
				Supported:     true,
				EnhancedErase: true,
				EraseTime:     2 * time.Minute,
			},
		},
		erased: make(chan struct{}),
	}
}

// WithSecurity edits the security word.
func (a *ATADrive) WithSecurity(fn func(*ata.Security)) *ATADrive {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.identity.Security)
	return a
}

// WithRotation sets word 217.
func (a *ATADrive) WithRotation(rate uint16) *ATADrive {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.identity.RotationRate = rate
	return a
}

// WithUserPassword enables security with a user password.
func (a *ATADrive) WithUserPassword(pw string) *ATADrive {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user = []byte(pw)
	a.identity.Security.Enabled = true
	return a
}

// WithMasterPassword sets the master password.
func (a *ATADrive) WithMasterPassword(pw string) *ATADrive {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.master = []byte(pw)
	return a
}

// WithSED attaches a TCG security subsystem answering TRUSTED RECEIVE.
func (a *ATADrive) WithSED(s *SED) *ATADrive {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tcg = s
	a.identity.TrustedComputing = true
	return a
}

// Commands lists the opcodes received, in order.
func (a *ATADrive) Commands() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]byte(nil), a.commands...)
}

// Erased is closed when an erase finishes on the media.
func (a *ATADrive) Erased() <-chan struct{} { return a.erased }

func (a *ATADrive) record(op byte) {
	a.commands = append(a.commands, op)
}

func (a *ATADrive) Identify(ctx context.Context) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record(ata.CmdIdentify)
	if a.IdentifyErr != nil {
		return nil, a.IdentifyErr
	}
	id := a.identity
	return ata.EncodeIdentify(&id), nil
}

func (a *ATADrive) SecuritySetPassword(ctx context.Context, pw ata.Password) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record(ata.CmdSecuritySetPassword)
	s := &a.identity.Security
	if s.Frozen || s.Locked {
		return ata.ErrAborted
	}
	if pw.Master {
		a.master = append([]byte(nil), pw.Secret...)
		return nil
	}
	a.user = append([]byte(nil), pw.Secret...)
	s.Enabled = true
	return nil
}

func (a *ATADrive) SecurityErasePrepare(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record(ata.CmdSecurityErasePrepare)
	if a.identity.Security.Frozen {
		return ata.ErrAborted
	}
	a.prepared = true
	return nil
}

func (a *ATADrive) SecurityEraseUnit(ctx context.Context, pw ata.Password, enhanced bool, timeout time.Duration) error {
	a.mu.Lock()
	a.record(ata.CmdSecurityEraseUnit)
	s := &a.identity.Security
	ok := a.prepared && !s.Frozen && s.Enabled && a.matches(pw) && (!enhanced || s.EnhancedErase)
	a.prepared = false
	delay, release := a.EraseDelay, a.Release
	a.mu.Unlock()

	if !ok {
		return ata.ErrAborted
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if release != nil {
		<-release
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.IgnoreErase {
		if enhanced {
			a.disk.Scramble(int64(len(a.commands)))
		} else {
			a.disk.Fill(0)
		}
	}
	if !a.LeaveSecurityEnabled {
		a.user = nil
		s.Enabled = false
		s.Locked = false
	}
	select {
	case <-a.erased:
	default:
		close(a.erased)
	}
	return nil
}

func (a *ATADrive) SecurityDisablePassword(ctx context.Context, pw ata.Password) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record(ata.CmdSecurityDisablePassword)
	s := &a.identity.Security
	if s.Frozen || s.Locked || !a.matches(pw) {
		return ata.ErrAborted
	}
	a.user = nil
	s.Enabled = false
	return nil
}

func (a *ATADrive) SecurityReceive(ctx context.Context, protocol uint8, comID uint16, buf []byte) error {
	a.mu.Lock()
	tcg := a.tcg
	a.record(ata.CmdTrustedReceive)
	a.mu.Unlock()
	if tcg == nil {
		return ata.ErrNotSupported
	}
	return tcg.SecurityReceive(ctx, protocol, comID, buf)
}

func (a *ATADrive) matches(pw ata.Password) bool {
	if pw.Master {
		return len(a.master) > 0 && bytes.Equal(a.master, pw.Secret)
	}
	return bytes.Equal(a.user, pw.Secret)
}
