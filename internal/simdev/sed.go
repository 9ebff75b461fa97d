package simdev

import (
	"context"
	"fmt"
	"sync"

	"securewipe/internal/opal"
)

// SED models the TCG Opal subsystem of a self-encrypting drive. It answers
// Level 0 Discovery and, as an opal.Admin, performs reverts.
type SED struct {
	mu       sync.Mutex
	disk     *Disk
	psid     string
	sid      string
	locking  opal.Locking
	users    uint16
	reverts  int
	attempts int

	// RevertErr fails the revert with a non-authentication error.
	RevertErr error
	// IgnoreRevert reports success without changing the media key.
	IgnoreRevert bool
}

// NewSED returns an Opal 2 drive with locking enabled and the given PSID.
func NewSED(disk *Disk, psid, sid string) *SED {
	return &SED{
		disk:  disk,
		psid:  psid,
		sid:   sid,
		users: 8,
		locking: opal.Locking{
			Supported:       true,
			Enabled:         true,
			MediaEncryption: true,
		},
	}
}

// WithLocking replaces the Locking feature state.
func (s *SED) WithLocking(l opal.Locking) *SED {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locking = l
	return s
}

// Reverts counts successful reverts; Attempts counts all of them.
func (s *SED) Reverts() (ok, attempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reverts, s.attempts
}

func (s *SED) SecurityReceive(ctx context.Context, protocol uint8, comID uint16, buf []byte) error {
	if protocol != opal.ProtocolManagement || comID != opal.ComIDDiscoveryL0 {
		return fmt.Errorf("simdev: unsupported security protocol %d/%#x", protocol, comID)
	}
	s.mu.Lock()
	l, users := s.locking, s.users
	s.mu.Unlock()
	resp := opal.EncodeDiscovery(
		opal.FeatureSpec{Code: opal.FeatureTPer, Body: make([]byte, 12)},
		opal.FeatureSpec{Code: opal.FeatureLocking, Body: opal.LockingBody(l)},
		opal.FeatureSpec{Code: opal.FeatureOpalV2, Body: opal.OpalV2Body(0x1000, 4, users)},
	)
	for i := range buf {
		buf[i] = 0
	}
	copy(buf, resp)
	return nil
}

// Revert implements opal.Admin.
func (s *SED) Revert(ctx context.Context, devicePath string, cred opal.Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.RevertErr != nil {
		return s.RevertErr
	}
	want := s.psid
	if cred.Kind == opal.CredentialAdmin {
		want = s.sid
	}
	if want == "" || cred.Secret != want {
		return fmt.Errorf("%w: %s authority rejected", opal.ErrAuthentication, cred.Kind)
	}
	s.reverts++
	if s.IgnoreRevert {
		return nil
	}
	s.disk.Scramble(int64(s.reverts) + 4242)
	s.locking.Enabled = false
	s.locking.Locked = false
	s.locking.MBREnabled = false
	return nil
}
