package opal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"unicode"
)

// CredentialKind selects the authority used to revert the drive.
type CredentialKind string

const (
	// CredentialPSID is the Physical Secure ID printed on the drive label.
	CredentialPSID CredentialKind = "psid"
	// CredentialAdmin is the SID (owner) password.
	CredentialAdmin CredentialKind = "admin"
)

// ParseCredentialKind accepts "psid" and "admin".
func ParseCredentialKind(s string) (CredentialKind, error) {
	switch CredentialKind(strings.ToLower(s)) {
	case CredentialPSID:
		return CredentialPSID, nil
	case CredentialAdmin, "sid":
		return CredentialAdmin, nil
	}
	return "", fmt.Errorf("unknown SED authority %q", s)
}

// Credential is an authority plus its secret.
type Credential struct {
	Kind   CredentialKind
	Secret string
}

const psidLength = 32

var (
	// ErrAuthentication means the drive rejected the credential.
	ErrAuthentication = errors.New("opal: authentication failed")
	// ErrMalformedPSID means the PSID cannot be valid for any drive.
	ErrMalformedPSID = errors.New("opal: PSID must be 32 alphanumeric characters")
)

// Validate rejects credentials that cannot possibly authenticate.
func (c Credential) Validate() error {
	switch c.Kind {
	case CredentialPSID:
		if len(c.Secret) != psidLength {
			return ErrMalformedPSID
		}
		for _, r := range c.Secret {
			if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
				return ErrMalformedPSID
			}
		}
	case CredentialAdmin:
		if c.Secret == "" {
			return fmt.Errorf("%w: empty admin password", ErrAuthentication)
		}
	default:
		return fmt.Errorf("opal: unknown credential kind %q", c.Kind)
	}
	return nil
}

// Admin performs the administrative revert of a locking SP, which
// regenerates the media encryption key.
type Admin interface {
	Revert(ctx context.Context, devicePath string, cred Credential) error
}

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// SedutilAdmin reverts drives through sedutil-cli.
type SedutilAdmin struct {
	Binary string
	Run    Runner
}

// NewSedutilAdmin returns an admin running binary ("sedutil-cli" when empty).
func NewSedutilAdmin(binary string) *SedutilAdmin {
	if binary == "" {
		binary = "sedutil-cli"
	}
	return &SedutilAdmin{Binary: binary, Run: ExecRunner}
}

// authFailures are sedutil status names for a rejected credential.
var authFailures = []string{"NOT_AUTHORIZED", "AUTHORITY_LOCKED_OUT", "authority locked out"}

func (s *SedutilAdmin) Revert(ctx context.Context, devicePath string, cred Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}

	var args []string
	switch cred.Kind {
	case CredentialPSID:
		args = []string{"--PSIDrevert", cred.Secret, devicePath}
	case CredentialAdmin:
		args = []string{"--revertTPer", cred.Secret, devicePath}
	}

	run := s.Run
	if run == nil {
		run = ExecRunner
	}
	out, err := run(ctx, s.Binary, args...)
	if err == nil && !containsAny(out, authFailures) {
		return nil
	}

	// The secret must not reach logs through the error text.
	detail := strings.TrimSpace(strings.ReplaceAll(string(out), cred.Secret, "<redacted>"))
	if containsAny(out, authFailures) {
		return fmt.Errorf("%w: %s %s: %s", ErrAuthentication, s.Binary, args[0], detail)
	}
	return fmt.Errorf("opal: %s %s failed: %v: %s", s.Binary, args[0], err, detail)
}

func containsAny(out []byte, needles []string) bool {
	for _, n := range needles {
		if bytes.Contains(out, []byte(n)) {
			return true
		}
	}
	return false
}
