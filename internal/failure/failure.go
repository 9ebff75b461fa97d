// Package failure defines the error kinds an erasure job can end with and
// the process exit codes the CLI maps them to.
package failure

import (
	cerr "github.com/cockroachdb/errors"
)

// Kind classifies a terminal job failure.
type Kind int

const (
	KindNone Kind = iota
	KindLockContention
	KindProbeUnsupported
	KindProbeIO
	KindProbePermissionDenied
	KindSelectionUnsupported
	KindSecurityFrozen
	KindAuthenticationFailed
	KindCommandFailed
	KindIOError
	KindTimeout
	KindVerificationFailed
	KindCancelled
	KindInternal
)

var (
	ErrLockContention        = cerr.New("device is locked by another job")
	ErrProbeUnsupported      = cerr.New("device class cannot be determined")
	ErrProbeIO               = cerr.New("device probe failed")
	ErrProbePermissionDenied = cerr.New("elevated access required")
	ErrSelectionUnsupported  = cerr.New("erase method not supported by device")
	ErrSecurityFrozen        = cerr.New("ATA security is frozen")
	ErrAuthenticationFailed  = cerr.New("authentication failed")
	ErrCommandFailed         = cerr.New("device command failed")
	ErrIO                    = cerr.New("I/O error")
	ErrTimeout               = cerr.New("device command timed out")
	ErrVerificationFailed    = cerr.New("verification failed")
	ErrCancelled             = cerr.New("cancelled")
)

type kindInfo struct {
	name     string
	sentinel error
	exitCode int
	hint     string
}

var kinds = map[Kind]kindInfo{
	KindLockContention:        {"lock_contention", ErrLockContention, 10, "another job or process holds the device; wait for it to finish"},
	KindProbeUnsupported:      {"probe_unsupported", ErrProbeUnsupported, 11, "the device type is not supported on this platform"},
	KindSelectionUnsupported:  {"selection_unsupported", ErrSelectionUnsupported, 12, "run 'probe' to list the methods this device supports"},
	KindProbePermissionDenied: {"probe_permission_denied", ErrProbePermissionDenied, 13, "re-run as root"},
	KindProbeIO:               {"probe_io", ErrProbeIO, 14, "check the cabling and the kernel log"},
	KindIOError:               {"io_error", ErrIO, 15, "the device reported persistent write or read errors; it may be failing"},
	KindSecurityFrozen:        {"security_frozen", ErrSecurityFrozen, 16, "power-cycle required: suspend/resume the host or hot-plug the drive, then retry"},
	KindAuthenticationFailed:  {"authentication_failed", ErrAuthenticationFailed, 17, "check the supplied password or PSID"},
	KindCommandFailed:         {"command_failed", ErrCommandFailed, 18, "the device rejected the command; see the log for the status code"},
	KindTimeout:               {"timeout", ErrTimeout, 19, "the command may still be running on the device; do not power it off"},
	KindVerificationFailed:    {"verification_failed", ErrVerificationFailed, 20, "the erase did not take effect; do not release the device"},
	KindCancelled:             {"cancelled", ErrCancelled, 130, ""},
}

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInternal:
		return "internal"
	}
	if info, ok := kinds[k]; ok {
		return info.name
	}
	return "unknown"
}

// ExitCode returns the process exit code for k.
func (k Kind) ExitCode() int {
	switch k {
	case KindNone:
		return 0
	case KindInternal:
		return 1
	}
	if info, ok := kinds[k]; ok {
		return info.exitCode
	}
	return 1
}

// New creates an error of the given kind carrying the kind's default hint.
func New(kind Kind, format string, args ...interface{}) error {
	return mark(cerr.Newf(format, args...), kind)
}

// Wrap annotates err and marks it with kind. A nil err yields nil.
func Wrap(err error, kind Kind, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return mark(cerr.Wrapf(err, format, args...), kind)
}

// WithHint attaches an additional operator hint to err.
func WithHint(err error, hint string) error {
	return cerr.WithHint(err, hint)
}

func mark(err error, kind Kind) error {
	info, ok := kinds[kind]
	if !ok {
		return err
	}
	err = cerr.Mark(err, info.sentinel)
	if info.hint != "" {
		err = cerr.WithHint(err, info.hint)
	}
	return err
}

// KindOf reports the kind err was marked with. Unmarked errors are
// KindInternal; nil is KindNone.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range order {
		if cerr.Is(err, kinds[k].sentinel) {
			return k
		}
	}
	return KindInternal
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	info, ok := kinds[kind]
	return ok && cerr.Is(err, info.sentinel)
}

// Hints returns the operator hints attached to err, outermost first.
func Hints(err error) []string {
	return cerr.GetAllHints(err)
}

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	return KindOf(err).ExitCode()
}

// order is the lookup order for KindOf. Cancellation is checked first so a
// cancelled job is never reported under the error that observed it.
var order = []Kind{
	KindCancelled,
	KindLockContention,
	KindProbePermissionDenied,
	KindProbeUnsupported,
	KindProbeIO,
	KindSelectionUnsupported,
	KindSecurityFrozen,
	KindAuthenticationFailed,
	KindTimeout,
	KindVerificationFailed,
	KindCommandFailed,
	KindIOError,
}
