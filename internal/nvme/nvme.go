// Package nvme issues NVMe admin commands (Identify, Format NVM, Sanitize,
// Get Log Page, Security Receive) and decodes their data structures.
package nvme

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	OpGetLogPage      = 0x02
	OpIdentify        = 0x06
	OpFormatNVM       = 0x80
	OpSecurityReceive = 0x82
	OpSanitize        = 0x84

	LogSanitizeStatus = 0x81

	IdentifyDataSize = 4096
	SanitizeLogSize  = 512
)

// SanitizeAction is the SANACT field of the Sanitize command.
type SanitizeAction uint8

const (
	SanitizeExitFailureMode SanitizeAction = 1
	SanitizeBlockErase      SanitizeAction = 2
	SanitizeOverwrite       SanitizeAction = 3
	SanitizeCryptoErase     SanitizeAction = 4
)

func (a SanitizeAction) String() string {
	switch a {
	case SanitizeExitFailureMode:
		return "exit-failure-mode"
	case SanitizeBlockErase:
		return "block-erase"
	case SanitizeOverwrite:
		return "overwrite"
	case SanitizeCryptoErase:
		return "crypto-erase"
	}
	return fmt.Sprintf("sanact(%d)", uint8(a))
}

// ParseSanitizeAction accepts the names printed by String.
func ParseSanitizeAction(s string) (SanitizeAction, error) {
	for _, a := range []SanitizeAction{SanitizeBlockErase, SanitizeOverwrite, SanitizeCryptoErase} {
		if a.String() == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown sanitize action %q", s)
}

// SecureErase is the SES field of Format NVM.
type SecureErase uint8

const (
	SESNone        SecureErase = 0
	SESUserData    SecureErase = 1
	SESCryptoErase SecureErase = 2
)

func (s SecureErase) String() string {
	switch s {
	case SESNone:
		return "none"
	case SESUserData:
		return "user-data"
	case SESCryptoErase:
		return "crypto-erase"
	}
	return fmt.Sprintf("ses(%d)", uint8(s))
}

// ParseSecureErase accepts the names printed by String.
func ParseSecureErase(s string) (SecureErase, error) {
	switch s {
	case "user-data":
		return SESUserData, nil
	case "crypto-erase":
		return SESCryptoErase, nil
	}
	return 0, fmt.Errorf("unknown format secure-erase setting %q", s)
}

var ErrNotSupported = errors.New("nvme: admin passthrough not supported")

// StatusError is a non-zero completion status returned by the controller.
type StatusError struct {
	Opcode uint8
	Status uint16
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("nvme: opcode 0x%02x completed with status 0x%04x (sct %d, sc 0x%02x)",
		e.Opcode, e.Status, (e.Status>>8)&0x7, e.Status&0xFF)
}

// Commander issues admin commands to one controller/namespace pair. Calls
// block until the controller posts a completion.
type Commander interface {
	NamespaceID() uint32
	IdentifyController(ctx context.Context) ([]byte, error)
	IdentifyNamespace(ctx context.Context, nsid uint32) ([]byte, error)
	FormatNVM(ctx context.Context, nsid uint32, lbaf uint8, ses SecureErase, timeout time.Duration) error
	Sanitize(ctx context.Context, action SanitizeAction, noDeallocate bool) error
	SanitizeLog(ctx context.Context) ([]byte, error)
	SecurityReceive(ctx context.Context, protocol uint8, comID uint16, buf []byte) error
}
