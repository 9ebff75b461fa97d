// Package ata issues ATA commands (IDENTIFY DEVICE, the security feature
// set, TRUSTED RECEIVE) and decodes their results.
package ata

import (
	"context"
	"errors"
	"time"
)

const (
	CmdIdentify                = 0xEC
	CmdTrustedReceive          = 0x5C
	CmdSecuritySetPassword     = 0xF1
	CmdSecurityUnlock          = 0xF2
	CmdSecurityErasePrepare    = 0xF3
	CmdSecurityEraseUnit       = 0xF4
	CmdSecurityDisablePassword = 0xF6
)

const SectorSize = 512

var (
	// ErrNotSupported means the device or the transport rejected the command
	// as unknown.
	ErrNotSupported = errors.New("ata: command not supported")
	// ErrAborted means the device aborted the command (ABRT), e.g. a wrong
	// password or a frozen security state.
	ErrAborted = errors.New("ata: command aborted by device")
)

// Password is a security feature set credential.
type Password struct {
	Master bool
	Secret []byte
}

// Empty reports whether no secret was supplied.
func (p Password) Empty() bool { return len(p.Secret) == 0 }

// Commander issues ATA commands to one device. Implementations block until
// the device completes the command; the context is not used to abort a
// command once it has been sent.
type Commander interface {
	Identify(ctx context.Context) ([]byte, error)
	SecuritySetPassword(ctx context.Context, pw Password) error
	SecurityErasePrepare(ctx context.Context) error
	SecurityEraseUnit(ctx context.Context, pw Password, enhanced bool, timeout time.Duration) error
	SecurityDisablePassword(ctx context.Context, pw Password) error
	// SecurityReceive is TRUSTED RECEIVE; buf length must be a multiple of 512.
	SecurityReceive(ctx context.Context, protocol uint8, comID uint16, buf []byte) error
}

// SecurityBlock builds the 512-byte data block shared by the security
// commands: word 0 carries the identifier and erase mode, words 1-16 the
// password.
func SecurityBlock(pw Password, enhanced bool) []byte {
	buf := make([]byte, SectorSize)
	if pw.Master {
		buf[0] |= 0x01
	}
	if enhanced {
		buf[0] |= 0x02
	}
	copy(buf[2:34], pw.Secret)
	return buf
}

// ParseSecurityBlock is the inverse of SecurityBlock.
func ParseSecurityBlock(buf []byte) (pw Password, enhanced bool) {
	if len(buf) < 34 {
		return Password{}, false
	}
	pw.Master = buf[0]&0x01 != 0
	enhanced = buf[0]&0x02 != 0
	secret := buf[2:34]
	end := len(secret)
	for end > 0 && secret[end-1] == 0 {
		end--
	}
	pw.Secret = append([]byte(nil), secret[:end]...)
	return pw, enhanced
}
