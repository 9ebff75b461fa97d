package hwerase

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"securewipe/internal/ata"
	"securewipe/internal/failure"
	"securewipe/internal/method"
	"securewipe/internal/probe"
)

// PasswordSource supplies the ATA password of a drive whose security is
// already enabled.
type PasswordSource interface {
	ATAPassword(ctx context.Context, device string, allowMaster bool) (ata.Password, error)
}

// ATADriver performs SECURITY ERASE UNIT.
type ATADriver struct {
	Passwords PasswordSource
	// AllowMaster permits erasing with the master password.
	AllowMaster bool
	// DefaultTimeout applies when the drive reports no erase time.
	DefaultTimeout time.Duration
	// Rand seeds temporary passwords; crypto/rand when nil.
	Rand io.Reader
}

const ataSteps = 4

// Run erases the drive behind cmd. rec is the drive's capability record
// from the probe; it is not refreshed.
func (d *ATADriver) Run(ctx context.Context, cmd ata.Commander, rec *probe.CapabilityRecord, m method.ATASecureErase, env Env) (*Result, error) {
	sec := rec.ATA
	if cmd == nil || sec == nil || !sec.Supported {
		return nil, failure.New(failure.KindSelectionUnsupported, "%s does not support the ATA security feature set", rec.Path)
	}
	if sec.Frozen {
		return nil, failure.New(failure.KindSecurityFrozen, "ATA security on %s is frozen", rec.Path)
	}
	if sec.CountExpired {
		return nil, failure.WithHint(
			failure.New(failure.KindAuthenticationFailed, "password attempt counter on %s has expired", rec.Path),
			"power-cycle the drive to reset the attempt counter")
	}
	if err := cancelled(ctx, "ATA secure erase"); err != nil {
		return nil, err
	}

	res := &Result{Device: rec.Path, Method: m.String(), StartTime: time.Now()}
	log := env.Logger.With("device", rec.Path)

	var pw ata.Password
	callerPassword := sec.Enabled || sec.Locked
	env.step("set-password", 0, ataSteps, 0)
	if callerPassword {
		var err error
		if pw, err = d.password(ctx, rec.Path); err != nil {
			return nil, err
		}
	} else {
		secret, err := d.temporaryPassword()
		if err != nil {
			return nil, failure.Wrap(err, failure.KindInternal, "generate temporary password")
		}
		pw = ata.Password{Secret: []byte(secret)}
		if err := cmd.SecuritySetPassword(ctx, pw); err != nil {
			return nil, commandError(err, rec.Path, "SECURITY SET PASSWORD")
		}
		res.TemporaryPassword = true
		// Logged so the drive can be unlocked if the erase is interrupted.
		log.Log("WARN", "Temporary ATA user password set", "password", secret)
	}
	env.step("prepare", 1, ataSteps, 0)

	if err := cancelled(ctx, "ATA secure erase"); err != nil {
		d.cleanup(cmd, pw, res, log.Log)
		return nil, err
	}
	if err := cmd.SecurityErasePrepare(ctx); err != nil {
		d.cleanup(cmd, pw, res, log.Log)
		return nil, commandError(err, rec.Path, "SECURITY ERASE PREPARE")
	}

	estimate := sec.EraseEstimate
	if m.Enhanced {
		estimate = sec.EnhancedEraseEstimate
	}
	res.Estimate = estimate
	res.Timeout = CommandTimeout(estimate, d.DefaultTimeout)
	env.step("erase", 2, ataSteps, estimate)
	log.Log("INFO", "Issuing SECURITY ERASE UNIT", "enhanced", m.Enhanced, "estimate", estimate.String(), "timeout", res.Timeout.String())

	detached := context.WithoutCancel(ctx)
	err := runDetached(res.Timeout, env.Hold, "SECURITY ERASE UNIT", func() error {
		return cmd.SecurityEraseUnit(detached, pw, m.Enhanced, res.Timeout)
	})
	if err != nil {
		if failure.Is(err, failure.KindTimeout) {
			return nil, err
		}
		if errors.Is(err, ata.ErrAborted) && callerPassword {
			return nil, failure.Wrap(err, failure.KindAuthenticationFailed, "SECURITY ERASE UNIT on %s rejected the password", rec.Path)
		}
		d.cleanup(cmd, pw, res, log.Log)
		return nil, commandError(err, rec.Path, "SECURITY ERASE UNIT")
	}

	env.step("complete", ataSteps, ataSteps, 0)
	res.EndTime = time.Now()
	log.Log("INFO", "ATA secure erase completed", "duration", res.Duration().String())

	if err := cancelled(ctx, "ATA secure erase"); err != nil {
		return res, err
	}
	return res, nil
}

func (d *ATADriver) password(ctx context.Context, path string) (ata.Password, error) {
	if d.Passwords == nil {
		return ata.Password{}, failure.New(failure.KindAuthenticationFailed, "ATA security is enabled on %s and no password was supplied", path)
	}
	pw, err := d.Passwords.ATAPassword(ctx, path, d.AllowMaster)
	if err != nil {
		if failure.KindOf(err) != failure.KindInternal {
			return ata.Password{}, err
		}
		return ata.Password{}, failure.Wrap(err, failure.KindAuthenticationFailed, "read ATA password for %s", path)
	}
	if pw.Empty() {
		return ata.Password{}, failure.New(failure.KindAuthenticationFailed, "ATA security is enabled on %s and no password was supplied", path)
	}
	if pw.Master && !d.AllowMaster {
		return ata.Password{}, failure.New(failure.KindAuthenticationFailed, "master password use on %s is not authorized", path)
	}
	return pw, nil
}

func (d *ATADriver) temporaryPassword() (string, error) {
	r := d.Rand
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, 8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return "securewipe-" + hex.EncodeToString(buf), nil
}

// cleanup removes a temporary password after a failure so the drive is
// not left locked.
func (d *ATADriver) cleanup(cmd ata.Commander, pw ata.Password, res *Result, logf func(string, string, ...interface{})) {
	if !res.TemporaryPassword {
		return
	}
	if err := cmd.SecurityDisablePassword(context.Background(), pw); err != nil {
		logf("ERROR", "Failed to remove temporary ATA password", "error", err.Error())
		return
	}
	logf("INFO", "Temporary ATA password removed")
}

func commandError(err error, path, command string) error {
	if errors.Is(err, ata.ErrNotSupported) {
		return failure.Wrap(err, failure.KindSelectionUnsupported, "%s on %s", command, path)
	}
	return failure.Wrap(err, failure.KindCommandFailed, "%s on %s", command, path)
}
