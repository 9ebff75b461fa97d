// Package cryptoerase erases TCG Opal self-encrypting drives by reverting
// them to factory state, which discards the media encryption key.
package cryptoerase

import (
	"context"
	"errors"
	"os/exec"
	"time"

	"securewipe/internal/failure"
	"securewipe/internal/hwerase"
	"securewipe/internal/method"
	"securewipe/internal/opal"
	"securewipe/internal/probe"
	"securewipe/internal/progress"
)

// CredentialSource supplies the PSID or admin password for a revert.
type CredentialSource interface {
	SEDCredential(ctx context.Context, device string, kind opal.CredentialKind) (opal.Credential, error)
}

// Driver performs the revert through an opal.Admin.
type Driver struct {
	Admin       opal.Admin
	Credentials CredentialSource
}

const steps = 3

// Run reverts the drive. Authentication failures are final; the revert is
// never retried because repeated attempts can lock the authority out.
func (d *Driver) Run(ctx context.Context, rec *probe.CapabilityRecord, m method.CryptoErase, env hwerase.Env) (*hwerase.Result, error) {
	if rec.SED == nil || !rec.SED.OpalCompliant {
		return nil, failure.New(failure.KindSelectionUnsupported, "%s is not a TCG Opal drive", rec.Path)
	}
	if d.Admin == nil {
		return nil, failure.New(failure.KindInternal, "no Opal administration backend configured")
	}
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	kind := m.Effective()
	log := env.Logger.With("device", rec.Path, "authority", string(kind))
	report(env, "credential", 0)

	if d.Credentials == nil {
		return nil, failure.New(failure.KindAuthenticationFailed, "no %s credential source for %s", kind, rec.Path)
	}
	cred, err := d.Credentials.SEDCredential(ctx, rec.Path, kind)
	if err != nil {
		if failure.KindOf(err) != failure.KindInternal {
			return nil, err
		}
		return nil, failure.Wrap(err, failure.KindAuthenticationFailed, "read %s credential for %s", kind, rec.Path)
	}
	cred.Kind = kind
	if err := cred.Validate(); err != nil {
		return nil, failure.Wrap(err, failure.KindAuthenticationFailed, "%s credential for %s", kind, rec.Path)
	}
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	res := &hwerase.Result{Device: rec.Path, Method: m.String(), StartTime: time.Now()}
	report(env, "credential", 1)
	log.Log("WARN", "Reverting self-encrypting drive to factory state")

	// A revert that has been sent runs to completion.
	if err := d.Admin.Revert(context.WithoutCancel(ctx), rec.Path, cred); err != nil {
		return nil, revertError(err, rec.Path)
	}
	report(env, "revert", 2)
	report(env, "complete", steps)
	res.EndTime = time.Now()
	log.Log("INFO", "Revert completed", "duration", res.Duration().String())

	if err := ctxErr(ctx); err != nil {
		return res, err
	}
	return res, nil
}

func revertError(err error, path string) error {
	switch {
	case errors.Is(err, opal.ErrAuthentication), errors.Is(err, opal.ErrMalformedPSID):
		return failure.Wrap(err, failure.KindAuthenticationFailed, "revert of %s", path)
	case errors.Is(err, exec.ErrNotFound):
		return failure.WithHint(
			failure.Wrap(err, failure.KindCommandFailed, "revert of %s", path),
			"install sedutil-cli or set erase.sedutil_path")
	}
	return failure.Wrap(err, failure.KindCommandFailed, "revert of %s", path)
}

func report(env hwerase.Env, phase string, done uint64) {
	if env.Sink == nil {
		return
	}
	env.Sink.Report(progress.Update{Phase: phase, Unit: progress.Steps, Done: done, Total: steps})
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return failure.Wrap(ctx.Err(), failure.KindCancelled, "crypto erase cancelled")
	default:
		return nil
	}
}
