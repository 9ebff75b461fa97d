package hwerase

import (
	"context"
	"errors"
	"time"

	"securewipe/internal/failure"
	"securewipe/internal/method"
	"securewipe/internal/nvme"
	"securewipe/internal/probe"
	"securewipe/internal/progress"
)

// NVMeDriver performs Sanitize and Format NVM.
type NVMeDriver struct {
	// PollInterval is the Sanitize Status log polling period.
	PollInterval time.Duration
	// DefaultTimeout applies when the controller reports no estimate.
	DefaultTimeout time.Duration
	// LogRetries is how many consecutive log read failures are tolerated.
	LogRetries int
}

func (d *NVMeDriver) pollInterval() time.Duration {
	if d.PollInterval <= 0 {
		return 2 * time.Second
	}
	return d.PollInterval
}

// Sanitize issues a sanitize with the method's action and polls the
// Sanitize Status log until the controller reports success or failure.
func (d *NVMeDriver) Sanitize(ctx context.Context, cmd nvme.Commander, rec *probe.CapabilityRecord, m method.NVMeSanitize, env Env) (*Result, error) {
	if cmd == nil || rec.NVMe == nil {
		return nil, failure.New(failure.KindSelectionUnsupported, "%s is not an NVMe namespace", rec.Path)
	}
	if err := cancelled(ctx, "NVMe sanitize"); err != nil {
		return nil, err
	}
	log := env.Logger.With("device", rec.Path, "action", m.Action.String())

	status, err := d.readLog(ctx, cmd, rec.Path)
	if err != nil {
		return nil, err
	}
	if status.State == nvme.SanitizeInProgress {
		return nil, failure.WithHint(
			failure.New(failure.KindCommandFailed, "a sanitize operation is already in progress on %s (%d%%)", rec.Path, status.Percent()),
			"wait for the running sanitize to finish; it cannot be stopped")
	}

	res := &Result{Device: rec.Path, Method: m.String(), StartTime: time.Now(), Action: uint8(m.Action)}
	res.Estimate = status.Estimate(m.Action)
	res.Timeout = CommandTimeout(res.Estimate, d.DefaultTimeout)

	if err := cmd.Sanitize(ctx, m.Action, false); err != nil {
		return nil, nvmeError(err, rec.Path, "Sanitize")
	}
	log.Log("INFO", "Sanitize started", "estimate", res.Estimate.String(), "timeout", res.Timeout.String())
	env.report(progress.Update{Phase: "sanitize", Unit: progress.Percent, Done: 0, Total: 100, Estimate: res.Estimate})

	// The sanitize runs inside the controller; cancellation only takes
	// effect once it has finished.
	detached := context.WithoutCancel(ctx)
	pollCtx, stopPolling := context.WithTimeout(detached, res.Timeout)
	defer stopPolling()
	ticker := time.NewTicker(d.pollInterval())
	defer ticker.Stop()

	timedOut := func() (*Result, error) {
		done := make(chan struct{})
		go d.watch(detached, cmd, done)
		if env.Hold != nil {
			env.Hold(done)
		}
		return nil, failure.New(failure.KindTimeout, "sanitize on %s did not complete within %s", rec.Path, res.Timeout)
	}

	for {
		select {
		case <-pollCtx.Done():
			return timedOut()
		case <-ticker.C:
		}

		status, err := d.readLog(pollCtx, cmd, rec.Path)
		if err != nil {
			if pollCtx.Err() != nil {
				return timedOut()
			}
			return nil, err
		}
		switch {
		case status.State.Succeeded():
			env.report(progress.Update{Phase: "sanitize", Unit: progress.Percent, Done: 100, Total: 100})
			res.EndTime = time.Now()
			log.Log("INFO", "Sanitize completed", "state", status.State.String(), "duration", res.Duration().String())
			if err := cancelled(ctx, "NVMe sanitize"); err != nil {
				return res, err
			}
			return res, nil
		case status.State == nvme.SanitizeFailed:
			log.Log("ERROR", "Sanitize failed")
			return nil, failure.WithHint(
				failure.New(failure.KindCommandFailed, "controller reported sanitize failure on %s", rec.Path),
				"the controller is in sanitize failure mode; retry the sanitize or issue exit-failure-mode")
		default:
			env.report(progress.Update{Phase: "sanitize", Unit: progress.Percent, Done: uint64(status.Percent()), Total: 100, Estimate: res.Estimate})
		}
	}
}

// readLog reads the Sanitize Status log, tolerating LogRetries consecutive
// failures. Retries stop when ctx is done.
func (d *NVMeDriver) readLog(ctx context.Context, cmd nvme.Commander, path string) (*nvme.SanitizeStatus, error) {
	var lastErr error
	for attempt := 0; attempt <= d.LogRetries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(d.pollInterval())
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, nvmeError(lastErr, path, "Get Log Page (sanitize status)")
			case <-t.C:
			}
		}
		raw, err := cmd.SanitizeLog(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		st, err := nvme.ParseSanitizeLog(raw)
		if err != nil {
			return nil, failure.Wrap(err, failure.KindCommandFailed, "sanitize status log of %s", path)
		}
		return st, nil
	}
	return nil, nvmeError(lastErr, path, "Get Log Page (sanitize status)")
}

// watch polls until the controller leaves the in-progress state.
func (d *NVMeDriver) watch(ctx context.Context, cmd nvme.Commander, done chan<- struct{}) {
	defer close(done)
	for {
		raw, err := cmd.SanitizeLog(ctx)
		if err != nil {
			return
		}
		st, err := nvme.ParseSanitizeLog(raw)
		if err != nil || st.State != nvme.SanitizeInProgress {
			return
		}
		time.Sleep(d.pollInterval())
	}
}

// Format issues Format NVM on the namespace's current LBA format.
func (d *NVMeDriver) Format(ctx context.Context, cmd nvme.Commander, rec *probe.CapabilityRecord, m method.NVMeFormat, env Env) (*Result, error) {
	if cmd == nil || rec.NVMe == nil {
		return nil, failure.New(failure.KindSelectionUnsupported, "%s is not an NVMe namespace", rec.Path)
	}
	if err := cancelled(ctx, "NVMe format"); err != nil {
		return nil, err
	}
	nsid := rec.NVMe.NamespaceID
	if nsid == 0 {
		nsid = cmd.NamespaceID()
	}
	res := &Result{Device: rec.Path, Method: m.String(), StartTime: time.Now(), Timeout: CommandTimeout(0, d.DefaultTimeout)}
	log := env.Logger.With("device", rec.Path, "nsid", nsid, "lbaf", rec.NVMe.LBAFormat, "ses", m.SES.String())

	env.step("format", 0, 1, 0)
	log.Log("INFO", "Issuing Format NVM", "timeout", res.Timeout.String())

	detached := context.WithoutCancel(ctx)
	err := runDetached(res.Timeout, env.Hold, "Format NVM", func() error {
		return cmd.FormatNVM(detached, nsid, rec.NVMe.LBAFormat, m.SES, res.Timeout)
	})
	if err != nil {
		if failure.Is(err, failure.KindTimeout) {
			return nil, err
		}
		return nil, nvmeError(err, rec.Path, "Format NVM")
	}
	env.step("format", 1, 1, 0)
	res.EndTime = time.Now()
	log.Log("INFO", "Format NVM completed", "duration", res.Duration().String())

	if err := cancelled(ctx, "NVMe format"); err != nil {
		return res, err
	}
	return res, nil
}

func nvmeError(err error, path, command string) error {
	if errors.Is(err, nvme.ErrNotSupported) {
		return failure.Wrap(err, failure.KindSelectionUnsupported, "%s on %s", command, path)
	}
	return failure.Wrap(err, failure.KindCommandFailed, "%s on %s", command, path)
}
