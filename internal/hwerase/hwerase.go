// Package hwerase drives firmware-executed erasure: the ATA security feature
// set, NVMe Sanitize and NVMe Format NVM.
//
// Hardware commands are never aborted. Once issued, a command runs to
// completion on the device even if the job is cancelled or its timeout
// expires; a timed-out command hands the device to Env.Hold so the caller
// keeps it reserved until the command actually returns.
package hwerase

import (
	"context"
	"time"

	"securewipe/internal/failure"
	"securewipe/internal/logging"
	"securewipe/internal/progress"
)

const (
	// MinimumTimeout bounds the derived command timeout from below.
	MinimumTimeout = 30 * time.Minute
	// DefaultTimeout applies when neither the device nor the caller
	// supplies one.
	DefaultTimeout = 8 * time.Hour
)

// Env is the per-job environment a driver runs in.
type Env struct {
	Sink   progress.Sink
	Logger *logging.EnterpriseLogger
	// Hold is called when a command outlives its timeout. done is closed
	// when the command finally returns.
	Hold func(done <-chan struct{})
}

func (e Env) report(u progress.Update) {
	if e.Sink != nil {
		e.Sink.Report(u)
	}
}

func (e Env) step(phase string, done, total uint64, estimate time.Duration) {
	e.report(progress.Update{Phase: phase, Unit: progress.Steps, Done: done, Total: total, Estimate: estimate})
}

// Result describes a completed hardware erase.
type Result struct {
	Device    string
	Method    string
	StartTime time.Time
	EndTime   time.Time
	Estimate  time.Duration
	Timeout   time.Duration
	// Action is the sanitize action issued, zero for other commands.
	Action uint8
	// TemporaryPassword is set when the driver enabled ATA security itself.
	TemporaryPassword bool
}

func (r *Result) Duration() time.Duration { return r.EndTime.Sub(r.StartTime) }

// CommandTimeout derives a timeout from the device's own estimate: twice
// the estimate, and never less than the estimate plus MinimumTimeout.
// Without an estimate the fallback is used.
func CommandTimeout(estimate, fallback time.Duration) time.Duration {
	if estimate <= 0 {
		if fallback <= 0 {
			return DefaultTimeout
		}
		return fallback
	}
	t := 2 * estimate
	if floor := estimate + MinimumTimeout; t < floor {
		t = floor
	}
	return t
}

// runDetached runs fn to completion on its own goroutine. If fn has not
// returned within timeout, Timeout is returned and hold receives a channel
// that closes when fn does.
func runDetached(timeout time.Duration, hold func(<-chan struct{}), what string, fn func() error) error {
	result := make(chan error, 1)
	go func() { result <- fn() }()

	if timeout <= 0 {
		return <-result
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-result:
		return err
	case <-timer.C:
		done := make(chan struct{})
		go func() {
			<-result
			close(done)
		}()
		if hold != nil {
			hold(done)
		}
		return failure.New(failure.KindTimeout, "%s did not complete within %s", what, timeout)
	}
}

// cancelled converts a cancellation observed between phases.
func cancelled(ctx context.Context, what string) error {
	select {
	case <-ctx.Done():
		return failure.Wrap(ctx.Err(), failure.KindCancelled, "%s cancelled", what)
	default:
		return nil
	}
}
