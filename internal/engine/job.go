package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"securewipe/internal/certificate"
	"securewipe/internal/device"
	"securewipe/internal/failure"
	"securewipe/internal/hwerase"
	"securewipe/internal/logging"
	"securewipe/internal/method"
	"securewipe/internal/probe"
	"securewipe/internal/progress"
	"securewipe/internal/reporting"
	"securewipe/internal/verify"
	"securewipe/internal/wipe"
)

// ProgressSnapshot is one progress observation. Snapshots are sent on a
// bounded channel and dropped when the observer falls behind.
type ProgressSnapshot struct {
	JobID    string
	State    State
	Phase    string
	Unit     progress.Unit
	Done     uint64
	Total    uint64
	Pass     int
	Passes   int
	Elapsed  time.Duration
	Estimate time.Duration
}

// Fraction is Done/Total clamped to [0, 1].
func (s ProgressSnapshot) Fraction() float64 {
	return progress.Update{Done: s.Done, Total: s.Total}.Fraction()
}

// Outcome is the terminal result of a job.
type Outcome struct {
	JobID        string
	Device       string
	State        State
	Err          error
	Record       *probe.CapabilityRecord
	Method       method.Method
	Overwrite    *wipe.Result
	Hardware     *hwerase.Result
	Verification *verify.Result
	Certificate  *certificate.Certificate
	// SinkErr is set when the certificate was issued but could not be
	// stored.
	SinkErr     error
	StartTime   time.Time
	EndTime     time.Time
	Transitions []Transition
	Dropped     uint64
}

// Kind is the failure kind, meaningful when State is Failed or Cancelled.
func (o *Outcome) Kind() failure.Kind {
	if o.State == StateCancelled {
		return failure.KindCancelled
	}
	return failure.KindOf(o.Err)
}

// ExitCode is 0 for a completed job and the failure kind's code otherwise.
func (o *Outcome) ExitCode() int {
	switch o.State {
	case StateCompleted:
		return 0
	case StateCancelled:
		return failure.KindCancelled.ExitCode()
	}
	return failure.ExitCode(o.Err)
}

// Operation renders the outcome as a session report line.
func (o *Outcome) Operation() reporting.OperationReport {
	op := reporting.OperationReport{
		JobID:     o.JobID,
		Device:    o.Device,
		StartTime: o.StartTime,
		Dropped:   o.Dropped,
	}
	end := o.EndTime
	op.EndTime = &end
	switch o.State {
	case StateCompleted:
		op.State = reporting.StateCompleted
	case StateCancelled:
		op.State = reporting.StateCancelled
	default:
		op.State = reporting.StateFailed
	}
	if o.Record != nil {
		op.Model, op.Serial, op.CapacityBytes = o.Record.Model, o.Record.Serial, o.Record.Size()
	}
	if o.Method != nil {
		op.Method = o.Method.String()
	}
	if o.Overwrite != nil {
		op.BytesWritten = o.Overwrite.BytesWritten
	}
	if o.Verification != nil {
		op.Verified = o.Verification.Performed && o.Verification.Passed
	}
	if o.Certificate != nil {
		op.CertificateID = o.Certificate.ID
	}
	if o.Err != nil {
		op.ErrorKind = o.Kind().String()
		op.Error = o.Err.Error()
		op.Hints = failure.Hints(o.Err)
	}
	return op
}

// Job is one erase of one device.
type Job struct {
	ID string

	engine   *Engine
	req      Request
	identity string
	verify   bool
	log      *logging.EnterpriseLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	history  []Transition
	record   *probe.CapabilityRecord
	method   method.Method
	created  time.Time
	started  time.Time
	closed   bool
	held     <-chan struct{}
	progress chan ProgressSnapshot
	dropped  atomic.Uint64

	startOnce sync.Once
	done      chan struct{}
	outcome   *Outcome
}

// Start runs the job on its own goroutine. Later calls do nothing.
func (j *Job) Start() {
	j.startOnce.Do(func() {
		j.mu.Lock()
		j.started = j.engine.now()
		j.mu.Unlock()
		go j.run()
	})
}

// Cancel asks the job to stop at its next checkpoint. A hardware command in
// flight is allowed to finish first.
func (j *Job) Cancel() { j.cancel() }

// Wait blocks until the job is terminal.
func (j *Job) Wait() *Outcome {
	<-j.done
	return j.outcome
}

// Done is closed when the job is terminal.
func (j *Job) Done() <-chan struct{} { return j.done }

// Progress delivers snapshots until the job ends, then is closed.
func (j *Job) Progress() <-chan ProgressSnapshot { return j.progress }

// Dropped counts snapshots discarded because the channel was full.
func (j *Job) Dropped() uint64 { return j.dropped.Load() }

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Device is the path the job was created for.
func (j *Job) Device() string { return j.req.Device.Path }

// Record is the capability record, nil before probing completes.
func (j *Job) Record() *probe.CapabilityRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record
}

// Method is the selected method, nil before selection.
func (j *Job) Method() method.Method {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.method
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	if !canTransition(j.state, s) {
		from := j.state
		j.mu.Unlock()
		j.log.Log("ERROR", "Illegal state transition", "from", from.String(), "to", s.String())
		return
	}
	j.state = s
	j.history = append(j.history, Transition{State: s, At: j.engine.now()})
	j.mu.Unlock()
	j.log.Log("DEBUG", "Job state", "state", s.String())
	j.publish(progress.Update{Phase: s.String()})
}

// publish sends a snapshot without ever blocking the driver.
func (j *Job) publish(u progress.Update) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	s := ProgressSnapshot{
		JobID:    j.ID,
		State:    j.state,
		Phase:    u.Phase,
		Unit:     u.Unit,
		Done:     u.Done,
		Total:    u.Total,
		Pass:     u.Pass,
		Passes:   u.Passes,
		Elapsed:  j.engine.now().Sub(j.started),
		Estimate: u.Estimate,
	}
	select {
	case j.progress <- s:
	default:
		j.dropped.Add(1)
	}
}

func (j *Job) hold(done <-chan struct{}) {
	j.mu.Lock()
	j.held = done
	j.mu.Unlock()
}

func (j *Job) run() {
	e := j.engine
	out := &Outcome{JobID: j.ID, Device: j.req.Device.Path, StartTime: j.started}
	var target *device.Target

	defer func() {
		j.finish(out, target)
	}()

	// Probing and selection are not cancellation checkpoints.
	setup := context.WithoutCancel(j.ctx)

	j.setState(StateProbing)
	t, err := e.Opener.Open(setup, j.req.Device)
	if err != nil {
		j.fail(out, openError(err, j.req.Device.Path))
		return
	}
	target = t

	rec, err := e.Prober.Probe(setup, target)
	if err != nil {
		j.fail(out, err)
		return
	}
	out.Record = rec
	m, err := e.Registry.Select(rec, j.req.Method)
	if err != nil {
		j.fail(out, err)
		return
	}
	out.Method = m
	j.mu.Lock()
	j.record, j.method = rec, m
	j.mu.Unlock()
	j.setState(StateMethodSelected)
	j.log.Log("INFO", "Method selected", "method", m.String(), "class", string(rec.Class))

	var fingerprint *verify.Fingerprint
	if j.verify && method.Hardware(m) {
		fingerprint, err = e.Verifier.TakeFingerprint(setup, target.Handle)
		if err != nil {
			j.fail(out, err)
			return
		}
	}

	j.setState(StateRunning)
	sink := progress.SinkFunc(j.publish)
	env := hwerase.Env{Sink: sink, Logger: j.log, Hold: j.hold}
	switch m := m.(type) {
	case method.Overwrite:
		out.Overwrite, err = e.Overwriter.Run(j.ctx, target.Handle, m.Spec, sink)
	case method.ATASecureErase:
		out.Hardware, err = e.ATA.Run(j.ctx, target.ATA, rec, m, env)
	case method.NVMeSanitize:
		out.Hardware, err = e.NVMe.Sanitize(j.ctx, target.NVMe, rec, m, env)
	case method.NVMeFormat:
		out.Hardware, err = e.NVMe.Format(j.ctx, target.NVMe, rec, m, env)
	case method.CryptoErase:
		out.Hardware, err = e.Crypto.Run(j.ctx, rec, m, env)
	default:
		err = failure.New(failure.KindInternal, "no driver for %T", m)
	}
	if err != nil {
		j.stop(out, err)
		return
	}

	if j.verify {
		if j.ctx.Err() != nil {
			j.stop(out, failure.Wrap(j.ctx.Err(), failure.KindCancelled, "cancelled before verification"))
			return
		}
		j.setState(StateVerifying)
		in := verify.Input{
			Handle:      target.Handle,
			Method:      m,
			Fingerprint: fingerprint,
			ATA:         target.ATA,
			NVMe:        target.NVMe,
			TCG:         target.TCG,
		}
		if out.Overwrite != nil {
			in.Final = out.Overwrite.Final
		}
		out.Verification, err = e.Verifier.Verify(j.ctx, in, sink)
		if err != nil {
			j.stop(out, err)
			return
		}
	} else {
		out.Verification = verify.NotPerformed(m)
	}

	if e.Emitter != nil {
		cert, err := e.Emitter.Emit(certificate.Input{
			JobID:        j.ID,
			Record:       rec,
			Method:       m,
			Verification: out.Verification,
			StartTime:    j.started,
			EndTime:      e.now(),
		})
		if err != nil {
			j.fail(out, failure.Wrap(err, failure.KindInternal, "issue certificate"))
			return
		}
		out.Certificate = cert
		if e.Sink != nil {
			if err := e.Sink.Store(setup, cert); err != nil {
				out.SinkErr = err
				j.log.Log("ERROR", "Certificate could not be stored", "certificate", cert.ID, "error", err.Error())
			}
		}
	}
	j.setState(StateCompleted)
}

// stop ends a job whose driver or verifier returned err: Cancelled when
// the error is a cancellation, Failed otherwise.
func (j *Job) stop(out *Outcome, err error) {
	if failure.Is(err, failure.KindCancelled) {
		out.Err = err
		j.setState(StateCancelled)
		j.log.Log("WARN", "Job cancelled", "error", err.Error())
		return
	}
	j.fail(out, err)
}

func (j *Job) fail(out *Outcome, err error) {
	out.Err = err
	j.setState(StateFailed)
	fields := []interface{}{"kind", failure.KindOf(err).String(), "error", err.Error()}
	for _, h := range failure.Hints(err) {
		fields = append(fields, "hint", h)
	}
	j.log.Log("ERROR", "Job failed", fields...)
}

// finish publishes the outcome, then releases the device. A hardware
// command that outlived its timeout keeps the device reserved until it
// returns.
func (j *Job) finish(out *Outcome, target *device.Target) {
	e := j.engine
	out.EndTime = e.now()

	j.mu.Lock()
	out.State = j.state
	out.Transitions = append([]Transition(nil), j.history...)
	held := j.held
	j.closed = true
	close(j.progress)
	j.mu.Unlock()
	out.Dropped = j.dropped.Load()

	release := func() {
		if target != nil {
			if err := target.Close(); err != nil {
				j.log.Log("WARN", "Device close failed", "error", err.Error())
			}
		}
		e.Locks.Release(j.identity, j.ID)
		j.cancel()
	}
	if held != nil {
		j.log.Log("WARN", "Hardware command still running; device stays reserved until it returns")
		go func() {
			<-held
			release()
			j.log.Log("INFO", "Hardware command returned; device released")
		}()
	} else {
		release()
	}

	j.log.Log("INFO", "Job finished", "state", out.State.String(), "duration", out.EndTime.Sub(out.StartTime).String(), "dropped_progress", out.Dropped)
	j.outcome = out
	close(j.done)
}
