// Package engine runs erase jobs: it locks a device, probes it, selects a
// method, drives the matching driver, verifies the result and issues a
// certificate. Each job runs on its own goroutine; the lock table is the
// only state jobs share.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"securewipe/internal/certificate"
	"securewipe/internal/config"
	"securewipe/internal/cryptoerase"
	"securewipe/internal/device"
	"securewipe/internal/failure"
	"securewipe/internal/hwerase"
	"securewipe/internal/logging"
	"securewipe/internal/method"
	"securewipe/internal/opal"
	"securewipe/internal/probe"
	"securewipe/internal/reporting"
	"securewipe/internal/system"
	"securewipe/internal/verify"
	"securewipe/internal/wipe"
)

// Credentials is the presentation side's answer to authentication prompts.
type Credentials interface {
	hwerase.PasswordSource
	cryptoerase.CredentialSource
}

// Request asks for one device to be erased.
type Request struct {
	Device system.DiskInfo
	Method method.Request
	// Verify overrides the configured verification default.
	Verify *bool
}

// Engine creates and runs jobs.
type Engine struct {
	Opener     device.Opener
	Locks      *LockTable
	Prober     *probe.Prober
	Registry   *method.Registry
	Overwriter *wipe.Overwriter
	ATA        *hwerase.ATADriver
	NVMe       *hwerase.NVMeDriver
	Crypto     *cryptoerase.Driver
	Verifier   *verify.Verifier
	// Emitter and Sink are optional; without an Emitter no certificate is
	// issued.
	Emitter *certificate.Emitter
	Sink    reporting.Sink
	Logger  *logging.EnterpriseLogger

	VerifyByDefault bool
	ProgressBuffer  int
	Now             func() time.Time
}

// New wires an engine from cfg. Emitter and Sink are left for the caller.
func New(cfg *config.Config, opener device.Opener, locks *LockTable, creds Credentials, logger *logging.EnterpriseLogger) (*Engine, error) {
	pattern, err := wipe.ParsePattern(cfg.Erase.OverwritePattern)
	if err != nil {
		return nil, err
	}
	strategy, err := verify.StrategyFromConfig(cfg.Verify)
	if err != nil {
		return nil, err
	}
	if locks == nil {
		locks = NewLockTable()
	}
	var passwords hwerase.PasswordSource
	var sedCreds cryptoerase.CredentialSource
	if creds != nil {
		passwords, sedCreds = creds, creds
	}
	return &Engine{
		Opener:     opener,
		Locks:      locks,
		Prober:     probe.New(logger),
		Registry:   method.NewRegistry(pattern),
		Overwriter: wipe.NewOverwriter(cfg, logger),
		ATA: &hwerase.ATADriver{
			Passwords:      passwords,
			AllowMaster:    cfg.Erase.AllowMasterPassword,
			DefaultTimeout: cfg.HardwareTimeout(),
		},
		NVMe: &hwerase.NVMeDriver{
			PollInterval:   cfg.PollInterval(),
			DefaultTimeout: cfg.HardwareTimeout(),
			LogRetries:     cfg.Erase.IORetries,
		},
		Crypto:          &cryptoerase.Driver{Admin: opal.NewSedutilAdmin(cfg.Erase.SedutilPath), Credentials: sedCreds},
		Verifier:        verify.New(strategy, logger),
		Logger:          logger,
		VerifyByDefault: cfg.Verify.Enabled,
		ProgressBuffer:  cfg.Erase.ProgressBuffer,
		Now:             time.Now,
	}, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Create reserves the device and returns a job ready to Start. A device
// already reserved by another job fails immediately with LockContention.
func (e *Engine) Create(req Request) (*Job, error) {
	if req.Device.Path == "" {
		return nil, failure.New(failure.KindProbeUnsupported, "no device given")
	}
	id := uuid.NewString()
	identity := device.Identity(req.Device.Path)
	if err := e.Locks.Acquire(identity, id); err != nil {
		e.Logger.Log("WARN", "Device busy", "device", req.Device.Path, "error", err.Error())
		return nil, err
	}

	verifyOn := e.VerifyByDefault
	if req.Verify != nil {
		verifyOn = *req.Verify
	}
	buffer := e.ProgressBuffer
	if buffer <= 0 {
		buffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &Job{
		ID:       id,
		engine:   e,
		req:      req,
		identity: identity,
		verify:   verifyOn,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateCreated,
		created:  e.now(),
		progress: make(chan ProgressSnapshot, buffer),
		done:     make(chan struct{}),
		log:      e.Logger.With("job", id, "device", req.Device.Path),
	}
	j.history = []Transition{{State: StateCreated, At: j.created}}
	j.log.Log("INFO", "Job created", "method", string(req.Method.Kind), "verify", verifyOn)
	return j, nil
}

// Plan is a dry run: what the engine would do with a device.
type Plan struct {
	Record   *probe.CapabilityRecord `json:"record"`
	Eligible []string                `json:"eligible"`
	Usable   []string                `json:"usable"`
	Selected string                  `json:"selected,omitempty"`
	// SelectionError explains why the requested method cannot run.
	SelectionError string `json:"selection_error,omitempty"`

	method method.Method
}

// Method is the method Select chose, nil if selection failed.
func (p *Plan) Method() method.Method { return p.method }

// Plan probes the device and runs method selection without erasing. The
// device is reserved for the duration of the probe.
func (e *Engine) Plan(ctx context.Context, info system.DiskInfo, req method.Request) (*Plan, error) {
	id := "plan-" + uuid.NewString()
	identity := device.Identity(info.Path)
	if err := e.Locks.Acquire(identity, id); err != nil {
		return nil, err
	}
	defer e.Locks.Release(identity, id)

	target, err := e.Opener.Open(ctx, info)
	if err != nil {
		return nil, openError(err, info.Path)
	}
	defer func() {
		if cerr := target.Close(); cerr != nil {
			e.Logger.Log("WARN", "Close failed", "device", info.Path, "error", cerr.Error())
		}
	}()

	rec, err := e.Prober.Probe(ctx, target)
	if err != nil {
		return nil, err
	}
	p := &Plan{Record: rec}
	for _, m := range e.Registry.Eligible(rec) {
		p.Eligible = append(p.Eligible, m.String())
		if method.Usable(rec, m) {
			p.Usable = append(p.Usable, m.String())
		}
	}
	m, err := e.Registry.Select(rec, req)
	if err != nil {
		p.SelectionError = err.Error()
		return p, nil
	}
	p.method = m
	p.Selected = m.String()
	return p, nil
}

func openError(err error, path string) error {
	if failure.KindOf(err) != failure.KindInternal {
		return err
	}
	return failure.Wrap(err, failure.KindProbeIO, "open %s", path)
}
