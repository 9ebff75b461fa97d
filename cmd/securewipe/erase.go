package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"securewipe/internal/certificate"
	"securewipe/internal/cli"
	"securewipe/internal/config"
	"securewipe/internal/device"
	"securewipe/internal/engine"
	"securewipe/internal/failure"
	"securewipe/internal/logging"
	"securewipe/internal/reporting"
	"securewipe/internal/security"
	"securewipe/internal/system"
)

var eraseCmd = &cobra.Command{
	Use:   "erase <device>...",
	Short: "Erase, verify and certify one or more devices",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runErase,
}

func init() {
	addMethodFlags(eraseCmd)
	f := eraseCmd.Flags()
	f.Bool("verify", true, "Verify the erase (default from configuration)")
	f.BoolP("force", "f", false, "Allow system or mounted disks when the configuration permits them")
	f.BoolP("yes", "y", false, "Skip the confirmation prompt")
	f.String("ata-password", "", "ATA user password of a drive with security enabled")
	f.Bool("ata-master", false, "Treat --ata-password as the master password")
	f.String("psid", "", "PSID printed on the drive label, for Opal crypto erase")
	f.String("sed-password", "", "Opal admin (SID) password")
	f.String("max-duration", "", "Cancel all jobs after this long (for example 30m, 2h)")
}

func runErase(cmd *cobra.Command, args []string) error {
	startTime := time.Now()
	flags := cmd.Flags()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	if err := security.SecurityChecks(cfg); err != nil {
		return err
	}
	if profile != "" {
		logger.Log("INFO", "Profile applied", "profile", profile)
	}

	var maxDuration time.Duration
	if s, _ := flags.GetString("max-duration"); s != "" {
		if maxDuration, err = time.ParseDuration(s); err != nil {
			return fmt.Errorf("invalid --max-duration: %w", err)
		}
	}

	req, err := methodRequest(cmd, cfg.Erase.DefaultMethod, cfg.Erase.ExcludeMethods)
	if err != nil {
		return err
	}
	var verifyOverride *bool
	if flags.Changed("verify") {
		v, _ := flags.GetBool("verify")
		verifyOverride = &v
	}

	force, _ := flags.GetBool("force")
	disks := make([]system.DiskInfo, 0, len(args))
	for _, arg := range args {
		info, err := resolveDevice(arg)
		if err != nil {
			return err
		}
		if err := security.CheckDisk(cfg, info, force); err != nil {
			return err
		}
		disks = append(disks, info)
	}

	yes, _ := flags.GetBool("yes")
	if cfg.Security.RequireConfirmation && !yes {
		if !cli.Confirm(os.Stdin, os.Stdout, disks) {
			logger.Log("INFO", "Erase aborted by operator")
			return failure.New(failure.KindCancelled, "aborted by operator")
		}
	}

	creds := cli.NewTerminalCredentials()
	creds.ATA, _ = flags.GetString("ata-password")
	creds.ATAMaster, _ = flags.GetBool("ata-master")
	creds.PSID, _ = flags.GetString("psid")
	creds.SEDAdmin, _ = flags.GetString("sed-password")

	eng, err := engine.New(cfg, device.HostOpener{}, nil, creds, logger)
	if err != nil {
		return err
	}
	closeSinks, err := attachCertificates(eng, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	logger.Log("INFO", "Starting securewipe", "version", Version, "devices", len(disks))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if maxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxDuration)
		defer cancel()
	}

	results := make([]*engine.Outcome, len(disks))
	createErrs := make([]error, len(disks))
	jobs := make([]*engine.Job, len(disks))
	for i, d := range disks {
		jobs[i], createErrs[i] = eng.Create(engine.Request{Device: d, Method: req, Verify: verifyOverride})
		if createErrs[i] != nil {
			logger.Log("ERROR", "Job not created", "device", d.Path, "error", createErrs[i].Error())
		}
	}

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-finished:
			return
		case <-ctx.Done():
		}
		if ctx.Err() == context.DeadlineExceeded {
			logger.Log("WARN", "Maximum duration reached, cancelling", "max_duration", maxDuration.String())
		} else {
			logger.Log("WARN", "Interrupted, cancelling")
		}
		for _, j := range jobs {
			if j != nil {
				j.Cancel()
			}
		}
	}()

	live := len(disks) == 1 && term.IsTerminal(int(os.Stdout.Fd()))
	var watchers sync.WaitGroup
	for _, j := range jobs {
		if j == nil {
			continue
		}
		printer := cli.NewProgressPrinter(os.Stdout, live)
		watchers.Add(1)
		go func(j *engine.Job) {
			defer watchers.Done()
			printer.Watch(j.Device(), j.Progress())
		}(j)
		j.Start()
	}

	for i, j := range jobs {
		if j != nil {
			results[i] = j.Wait()
		}
	}
	watchers.Wait()

	exit := EXIT_SUCCESS
	var firstErr error
	operations := make([]reporting.OperationReport, 0, len(disks))
	for i, d := range disks {
		var op reporting.OperationReport
		code := EXIT_SUCCESS
		var jobErr error
		if o := results[i]; o != nil {
			cli.PrintOutcome(os.Stdout, o)
			op = o.Operation()
			code = o.ExitCode()
			jobErr = o.Err
			if jobErr == nil && code != EXIT_SUCCESS {
				jobErr = failure.New(o.Kind(), "%s %s", d.Path, o.State)
			}
		} else {
			jobErr = createErrs[i]
			code = failure.ExitCode(jobErr)
			op = reporting.OperationReport{
				Device:    d.Path,
				State:     reporting.StateFailed,
				StartTime: startTime,
				ErrorKind: failure.KindOf(jobErr).String(),
				Error:     jobErr.Error(),
				Hints:     failure.Hints(jobErr),
			}
			fmt.Fprintf(os.Stdout, "%s not started: %v\n", d.Path, jobErr)
		}
		operations = append(operations, op)
		if exit == EXIT_SUCCESS && code != EXIT_SUCCESS {
			exit, firstErr = code, jobErr
		}
	}

	if cfg.Reporting.Enabled {
		if err := saveSessionReport(cfg, operations, startTime, time.Now(), exit, logger); err != nil {
			logger.Log("ERROR", "Session report not saved", "error", err.Error())
		}
	}

	if exit != EXIT_SUCCESS {
		return &exitError{code: exit, err: firstErr}
	}
	return nil
}

// attachCertificates gives eng a signing emitter and the configured sinks.
// The returned function closes the ledger.
func attachCertificates(eng *engine.Engine, cfg *config.Config, logger *logging.EnterpriseLogger) (func(), error) {
	if !cfg.Certificate.Enabled {
		return func() {}, nil
	}
	key, created, err := certificate.LoadOrCreateKey(cfg.Certificate.KeyFile)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Log("INFO", "Generated certificate signing key", "path", cfg.Certificate.KeyFile, "key_id", certificate.KeyID(key.Public().(ed25519.PublicKey)))
	}
	eng.Emitter = certificate.NewEmitter(key, cfg.Certificate.Operator, cfg.Certificate.Organization, Version)

	sinks := reporting.MultiSink{reporting.NewFileSink(cfg.Certificate)}
	closer := func() {}
	if cfg.Certificate.LedgerPath != "" {
		ledger, err := reporting.OpenLedger(cfg.Certificate.LedgerPath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ledger)
		closer = func() {
			if err := ledger.Close(); err != nil {
				logger.Log("WARN", "Ledger close failed", "error", err.Error())
			}
		}
	}
	eng.Sink = sinks
	return closer, nil
}

func saveSessionReport(cfg *config.Config, operations []reporting.OperationReport, start, end time.Time, exit int, logger *logging.EnterpriseLogger) error {
	report := reporting.GenerateReport(operations, Version, cfg.Certificate.Operator, profile, start, end, exit)
	for _, format := range []string{"json", "txt"} {
		path, err := reporting.SaveReport(report, cfg.Reporting.LocalPath, format)
		if err != nil {
			return err
		}
		logger.Log("INFO", "Session report saved", "path", path)
	}
	return nil
}
