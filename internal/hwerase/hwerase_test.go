package hwerase

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securewipe/internal/ata"
	"securewipe/internal/failure"
	"securewipe/internal/logging"
	"securewipe/internal/method"
	"securewipe/internal/nvme"
	"securewipe/internal/probe"
	"securewipe/internal/progress"
	"securewipe/internal/simdev"
)

type updates struct {
	mu  sync.Mutex
	all []progress.Update
}

func (u *updates) Report(up progress.Update) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.all = append(u.all, up)
}

func (u *updates) list() []progress.Update {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]progress.Update(nil), u.all...)
}

type staticPassword struct {
	pw    ata.Password
	err   error
	calls int
}

func (s *staticPassword) ATAPassword(ctx context.Context, device string, allowMaster bool) (ata.Password, error) {
	s.calls++
	return s.pw, s.err
}

func probed(t *testing.T, d *simdev.Device) *probe.CapabilityRecord {
	t.Helper()
	tgt, err := simdev.NewOpener(d).Open(context.Background(), d.Info)
	require.NoError(t, err)
	rec, err := probe.New(logging.NewNop()).Probe(context.Background(), tgt)
	require.NoError(t, err)
	return rec
}

func env(sink progress.Sink) Env {
	return Env{Sink: sink, Logger: logging.NewNop()}
}

func TestCommandTimeout(t *testing.T) {
	assert.Equal(t, 4*time.Hour, CommandTimeout(2*time.Hour, time.Hour))
	assert.Equal(t, 32*time.Minute, CommandTimeout(2*time.Minute, time.Hour))
	assert.Equal(t, time.Hour, CommandTimeout(0, time.Hour))
	assert.Equal(t, DefaultTimeout, CommandTimeout(0, 0))
}

func TestATAEraseWithTemporaryPassword(t *testing.T) {
	d := simdev.SATASSD("/dev/sda", 256)
	d.ATA.WithSecurity(func(s *ata.Security) { s.EnhancedEraseTime = 4 * time.Minute })
	rec := probed(t, d)
	sink := &updates{}

	res, err := (&ATADriver{}).Run(context.Background(), d.ATA, rec, method.ATASecureErase{Enhanced: true}, env(sink))
	require.NoError(t, err)

	assert.True(t, res.TemporaryPassword)
	assert.Equal(t, 4*time.Minute, res.Estimate, "enhanced erase uses word 90")
	assert.Equal(t, 34*time.Minute, res.Timeout)
	assert.Equal(t, []byte{ata.CmdIdentify, ata.CmdSecuritySetPassword, ata.CmdSecurityErasePrepare, ata.CmdSecurityEraseUnit}, d.ATA.Commands())
	assert.NotEqual(t, make([]byte, 256*512), d.Disk.Bytes(), "enhanced erase scrambles")

	ups := sink.list()
	require.NotEmpty(t, ups)
	last := ups[len(ups)-1]
	assert.Equal(t, progress.Steps, last.Unit)
	assert.Equal(t, last.Total, last.Done)
}

func TestATANormalEraseZeroes(t *testing.T) {
	d := simdev.SATASSD("/dev/sda", 64)
	rec := probed(t, d)
	_, err := (&ATADriver{}).Run(context.Background(), d.ATA, rec, method.ATASecureErase{}, env(nil))
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 64*512), d.Disk.Bytes())
}

func TestATAFrozenIssuesNoCommand(t *testing.T) {
	d := simdev.SATASSD("/dev/sda", 64)
	d.ATA.WithSecurity(func(s *ata.Security) { s.Frozen = true })
	rec := probed(t, d)
	before := len(d.ATA.Commands())

	_, err := (&ATADriver{}).Run(context.Background(), d.ATA, rec, method.ATASecureErase{}, env(nil))
	require.Error(t, err)
	assert.Equal(t, failure.KindSecurityFrozen, failure.KindOf(err))
	assert.Contains(t, failure.Hints(err)[0], "power-cycle")
	assert.Len(t, d.ATA.Commands(), before)
}

func TestATACountExpired(t *testing.T) {
	d := simdev.SATASSD("/dev/sda", 64)
	d.ATA.WithSecurity(func(s *ata.Security) { s.CountExpired = true })
	_, err := (&ATADriver{}).Run(context.Background(), d.ATA, probed(t, d), method.ATASecureErase{}, env(nil))
	assert.Equal(t, failure.KindAuthenticationFailed, failure.KindOf(err))
}

func TestATAEnabledUsesCallerPassword(t *testing.T) {
	d := simdev.SATASSD("/dev/sda", 64)
	d.ATA.WithUserPassword("hunter2")
	rec := probed(t, d)

	src := &staticPassword{pw: ata.Password{Secret: []byte("hunter2")}}
	res, err := (&ATADriver{Passwords: src}).Run(context.Background(), d.ATA, rec, method.ATASecureErase{}, env(nil))
	require.NoError(t, err)
	assert.False(t, res.TemporaryPassword)
	assert.Equal(t, 1, src.calls)
	assert.NotContains(t, d.ATA.Commands(), byte(ata.CmdSecuritySetPassword))
	assert.Equal(t, make([]byte, 64*512), d.Disk.Bytes())
}

func TestATAWrongPasswordIsAuthenticationFailure(t *testing.T) {
	d := simdev.SATASSD("/dev/sda", 64)
	d.ATA.WithUserPassword("hunter2")
	before := d.Disk.Bytes()

	src := &staticPassword{pw: ata.Password{Secret: []byte("wrong")}}
	_, err := (&ATADriver{Passwords: src}).Run(context.Background(), d.ATA, probed(t, d), method.ATASecureErase{}, env(nil))
	require.Error(t, err)
	assert.Equal(t, failure.KindAuthenticationFailed, failure.KindOf(err))
	assert.Equal(t, before, d.Disk.Bytes())
}

func TestATAPasswordRequired(t *testing.T) {
	d := simdev.SATASSD("/dev/sda", 64)
	d.ATA.WithUserPassword("hunter2")
	rec := probed(t, d)

	_, err := (&ATADriver{}).Run(context.Background(), d.ATA, rec, method.ATASecureErase{}, env(nil))
	assert.Equal(t, failure.KindAuthenticationFailed, failure.KindOf(err))

	_, err = (&ATADriver{Passwords: &staticPassword{}}).Run(context.Background(), d.ATA, rec, method.ATASecureErase{}, env(nil))
	assert.Equal(t, failure.KindAuthenticationFailed, failure.KindOf(err))

	_, err = (&ATADriver{Passwords: &staticPassword{err: errors.New("no tty")}}).Run(context.Background(), d.ATA, rec, method.ATASecureErase{}, env(nil))
	assert.Equal(t, failure.KindAuthenticationFailed, failure.KindOf(err))
}

func TestATAMasterPasswordNeedsAuthorization(t *testing.T) {
	d := simdev.SATASSD("/dev/sda", 64)
	d.ATA.WithUserPassword("lost").WithMasterPassword("master")
	rec := probed(t, d)
	src := &staticPassword{pw: ata.Password{Master: true, Secret: []byte("master")}}

	_, err := (&ATADriver{Passwords: src}).Run(context.Background(), d.ATA, rec, method.ATASecureErase{}, env(nil))
	assert.Equal(t, failure.KindAuthenticationFailed, failure.KindOf(err))

	_, err = (&ATADriver{Passwords: src, AllowMaster: true}).Run(context.Background(), d.ATA, rec, method.ATASecureErase{}, env(nil))
	require.NoError(t, err)
}

func TestATAAbortWithTemporaryPasswordCleansUp(t *testing.T) {
	d := simdev.SATASSD("/dev/sda", 64)
	d.ATA.WithSecurity(func(s *ata.Security) { s.EnhancedErase = false })
	rec := probed(t, d)

	// The record is forced to claim enhanced support the drive lacks.
	rec.ATA.EnhancedErase = true
	_, err := (&ATADriver{}).Run(context.Background(), d.ATA, rec, method.ATASecureErase{Enhanced: true}, env(nil))
	require.Error(t, err)
	assert.Equal(t, failure.KindCommandFailed, failure.KindOf(err))
	cmds := d.ATA.Commands()
	assert.Equal(t, byte(ata.CmdSecurityDisablePassword), cmds[len(cmds)-1])

	id, err := d.ATA.Identify(context.Background())
	require.NoError(t, err)
	parsed, err := ata.ParseIdentify(id)
	require.NoError(t, err)
	assert.False(t, parsed.Security.Enabled, "temporary password removed")
}

func TestATATimeoutHoldsDevice(t *testing.T) {
	d := simdev.SATASSD("/dev/sda", 64)
	d.ATA.WithSecurity(func(s *ata.Security) {
		s.EraseTime = 0
		s.EnhancedEraseTime = 0
	})
	d.ATA.Release = make(chan struct{})
	rec := probed(t, d)

	var held <-chan struct{}
	e := env(nil)
	e.Hold = func(done <-chan struct{}) { held = done }

	_, err := (&ATADriver{DefaultTimeout: 20 * time.Millisecond}).Run(context.Background(), d.ATA, rec, method.ATASecureErase{}, e)
	require.Error(t, err)
	assert.Equal(t, failure.KindTimeout, failure.KindOf(err))
	require.NotNil(t, held)

	select {
	case <-held:
		t.Fatal("hold released while the command is still running")
	default:
	}
	close(d.ATA.Release)
	select {
	case <-held:
	case <-time.After(5 * time.Second):
		t.Fatal("hold not released after the command returned")
	}
	<-d.ATA.Erased()
}

func TestATACancelledDuringEraseReportsAfterCompletion(t *testing.T) {
	d := simdev.SATASSD("/dev/sda", 64)
	d.ATA.Release = make(chan struct{})
	rec := probed(t, d)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := (&ATADriver{}).Run(ctx, d.ATA, rec, method.ATASecureErase{}, env(nil))
		errc <- err
	}()

	require.Eventually(t, func() bool {
		cmds := d.ATA.Commands()
		return len(cmds) > 0 && cmds[len(cmds)-1] == ata.CmdSecurityEraseUnit
	}, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		t.Fatalf("driver returned before the erase finished: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(d.ATA.Release)
	err := <-errc
	assert.Equal(t, failure.KindCancelled, failure.KindOf(err))
	assert.Equal(t, make([]byte, 64*512), d.Disk.Bytes(), "erase ran to completion")
}

func TestATACancelledBeforeStart(t *testing.T) {
	d := simdev.SATASSD("/dev/sda", 64)
	rec := probed(t, d)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	before := len(d.ATA.Commands())
	_, err := (&ATADriver{}).Run(ctx, d.ATA, rec, method.ATASecureErase{}, env(nil))
	assert.Equal(t, failure.KindCancelled, failure.KindOf(err))
	assert.Len(t, d.ATA.Commands(), before)
}

func TestATATemporaryPasswordFromRand(t *testing.T) {
	d := &ATADriver{Rand: bytes.NewReader([]byte{1, 2, 3, 4, 5, 6, 7, 8})}
	pw, err := d.temporaryPassword()
	require.NoError(t, err)
	assert.Equal(t, "securewipe-0102030405060708", pw)
	assert.LessOrEqual(t, len(pw), 32)
}

func nvmeDriver() *NVMeDriver {
	return &NVMeDriver{PollInterval: time.Millisecond, DefaultTimeout: 5 * time.Second}
}

func TestNVMeSanitizeCrypto(t *testing.T) {
	d := simdev.NVMeSSD("/dev/nvme0n1", 128)
	rec := probed(t, d)
	before := d.Disk.Bytes()
	sink := &updates{}

	res, err := nvmeDriver().Sanitize(context.Background(), d.NVMe, rec, method.NVMeSanitize{Action: nvme.SanitizeCryptoErase}, env(sink))
	require.NoError(t, err)
	assert.Equal(t, uint8(nvme.SanitizeCryptoErase), res.Action)
	assert.NotEqual(t, before, d.Disk.Bytes())
	sanitizes, _ := d.NVMe.Counts()
	assert.Equal(t, 1, sanitizes)

	ups := sink.list()
	require.GreaterOrEqual(t, len(ups), 3)
	for i := 1; i < len(ups); i++ {
		assert.GreaterOrEqual(t, ups[i].Done, ups[i-1].Done)
		assert.Equal(t, progress.Percent, ups[i].Unit)
	}
	assert.Equal(t, uint64(100), ups[len(ups)-1].Done)
}

func TestNVMeSanitizeBlockZeroes(t *testing.T) {
	d := simdev.NVMeSSD("/dev/nvme0n1", 32)
	_, err := nvmeDriver().Sanitize(context.Background(), d.NVMe, probed(t, d), method.NVMeSanitize{Action: nvme.SanitizeBlockErase}, env(nil))
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 32*512), d.Disk.Bytes())
}

func TestNVMeSanitizeRefusesWhenInProgress(t *testing.T) {
	d := simdev.NVMeSSD("/dev/nvme0n1", 32)
	rec := probed(t, d)
	d.NVMe.StartSanitizeElsewhere()

	_, err := nvmeDriver().Sanitize(context.Background(), d.NVMe, rec, method.NVMeSanitize{Action: nvme.SanitizeBlockErase}, env(nil))
	require.Error(t, err)
	assert.Equal(t, failure.KindCommandFailed, failure.KindOf(err))
	assert.Contains(t, err.Error(), "already in progress")
	sanitizes, _ := d.NVMe.Counts()
	assert.Zero(t, sanitizes)
}

func TestNVMeSanitizeFailureState(t *testing.T) {
	d := simdev.NVMeSSD("/dev/nvme0n1", 32)
	d.NVMe.FailSanitize = true
	_, err := nvmeDriver().Sanitize(context.Background(), d.NVMe, probed(t, d), method.NVMeSanitize{Action: nvme.SanitizeBlockErase}, env(nil))
	require.Error(t, err)
	assert.Equal(t, failure.KindCommandFailed, failure.KindOf(err))
}

func TestNVMeSanitizeUnsupportedAction(t *testing.T) {
	d := simdev.NVMeSSD("/dev/nvme0n1", 32)
	d.NVMe.WithController(func(c *nvme.Controller) { c.SANICAP = 0x2 })
	_, err := nvmeDriver().Sanitize(context.Background(), d.NVMe, probed(t, d), method.NVMeSanitize{Action: nvme.SanitizeCryptoErase}, env(nil))
	assert.Equal(t, failure.KindCommandFailed, failure.KindOf(err))
	var se *nvme.StatusError
	assert.True(t, errors.As(err, &se))
}

func TestNVMeSanitizeTimeout(t *testing.T) {
	d := simdev.NVMeSSD("/dev/nvme0n1", 32)
	d.NVMe.SanitizeSteps = 200
	rec := probed(t, d)

	var held <-chan struct{}
	e := env(nil)
	e.Hold = func(done <-chan struct{}) { held = done }
	drv := &NVMeDriver{PollInterval: time.Millisecond, DefaultTimeout: 10 * time.Millisecond}

	_, err := drv.Sanitize(context.Background(), d.NVMe, rec, method.NVMeSanitize{Action: nvme.SanitizeBlockErase}, e)
	require.Error(t, err)
	assert.Equal(t, failure.KindTimeout, failure.KindOf(err))
	require.NotNil(t, held)
	select {
	case <-held:
	case <-time.After(10 * time.Second):
		t.Fatal("watcher never observed completion")
	}
	assert.Equal(t, make([]byte, 32*512), d.Disk.Bytes())
}

func TestNVMeSanitizeLogRetriesStopAtDeadline(t *testing.T) {
	d := simdev.NVMeSSD("/dev/nvme0n1", 32)
	rec := probed(t, d)
	d.NVMe.SanitizeLogErr = errors.New("get log page: input/output error")

	drv := &NVMeDriver{PollInterval: 5 * time.Millisecond, DefaultTimeout: 30 * time.Millisecond, LogRetries: 1000}
	start := time.Now()
	_, err := drv.Sanitize(context.Background(), d.NVMe, rec, method.NVMeSanitize{Action: nvme.SanitizeBlockErase}, env(nil))
	require.Error(t, err)
	assert.Equal(t, failure.KindTimeout, failure.KindOf(err))
	assert.Less(t, time.Since(start), 2*time.Second, "retries end with the sanitize timeout")
}

func TestNVMeFormat(t *testing.T) {
	d := simdev.NVMeSSD("/dev/nvme0n1", 32)
	rec := probed(t, d)
	res, err := nvmeDriver().Format(context.Background(), d.NVMe, rec, method.NVMeFormat{SES: nvme.SESUserData}, env(nil))
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 32*512), d.Disk.Bytes())
	_, formats := d.NVMe.Counts()
	assert.Equal(t, 1, formats)
	assert.Equal(t, 5*time.Second, res.Timeout)
}

func TestNVMeFormatErrors(t *testing.T) {
	d := simdev.NVMeSSD("/dev/nvme0n1", 32)
	rec := probed(t, d)
	d.NVMe.FormatErr = &nvme.StatusError{Opcode: nvme.OpFormatNVM, Status: 0x0002}
	_, err := nvmeDriver().Format(context.Background(), d.NVMe, rec, method.NVMeFormat{SES: nvme.SESCryptoErase}, env(nil))
	assert.Equal(t, failure.KindCommandFailed, failure.KindOf(err))

	d.NVMe.FormatErr = nvme.ErrNotSupported
	_, err = nvmeDriver().Format(context.Background(), d.NVMe, rec, method.NVMeFormat{SES: nvme.SESCryptoErase}, env(nil))
	assert.Equal(t, failure.KindSelectionUnsupported, failure.KindOf(err))
}

func TestNVMeFormatTimeout(t *testing.T) {
	d := simdev.NVMeSSD("/dev/nvme0n1", 32)
	d.NVMe.FormatDelay = 200 * time.Millisecond
	rec := probed(t, d)
	var held <-chan struct{}
	e := env(nil)
	e.Hold = func(done <-chan struct{}) { held = done }

	_, err := (&NVMeDriver{DefaultTimeout: 10 * time.Millisecond}).Format(context.Background(), d.NVMe, rec, method.NVMeFormat{SES: nvme.SESUserData}, e)
	assert.Equal(t, failure.KindTimeout, failure.KindOf(err))
	require.NotNil(t, held)
	<-held
	_, formats := d.NVMe.Counts()
	assert.Equal(t, 1, formats)
}
