package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securewipe/internal/engine"
	"securewipe/internal/failure"
	"securewipe/internal/method"
	"securewipe/internal/opal"
	"securewipe/internal/probe"
	"securewipe/internal/progress"
	"securewipe/internal/reporting"
	"securewipe/internal/system"
	"securewipe/internal/wipe"
)

func TestRenderSnapshot(t *testing.T) {
	p := NewProgressPrinter(&bytes.Buffer{}, false)

	line := p.Render("/dev/sdb", engine.ProgressSnapshot{
		State: engine.StateRunning, Phase: "overwrite", Unit: progress.Bytes,
		Done: 256 << 10, Total: 512 << 10, Pass: 2, Passes: 3, Elapsed: time.Second,
	})
	assert.Contains(t, line, "/dev/sdb")
	assert.Contains(t, line, "running")
	assert.Contains(t, line, "overwrite")
	assert.Contains(t, line, "256 KiB / 512 KiB")
	assert.Contains(t, line, "pass 2/3")
	assert.Contains(t, line, "256 KiB/s")

	line = p.Render("nvme0n1", engine.ProgressSnapshot{State: engine.StateRunning, Phase: "sanitize", Unit: progress.Percent, Done: 40, Total: 100, Estimate: 90 * time.Second})
	assert.Contains(t, line, "40%")
	assert.Contains(t, line, "est. 1m30s")

	line = p.Render("sda", engine.ProgressSnapshot{State: engine.StateRunning, Phase: "erase", Unit: progress.Steps, Done: 2, Total: 4})
	assert.Contains(t, line, "step 2/4")

	line = p.Render("sda", engine.ProgressSnapshot{State: engine.StateVerifying, Phase: "verifying"})
	assert.Contains(t, line, "verifying")
}

func TestWatchPrintsUntilClosed(t *testing.T) {
	var out bytes.Buffer
	p := NewProgressPrinter(&out, false)
	p.Interval = time.Hour

	ch := make(chan engine.ProgressSnapshot, 8)
	ch <- engine.ProgressSnapshot{State: engine.StateProbing, Phase: "probing"}
	ch <- engine.ProgressSnapshot{State: engine.StateRunning, Phase: "running"}
	ch <- engine.ProgressSnapshot{State: engine.StateRunning, Phase: "overwrite", Unit: progress.Bytes, Done: 1, Total: 2}
	ch <- engine.ProgressSnapshot{State: engine.StateCompleted, Phase: "completed"}
	close(ch)
	p.Watch("sda", ch)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 3, "same-state updates inside the interval are skipped")
	assert.Contains(t, lines[2], "completed")
}

func TestWatchLive(t *testing.T) {
	var out bytes.Buffer
	p := NewProgressPrinter(&out, true)
	ch := make(chan engine.ProgressSnapshot, 1)
	ch <- engine.ProgressSnapshot{State: engine.StateProbing}
	close(ch)
	p.Watch("sda", ch)
	assert.True(t, strings.HasPrefix(out.String(), "\r"))
	assert.True(t, strings.HasSuffix(out.String(), "\n"))
}

func TestCredentialsFromFlags(t *testing.T) {
	c := &TerminalCredentials{ATA: "secret", ATAMaster: true, PSID: "ABCD-EFGH IJKL", SEDAdmin: "sid"}
	ctx := context.Background()

	pw, err := c.ATAPassword(ctx, "/dev/sda", true)
	require.NoError(t, err)
	assert.True(t, pw.Master)
	assert.Equal(t, []byte("secret"), pw.Secret)

	cred, err := c.SEDCredential(ctx, "/dev/sda", opal.CredentialPSID)
	require.NoError(t, err)
	assert.Equal(t, "ABCDEFGHIJKL", cred.Secret)

	cred, err = c.SEDCredential(ctx, "/dev/sda", opal.CredentialAdmin)
	require.NoError(t, err)
	assert.Equal(t, opal.Credential{Kind: opal.CredentialAdmin, Secret: "sid"}, cred)
}

func TestCredentialsPrompt(t *testing.T) {
	var out bytes.Buffer
	c := &TerminalCredentials{
		Out:          &out,
		IsTerminal:   func(int) bool { return true },
		ReadPassword: func(int) ([]byte, error) { return []byte("typed"), nil },
	}
	pw, err := c.ATAPassword(context.Background(), "/dev/sdc", false)
	require.NoError(t, err)
	assert.Equal(t, []byte("typed"), pw.Secret)
	assert.Contains(t, out.String(), "ATA user password for /dev/sdc")

	c.ReadPassword = func(int) ([]byte, error) { return nil, errors.New("eof") }
	_, err = c.SEDCredential(context.Background(), "/dev/sdc", opal.CredentialPSID)
	assert.Equal(t, failure.KindAuthenticationFailed, failure.KindOf(err))

	c.ReadPassword = func(int) ([]byte, error) { return []byte{}, nil }
	_, err = c.ATAPassword(context.Background(), "/dev/sdc", false)
	assert.Equal(t, failure.KindAuthenticationFailed, failure.KindOf(err))
}

func TestCredentialsWithoutTerminal(t *testing.T) {
	c := &TerminalCredentials{IsTerminal: func(int) bool { return false }}
	_, err := c.SEDCredential(context.Background(), "/dev/sdc", opal.CredentialPSID)
	require.Error(t, err)
	assert.Equal(t, failure.KindAuthenticationFailed, failure.KindOf(err))
	assert.Contains(t, failure.Hints(err), "pass --psid")
}

func TestConfirm(t *testing.T) {
	disks := []system.DiskInfo{{Path: "/dev/sdb", Model: "M", Serial: "S", TotalSize: 1 << 30}}
	var out bytes.Buffer
	assert.True(t, Confirm(strings.NewReader("yes\n"), &out, disks))
	assert.Contains(t, out.String(), "/dev/sdb")
	assert.Contains(t, out.String(), "1.0 GiB")
	assert.False(t, Confirm(strings.NewReader("y\n"), &bytes.Buffer{}, disks))
	assert.False(t, Confirm(strings.NewReader(""), &bytes.Buffer{}, disks))
}

func TestPrintDevices(t *testing.T) {
	var out bytes.Buffer
	PrintDevices(&out, []system.DiskInfo{
		{Path: "/dev/sda", Type: system.TypeSSD, Transport: "ata", TotalSize: 512 << 30, Model: "SIM", Serial: "S1", Status: system.StatusMounted, IsSystem: true},
		{Path: "/dev/nvme0n1", Type: system.TypeNVMe, Transport: "nvme", TotalSize: 1 << 40, Status: system.StatusAvailable},
	})
	s := out.String()
	assert.Contains(t, s, "/dev/sda")
	assert.Contains(t, s, "/dev/nvme0n1")
	assert.Contains(t, s, "512 GiB")
	assert.Contains(t, s, "yes")

	out.Reset()
	PrintDevices(&out, nil)
	assert.Contains(t, out.String(), "No disks found")
}

func TestPrintLedger(t *testing.T) {
	var out bytes.Buffer
	PrintLedger(&out, []reporting.Entry{{
		ID: "c0ffee", IssuedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), Device: "/dev/sdb",
		Model: "SIM", Serial: "S1", Method: "overwrite (zero)", Verified: true, KeyID: "0123abcd",
	}})
	s := out.String()
	assert.Contains(t, s, "c0ffee")
	assert.Contains(t, s, "0123abcd")
	assert.Contains(t, s, "true")

	out.Reset()
	PrintLedger(&out, nil)
	assert.Contains(t, out.String(), "No certificates recorded")
}

func TestPrintPlanAndOutcome(t *testing.T) {
	rec := &probe.CapabilityRecord{
		Path: "/dev/sdb", Class: probe.ClassSSD, SectorSize: 512, SectorCount: 2048, Model: "SIM", Serial: "S1",
		ATA: &probe.ATASecurity{Supported: true, Frozen: true, EnhancedErase: true},
	}
	var out bytes.Buffer
	PrintPlan(&out, &engine.Plan{Record: rec, Eligible: []string{"ata-secure-erase(enhanced)", "overwrite"}, Usable: []string{"overwrite"}, Selected: "overwrite"})
	s := out.String()
	assert.Contains(t, s, "needs operator action")
	assert.Contains(t, s, "Selected: overwrite")
	assert.Contains(t, s, "ATA enabled/locked/frozen")

	out.Reset()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	PrintOutcome(&out, &engine.Outcome{
		Device: "/dev/sdb", State: engine.StateFailed, Record: rec,
		Method:    method.Overwrite{Spec: wipe.MustSpec(wipe.PatternZero)},
		Err:       failure.WithHint(failure.New(failure.KindSecurityFrozen, "frozen"), "power-cycle"),
		StartTime: start, EndTime: start.Add(time.Second), Dropped: 3,
	})
	s = out.String()
	assert.Contains(t, s, "failed")
	assert.Contains(t, s, "hint: power-cycle")
	assert.Contains(t, s, "3 progress updates dropped")
}
