package reporting

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securewipe/internal/certificate"
	"securewipe/internal/method"
	"securewipe/internal/probe"
	"securewipe/internal/wipe"
)

func issue(t *testing.T, serial string, at time.Time) *certificate.Certificate {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	e := &certificate.Emitter{Key: key, Host: "bench", ToolVersion: "test", Operator: "op", Now: func() time.Time { return at }}
	c, err := e.Emit(certificate.Input{
		JobID:     "job-" + serial,
		Record:    &probe.CapabilityRecord{Path: "/dev/sda", Class: probe.ClassSSD, SectorSize: 512, SectorCount: 1024, Serial: serial, Model: "SIM"},
		Method:    method.Overwrite{Spec: wipe.MustSpec(wipe.PatternZero)},
		StartTime: at.Add(-time.Minute),
		EndTime:   at,
	})
	require.NoError(t, err)
	return c
}

type failingSink struct{ err error }

func (f failingSink) Store(context.Context, *certificate.Certificate) error { return f.err }

func TestFileSinkWritesEveryFormat(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	sink := &FileSink{Dir: dir, Formats: []string{"json", "yaml", "cbor"}}
	c := issue(t, "SN/1 2", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

	require.NoError(t, sink.Store(context.Background(), c))
	paths := sink.Paths(c)
	require.Len(t, paths, 3)
	assert.True(t, strings.HasPrefix(filepath.Base(paths[0]), "certificate_SN_1_2_20260102_030405_"))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		back, err := certificate.Decode(data, certificate.FormatOf(p))
		require.NoError(t, err, p)
		assert.NoError(t, certificate.Verify(back, nil), p)
	}
}

func TestFileSinkUsesDeviceNameWithoutSerial(t *testing.T) {
	sink := &FileSink{Dir: t.TempDir(), Formats: []string{"json"}}
	c := issue(t, "", time.Now())
	assert.Contains(t, filepath.Base(sink.Paths(c)[0]), "certificate_sda_")
}

func TestFileSinkUnknownFormat(t *testing.T) {
	sink := &FileSink{Dir: t.TempDir(), Formats: []string{"json", "xml"}}
	c := issue(t, "A", time.Now())
	err := sink.Store(context.Background(), c)
	require.Error(t, err)
	_, statErr := os.Stat(sink.Paths(c)[0])
	assert.NoError(t, statErr, "other formats are still written")
}

func TestMultiSinkCollectsErrors(t *testing.T) {
	first, second := errors.New("disk full"), errors.New("ledger locked")
	var stored int
	ok := sinkFunc(func(*certificate.Certificate) { stored++ })
	err := MultiSink{failingSink{first}, ok, failingSink{second}}.Store(context.Background(), issue(t, "A", time.Now()))
	require.Error(t, err)
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
	assert.Equal(t, 1, stored)

	assert.NoError(t, MultiSink{ok}.Store(context.Background(), issue(t, "B", time.Now())))
}

type sinkFunc func(*certificate.Certificate)

func (f sinkFunc) Store(_ context.Context, c *certificate.Certificate) error {
	f(c)
	return nil
}

func TestLedger(t *testing.T) {
	ctx := context.Background()
	l, err := OpenLedger(filepath.Join(t.TempDir(), "db", "ledger.db"))
	require.NoError(t, err)
	defer l.Close()

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	older := issue(t, "OLD", base)
	newer := issue(t, "NEW", base.Add(500*time.Millisecond))
	require.NoError(t, l.Store(ctx, older))
	require.NoError(t, l.Store(ctx, newer))
	assert.Error(t, l.Store(ctx, older), "ids are unique")

	entries, err := l.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, newer.ID, entries[0].ID)
	assert.Equal(t, "NEW", entries[0].Serial)
	assert.Equal(t, uint64(1024*512), entries[0].CapacityBytes)
	assert.False(t, entries[0].Verified)
	assert.True(t, entries[0].IssuedAt.Equal(newer.IssuedAt))

	limited, err := l.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	got, err := l.Get(ctx, older.ID)
	require.NoError(t, err)
	assert.NoError(t, certificate.Verify(got, nil))
	assert.Equal(t, older.Integrity.Digest, got.Integrity.Digest)

	_, err = l.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	unsigned := *older
	unsigned.Integrity = nil
	assert.ErrorIs(t, l.Store(ctx, &unsigned), certificate.ErrUnsigned)
}

func TestGenerateReport(t *testing.T) {
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	ops := []OperationReport{
		{Device: "/dev/sda", State: StateCompleted, CapacityBytes: 1 << 30, Verified: true},
		{Device: "/dev/sdb", State: StateFailed, ErrorKind: "SecurityFrozen", Error: "frozen", Hints: []string{"power-cycle required"}},
		{Device: "/dev/sdc", State: StateCancelled},
		{Device: "/dev/sdd", State: StateCompleted, CapacityBytes: 1 << 30},
	}
	r := GenerateReport(ops, "1.0.0", "op", "standard", start, start.Add(time.Hour), 16)
	assert.NotEmpty(t, r.RunID)
	assert.Equal(t, SummaryReport{TotalDevices: 4, Completed: 2, Cancelled: 1, Failed: 1, TotalBytes: 2 << 30, SuccessRate: 50}, r.Summary)
	assert.Equal(t, "1h0m0s", r.Duration)

	empty := GenerateReport(nil, "1.0.0", "", "", start, start, 0)
	assert.NotNil(t, empty.Operations)
	assert.Zero(t, empty.Summary.SuccessRate)
}

func TestSaveReport(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	r := GenerateReport([]OperationReport{{Device: "/dev/sdb", State: StateFailed, ErrorKind: "SecurityFrozen", Error: "frozen", Hints: []string{"power-cycle required"}}}, "1.0.0", "", "", start, start, 16)

	path, err := SaveReport(r, dir, "json")
	require.NoError(t, err)
	assert.Equal(t, "securewipe_report_20260501_100000.json", filepath.Base(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var back Report
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, r.Summary, back.Summary)

	path, err = SaveReport(r, dir, "txt")
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "/dev/sdb  [FAILED]")
	assert.Contains(t, string(data), "Hint:        power-cycle required")

	_, err = SaveReport(r, dir, "pdf")
	assert.Error(t, err)
}
