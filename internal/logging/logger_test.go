package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"securewipe/internal/config"
)

func TestLogRoutesLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := New(zap.New(core))

	l.Log("DEBUG", "probe", "device", "/dev/sda")
	l.Log("WARN", "retrying chunk", "sector", 2048)
	l.Log("ERROR", "pass failed")
	l.Log("whatever", "defaults to info")

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, "/dev/sda", entries[0].ContextMap()["device"])
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, zap.ErrorLevel, entries[2].Level)
	assert.Equal(t, zap.InfoLevel, entries[3].Level)
}

func TestWithAddsFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := New(zap.New(core)).With("job", "j-1")
	l.Log("INFO", "state", "to", "probing")

	require.Equal(t, 1, logs.Len())
	ctx := logs.All()[0].ContextMap()
	assert.Equal(t, "j-1", ctx["job"])
	assert.Equal(t, "probing", ctx["to"])
}

func TestNilLoggerIsSilent(t *testing.T) {
	var l *EnterpriseLogger
	assert.NotPanics(t, func() {
		l.Log("INFO", "nothing")
		_ = l.With("a", 1)
		assert.NoError(t, l.Close())
	})
}

func TestFileOutput(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.File = filepath.Join(t.TempDir(), "logs", "securewipe.log")
	cfg.Logging.Structured = true

	l, err := NewEnterpriseLogger(cfg, false)
	require.NoError(t, err)
	l.Log("INFO", "erase started", "device", "/dev/sdz")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(cfg.Logging.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"device":"/dev/sdz"`)
}
