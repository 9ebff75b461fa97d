package device

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securewipe/internal/failure"
	"securewipe/internal/system"
)

func TestImageOpener(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 8192+100), 0o600))

	info, ok := ImageInfo(path)
	require.True(t, ok)
	assert.Equal(t, TransportImage, info.Transport)
	assert.Equal(t, uint64(8292), info.TotalSize)

	target, err := HostOpener{}.Open(context.Background(), info)
	require.NoError(t, err)
	defer target.Close()
	assert.Equal(t, 512, target.Handle.SectorSize())
	assert.Equal(t, uint64(16), target.Handle.SectorCount(), "trailing partial sector is not addressable")
	assert.Nil(t, target.ATA)
	assert.Nil(t, target.NVMe)

	_, ok = ImageInfo(dir)
	assert.False(t, ok)
	_, ok = ImageInfo(filepath.Join(dir, "missing"))
	assert.False(t, ok)
}

func TestImageOpenerErrors(t *testing.T) {
	dir := t.TempDir()
	o := ImageOpener{SectorSize: 4096}

	_, err := o.Open(context.Background(), system.DiskInfo{Path: filepath.Join(dir, "missing")})
	assert.Equal(t, failure.KindProbeUnsupported, failure.KindOf(err))

	small := filepath.Join(dir, "small.img")
	require.NoError(t, os.WriteFile(small, make([]byte, 1024), 0o600))
	_, err = o.Open(context.Background(), system.DiskInfo{Path: small})
	assert.Equal(t, failure.KindProbeIO, failure.KindOf(err))
}
