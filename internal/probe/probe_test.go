package probe

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securewipe/internal/ata"
	"securewipe/internal/device"
	"securewipe/internal/failure"
	"securewipe/internal/logging"
	"securewipe/internal/opal"
	"securewipe/internal/simdev"
	"securewipe/internal/system"
)

func open(t *testing.T, d *simdev.Device) *device.Target {
	t.Helper()
	tgt, err := simdev.NewOpener(d).Open(context.Background(), d.Info)
	require.NoError(t, err)
	return tgt
}

func TestProbeSATASSD(t *testing.T) {
	d := simdev.SATASSD("/dev/sdb", 2048)
	d.ATA.WithSecurity(func(s *ata.Security) {
		s.Frozen = true
		s.EnhancedEraseTime = 4 * time.Minute
	})

	rec, err := New(logging.NewNop()).Probe(context.Background(), open(t, d))
	require.NoError(t, err)

	assert.Equal(t, ClassSSD, rec.Class)
	assert.Equal(t, "/dev/sdb", rec.Path)
	assert.Equal(t, 512, rec.SectorSize)
	assert.Equal(t, uint64(2048), rec.SectorCount)
	assert.Equal(t, uint64(2048*512), rec.Size())
	assert.Equal(t, "SIM SATA SSD", rec.Model)
	assert.Equal(t, "SIM1", rec.Firmware)
	require.NotNil(t, rec.ATA)
	assert.True(t, rec.ATA.Frozen)
	assert.True(t, rec.ATA.EnhancedErase)
	assert.Equal(t, 2*time.Minute, rec.ATA.EraseEstimate)
	assert.Equal(t, 4*time.Minute, rec.ATA.EnhancedEraseEstimate)
	assert.Nil(t, rec.NVMe)
	assert.Nil(t, rec.SED, "no trusted computing bit, no discovery")
}

func TestProbeNVMe(t *testing.T) {
	d := simdev.NVMeSSD("/dev/nvme0n1", 4096)
	rec, err := New(logging.NewNop()).Probe(context.Background(), open(t, d))
	require.NoError(t, err)

	assert.Equal(t, ClassNVMe, rec.Class)
	require.NotNil(t, rec.NVMe)
	assert.True(t, rec.NVMe.Format)
	assert.True(t, rec.NVMe.FormatCryptoErase)
	assert.True(t, rec.NVMe.SanitizeCrypto)
	assert.True(t, rec.NVMe.SanitizeBlock)
	assert.True(t, rec.NVMe.SanitizeOverwrite)
	assert.True(t, rec.NVMe.SecuritySendReceive)
	assert.Equal(t, uint32(1), rec.NVMe.NamespaceID)
	assert.Nil(t, rec.ATA)
	assert.Nil(t, rec.SED, "Security Receive rejected means not SED")
}

func TestProbeOpalDrive(t *testing.T) {
	d := simdev.OpalSSD("/dev/sdc", 1024, "ABCDEFGHIJKLMNOPQRSTUVWXYZ012345")
	rec, err := New(logging.NewNop()).Probe(context.Background(), open(t, d))
	require.NoError(t, err)

	require.NotNil(t, rec.SED)
	assert.True(t, rec.SED.OpalCompliant)
	assert.Equal(t, "opal2", rec.SED.SSC)
	assert.True(t, rec.SED.LockingEnabled)
	assert.True(t, rec.SED.MediaEncryption)
	assert.True(t, rec.SED.PSIDAvailable)
	assert.Equal(t, 8, rec.SED.LockingRanges)
}

func TestProbeClassFromRotationWhenHintsUnknown(t *testing.T) {
	d := simdev.HDD("/dev/sdd", 512)
	d.Info.Type = system.TypeUnknown
	rec, err := New(logging.NewNop()).Probe(context.Background(), open(t, d))
	require.NoError(t, err)
	assert.Equal(t, ClassHDD, rec.Class)
	assert.Nil(t, rec.ATA, "security feature set absent")

	d = simdev.SATASSD("/dev/sde", 512)
	d.Info.Type = system.TypeUnknown
	rec, err = New(logging.NewNop()).Probe(context.Background(), open(t, d))
	require.NoError(t, err)
	assert.Equal(t, ClassSSD, rec.Class)
}

func TestProbeUnknownClass(t *testing.T) {
	d := simdev.SATASSD("/dev/sdf", 512)
	d.Info.Type = system.TypeUnknown
	d.ATA.IdentifyErr = ata.ErrNotSupported

	_, err := New(logging.NewNop()).Probe(context.Background(), open(t, d))
	require.Error(t, err)
	assert.Equal(t, failure.KindProbeUnsupported, failure.KindOf(err))
}

func TestProbeImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 64<<10), 0o600))
	info, ok := device.ImageInfo(path)
	require.True(t, ok)

	tgt, err := device.HostOpener{}.Open(context.Background(), info)
	require.NoError(t, err)
	defer tgt.Close()

	rec, err := New(logging.NewNop()).Probe(context.Background(), tgt)
	require.NoError(t, err)
	assert.Equal(t, ClassImage, rec.Class)
	assert.Equal(t, device.TransportImage, rec.Transport)
	assert.Equal(t, uint64(128), rec.SectorCount)
	assert.Nil(t, rec.ATA)
	assert.Nil(t, rec.NVMe)
	assert.Nil(t, rec.SED)
}

func TestProbeErrors(t *testing.T) {
	d := simdev.SATASSD("/dev/sdg", 512)
	d.ATA.IdentifyErr = &fs.PathError{Op: "ioctl", Path: "/dev/sdg", Err: fs.ErrPermission}
	_, err := New(logging.NewNop()).Probe(context.Background(), open(t, d))
	assert.Equal(t, failure.KindProbePermissionDenied, failure.KindOf(err))

	d.ATA.IdentifyErr = errors.New("SG_IO: input/output error")
	_, err = New(logging.NewNop()).Probe(context.Background(), open(t, d))
	assert.Equal(t, failure.KindProbeIO, failure.KindOf(err))
}

func TestProbeUSBWithoutPassThrough(t *testing.T) {
	d := simdev.SATASSD("/dev/sdh", 512)
	d.Info.Type = system.TypeUSB
	d.ATA.IdentifyErr = ata.ErrNotSupported

	rec, err := New(logging.NewNop()).Probe(context.Background(), open(t, d))
	require.NoError(t, err)
	assert.Equal(t, ClassUSB, rec.Class)
	assert.Nil(t, rec.ATA)
	assert.Equal(t, "SIM SATA SSD", rec.Model, "enumeration hints kept")
}

func TestProbeSEDWithoutLocking(t *testing.T) {
	d := simdev.NVMeSSD("/dev/nvme1n1", 512)
	d.NVMe.WithSED(simdev.NewSED(d.Disk, "", "").WithLocking(opal.Locking{}))
	rec, err := New(logging.NewNop()).Probe(context.Background(), open(t, d))
	require.NoError(t, err)
	require.NotNil(t, rec.SED)
	assert.False(t, rec.SED.LockingSupported)
	assert.False(t, rec.SED.MediaEncryption)
}

func TestProbeHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(logging.NewNop()).Probe(ctx, open(t, simdev.SATASSD("/dev/sdi", 8)))
	assert.Equal(t, failure.KindCancelled, failure.KindOf(err))
}
