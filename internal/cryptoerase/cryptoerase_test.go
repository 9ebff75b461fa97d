package cryptoerase

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securewipe/internal/failure"
	"securewipe/internal/hwerase"
	"securewipe/internal/logging"
	"securewipe/internal/method"
	"securewipe/internal/opal"
	"securewipe/internal/probe"
	"securewipe/internal/progress"
	"securewipe/internal/simdev"
)

const psid = "ABCDEFGHIJKLMNOPQRSTUVWXYZ012345"

type creds struct {
	secret string
	err    error
	asked  []opal.CredentialKind
}

func (c *creds) SEDCredential(ctx context.Context, device string, kind opal.CredentialKind) (opal.Credential, error) {
	c.asked = append(c.asked, kind)
	return opal.Credential{Kind: kind, Secret: c.secret}, c.err
}

func opalDevice(t *testing.T) (*simdev.Device, *probe.CapabilityRecord) {
	t.Helper()
	d := simdev.OpalSSD("/dev/sdc", 128, psid)
	tgt, err := simdev.NewOpener(d).Open(context.Background(), d.Info)
	require.NoError(t, err)
	rec, err := probe.New(logging.NewNop()).Probe(context.Background(), tgt)
	require.NoError(t, err)
	require.NotNil(t, rec.SED)
	return d, rec
}

func TestPSIDRevert(t *testing.T) {
	d, rec := opalDevice(t)
	before := d.Disk.Bytes()
	var ups []progress.Update
	env := hwerase.Env{Logger: logging.NewNop(), Sink: progress.SinkFunc(func(u progress.Update) { ups = append(ups, u) })}
	c := &creds{secret: psid}

	res, err := (&Driver{Admin: d.SED, Credentials: c}).Run(context.Background(), rec, method.CryptoErase{}, env)
	require.NoError(t, err)
	assert.Equal(t, "TCG Opal crypto erase (psid revert)", res.Method)
	assert.Equal(t, []opal.CredentialKind{opal.CredentialPSID}, c.asked)
	assert.NotEqual(t, before, d.Disk.Bytes())
	ok, attempts := d.SED.Reverts()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, attempts)

	require.Len(t, ups, 4)
	for i, u := range ups {
		assert.Equal(t, uint64(i), u.Done)
		assert.Equal(t, uint64(3), u.Total)
		assert.Equal(t, progress.Steps, u.Unit)
	}
}

func TestWrongPSIDIsNotRetried(t *testing.T) {
	d, rec := opalDevice(t)
	before := d.Disk.Bytes()
	c := &creds{secret: "ZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ"}

	_, err := (&Driver{Admin: d.SED, Credentials: c}).Run(context.Background(), rec, method.CryptoErase{}, hwerase.Env{})
	require.Error(t, err)
	assert.Equal(t, failure.KindAuthenticationFailed, failure.KindOf(err))
	_, attempts := d.SED.Reverts()
	assert.Equal(t, 1, attempts)
	assert.Equal(t, before, d.Disk.Bytes())
}

func TestMalformedPSIDNeverReachesDrive(t *testing.T) {
	d, rec := opalDevice(t)
	c := &creds{secret: "short"}
	_, err := (&Driver{Admin: d.SED, Credentials: c}).Run(context.Background(), rec, method.CryptoErase{}, hwerase.Env{})
	assert.Equal(t, failure.KindAuthenticationFailed, failure.KindOf(err))
	assert.ErrorIs(t, err, opal.ErrMalformedPSID)
	_, attempts := d.SED.Reverts()
	assert.Zero(t, attempts)
}

func TestAdminAuthority(t *testing.T) {
	d := simdev.OpalSSD("/dev/sdc", 64, psid)
	d.SED = simdev.NewSED(d.Disk, psid, "sid-password")
	d.ATA.WithSED(d.SED)
	tgt, err := simdev.NewOpener(d).Open(context.Background(), d.Info)
	require.NoError(t, err)
	rec, err := probe.New(nil).Probe(context.Background(), tgt)
	require.NoError(t, err)

	c := &creds{secret: "sid-password"}
	_, err = (&Driver{Admin: d.SED, Credentials: c}).Run(context.Background(), rec, method.CryptoErase{Authority: opal.CredentialAdmin}, hwerase.Env{})
	require.NoError(t, err)
	assert.Equal(t, []opal.CredentialKind{opal.CredentialAdmin}, c.asked)
}

func TestRevertFailures(t *testing.T) {
	d, rec := opalDevice(t)
	c := &creds{secret: psid}
	drv := &Driver{Admin: d.SED, Credentials: c}

	d.SED.RevertErr = errors.New("sedutil: TPer error")
	_, err := drv.Run(context.Background(), rec, method.CryptoErase{}, hwerase.Env{})
	assert.Equal(t, failure.KindCommandFailed, failure.KindOf(err))

	d.SED.RevertErr = exec.ErrNotFound
	_, err = drv.Run(context.Background(), rec, method.CryptoErase{}, hwerase.Env{})
	assert.Equal(t, failure.KindCommandFailed, failure.KindOf(err))
	assert.Contains(t, failure.Hints(err), "install sedutil-cli or set erase.sedutil_path")
}

func TestCredentialSourceErrors(t *testing.T) {
	d, rec := opalDevice(t)

	_, err := (&Driver{Admin: d.SED}).Run(context.Background(), rec, method.CryptoErase{}, hwerase.Env{})
	assert.Equal(t, failure.KindAuthenticationFailed, failure.KindOf(err))

	_, err = (&Driver{Admin: d.SED, Credentials: &creds{err: errors.New("stdin closed")}}).Run(context.Background(), rec, method.CryptoErase{}, hwerase.Env{})
	assert.Equal(t, failure.KindAuthenticationFailed, failure.KindOf(err))

	cancelledErr := failure.New(failure.KindCancelled, "prompt interrupted")
	_, err = (&Driver{Admin: d.SED, Credentials: &creds{err: cancelledErr}}).Run(context.Background(), rec, method.CryptoErase{}, hwerase.Env{})
	assert.Equal(t, failure.KindCancelled, failure.KindOf(err))
}

func TestNotAnOpalDrive(t *testing.T) {
	rec := &probe.CapabilityRecord{Path: "/dev/sda", Class: probe.ClassSSD}
	_, err := (&Driver{}).Run(context.Background(), rec, method.CryptoErase{}, hwerase.Env{})
	assert.Equal(t, failure.KindSelectionUnsupported, failure.KindOf(err))
}

func TestCancelledBeforeRevert(t *testing.T) {
	d, rec := opalDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&Driver{Admin: d.SED, Credentials: &creds{secret: psid}}).Run(ctx, rec, method.CryptoErase{}, hwerase.Env{})
	assert.Equal(t, failure.KindCancelled, failure.KindOf(err))
	_, attempts := d.SED.Reverts()
	assert.Zero(t, attempts)
}
