package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securewipe/internal/certificate"
	"securewipe/internal/config"
	"securewipe/internal/device"
	"securewipe/internal/failure"
	"securewipe/internal/method"
	"securewipe/internal/nvme"
	"securewipe/internal/opal"
	"securewipe/internal/reporting"
	"securewipe/internal/wipe"
)

func methodCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addMethodFlags(cmd)
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestMethodRequest(t *testing.T) {
	req, err := methodRequest(methodCommand(t), "auto", nil)
	require.NoError(t, err)
	assert.Equal(t, method.KindAuto, req.Kind)
	assert.Nil(t, req.Enhanced)

	req, err = methodRequest(methodCommand(t,
		"--method", "nvme-sanitize", "--sanitize-action", "crypto-erase",
		"--pattern", "dod", "--enhanced=false", "--authority", "psid",
		"--exclude-method", "nvme-format",
	), "auto", []string{"ata-secure-erase"})
	require.NoError(t, err)
	assert.Equal(t, method.KindNVMeSanitize, req.Kind)
	assert.Equal(t, nvme.SanitizeCryptoErase, req.SanitizeAction)
	assert.Equal(t, wipe.PatternDoD, req.Pattern)
	require.NotNil(t, req.Enhanced)
	assert.False(t, *req.Enhanced)
	assert.Equal(t, opal.CredentialPSID, req.Authority)
	assert.Equal(t, []method.Kind{method.KindATASecureErase, method.KindNVMeFormat}, req.Exclude)

	_, err = methodRequest(methodCommand(t, "--method", "shred"), "auto", nil)
	assert.Equal(t, failure.KindSelectionUnsupported, failure.KindOf(err))
	assert.Equal(t, 12, exitCode(err))

	_, err = methodRequest(methodCommand(t, "--ses", "bogus"), "auto", nil)
	assert.Equal(t, failure.KindSelectionUnsupported, failure.KindOf(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 16, exitCode(failure.New(failure.KindSecurityFrozen, "frozen")))
	assert.Equal(t, 20, exitCode(&exitError{code: 20, err: errors.New("verify")}))
	assert.Equal(t, 1, exitCode(errors.New("plain")))
}

func TestLoadPublicKey(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	got, err := loadPublicKey(hex.EncodeToString(pub))
	require.NoError(t, err)
	assert.True(t, pub.Equal(got))

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privFile := filepath.Join(dir, "signing.key")
	require.NoError(t, os.WriteFile(privFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600))
	got, err = loadPublicKey(privFile)
	require.NoError(t, err)
	assert.True(t, pub.Equal(got))

	der, err = x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubFile := filepath.Join(dir, "signing.pub")
	require.NoError(t, os.WriteFile(pubFile, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o644))
	got, err = loadPublicKey(pubFile)
	require.NoError(t, err)
	assert.True(t, pub.Equal(got))

	_, err = loadPublicKey("not-a-key")
	assert.Error(t, err)
}

func TestResolveDeviceImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o600))

	info, err := resolveDevice(path)
	require.NoError(t, err)
	assert.Equal(t, device.TransportImage, info.Transport)

	_, err = resolveDevice(filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, failure.KindProbeUnsupported, failure.KindOf(err))
	assert.NotEmpty(t, failure.Hints(err))
}

// TestEraseImage runs the erase command end to end against a disk image,
// then checks the certificate it issued through the certificate commands.
func TestEraseImage(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "disk.img")
	data := bytes.Repeat([]byte{0xA5}, 256<<10)
	require.NoError(t, os.WriteFile(image, data, 0o600))

	cfg := config.Default()
	cfg.Security.RequireAdmin = false
	cfg.Security.RequireConfirmation = false
	cfg.Erase.OverwritePattern = "zero"
	cfg.Erase.ChunkSize = 64 << 10
	cfg.Verify.RegionBytes = 64 << 10
	cfg.Verify.Fingerprint = 16
	cfg.Certificate.OutputDir = filepath.Join(dir, "certs")
	cfg.Certificate.KeyFile = filepath.Join(dir, "certs", "signing.key")
	cfg.Certificate.LedgerPath = filepath.Join(dir, "certs", "ledger.db")
	cfg.Certificate.Operator = "tester"
	cfg.Reporting.LocalPath = filepath.Join(dir, "reports")
	cfgFile := filepath.Join(dir, "securewipe.yaml")
	require.NoError(t, config.Save(cfg, cfgFile))

	rootCmd.SetArgs([]string{"--config", cfgFile, "erase", image, "--method", "overwrite"})
	require.NoError(t, rootCmd.Execute())

	erased, err := os.ReadFile(image)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, len(data)), erased)

	certs, err := filepath.Glob(filepath.Join(cfg.Certificate.OutputDir, "certificate_*.json"))
	require.NoError(t, err)
	require.Len(t, certs, 1)
	raw, err := os.ReadFile(certs[0])
	require.NoError(t, err)
	c, err := certificate.Decode(raw, certificate.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "tester", c.Operator)
	assert.Equal(t, string(method.KindOverwrite), c.Method.Kind)

	rootCmd.SetArgs([]string{"certificate", "verify", certs[0], "--trusted-key", cfg.Certificate.KeyFile})
	require.NoError(t, rootCmd.Execute())

	ledger, err := reporting.OpenLedger(cfg.Certificate.LedgerPath)
	require.NoError(t, err)
	defer ledger.Close()
	stored, err := ledger.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Integrity.Signature, stored.Integrity.Signature)

	reports, err := filepath.Glob(filepath.Join(cfg.Reporting.LocalPath, "securewipe_report_*.json"))
	require.NoError(t, err)
	require.Len(t, reports, 1)
	raw, err = os.ReadFile(reports[0])
	require.NoError(t, err)
	var report reporting.Report
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.Equal(t, 0, report.ExitCode)
	require.Len(t, report.Operations, 1)
	assert.Equal(t, reporting.StateCompleted, report.Operations[0].State)
	assert.Equal(t, c.ID, report.Operations[0].CertificateID)

	// A tampered copy fails verification with the verification exit code.
	c.Operator = "someone else"
	tampered := filepath.Join(dir, "tampered.json")
	raw, err = certificate.Encode(c, certificate.FormatJSON)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tampered, raw, 0o644))
	rootCmd.SetArgs([]string{"certificate", "verify", tampered})
	err = rootCmd.Execute()
	require.Error(t, err)
	assert.Equal(t, 20, exitCode(err))
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "securewipe.yaml")
	rootCmd.SetArgs([]string{"config", "init", "--path", path})
	require.NoError(t, rootCmd.Execute())

	cfg, err := config.Load(path)
	require.NoError(t, err)
	def := config.Default()
	assert.Equal(t, def.Erase.DefaultMethod, cfg.Erase.DefaultMethod)
	assert.Equal(t, def.Erase.HardwareTimeout, cfg.Erase.HardwareTimeout)
	assert.Equal(t, def.Verify, cfg.Verify)

	rootCmd.SetArgs([]string{"config", "init", "--path", path})
	assert.Error(t, rootCmd.Execute(), "existing file is kept without --force")
}

func TestInteractiveMenu(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.json")
	in := strings.NewReader("9\n4\n" + missing + "\n3\n\n6\n")
	var out bytes.Buffer
	require.NoError(t, NewInteractiveMenu(in, &out).Run())

	s := out.String()
	assert.Contains(t, s, "Invalid choice.")
	assert.Contains(t, s, "Error: read certificate")
	assert.Equal(t, 4, strings.Count(s, "Choose an option"))

	out.Reset()
	require.NoError(t, NewInteractiveMenu(strings.NewReader(""), &out).Run(), "end of input exits")
}
