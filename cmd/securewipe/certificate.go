package main

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"securewipe/internal/certificate"
	"securewipe/internal/cli"
	"securewipe/internal/failure"
	"securewipe/internal/reporting"
)

var certificateCmd = &cobra.Command{
	Use:     "certificate",
	Aliases: []string{"cert"},
	Short:   "Inspect and verify erasure certificates",
}

var certificateVerifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Check a certificate's digest and signature",
	Args:  cobra.ExactArgs(1),
	RunE:  runCertificateVerify,
}

var certificateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List certificates recorded in the ledger",
	Args:  cobra.NoArgs,
	RunE:  runCertificateList,
}

var certificateShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a certificate from the ledger",
	Args:  cobra.ExactArgs(1),
	RunE:  runCertificateShow,
}

func init() {
	certificateVerifyCmd.Flags().String("trusted-key", "", "Require this signer (PEM key file or hex public key)")
	certificateListCmd.Flags().Int("limit", 50, "Maximum number of entries")
	certificateListCmd.Flags().Bool("json", false, "JSON output")
	certificateShowCmd.Flags().String("format", certificate.FormatJSON, "Output format (json/yaml)")

	certificateCmd.AddCommand(certificateVerifyCmd, certificateListCmd, certificateShowCmd)
}

func runCertificateVerify(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read certificate: %w", err)
	}
	c, err := certificate.Decode(data, certificate.FormatOf(args[0]))
	if err != nil {
		return failure.Wrap(err, failure.KindVerificationFailed, "%s", args[0])
	}

	var trusted ed25519.PublicKey
	if s, _ := cmd.Flags().GetString("trusted-key"); s != "" {
		if trusted, err = loadPublicKey(s); err != nil {
			return err
		}
	}

	if err := certificate.Verify(c, trusted); err != nil {
		wrapped := failure.Wrap(err, failure.KindVerificationFailed, "certificate %s", c.ID)
		switch {
		case errors.Is(err, certificate.ErrUntrustedKey):
			wrapped = failure.WithHint(wrapped, "the certificate was signed by key "+c.Integrity.KeyID)
		case errors.Is(err, certificate.ErrDigestMismatch):
			wrapped = failure.WithHint(wrapped, "the certificate was modified after signing")
		}
		return wrapped
	}

	fmt.Printf("Certificate %s: signature OK\n", c.ID)
	fmt.Printf("  device   %s %s (serial %s)\n", c.Device.Path, c.Device.Model, c.Device.Serial)
	fmt.Printf("  method   %s\n", c.Method.Description)
	fmt.Printf("  issued   %s\n", c.IssuedAt.Format(time.RFC3339))
	fmt.Printf("  key id   %s\n", c.Integrity.KeyID)
	if v := c.Verification; v != nil && v.Performed {
		fmt.Printf("  verified %d sectors, %d discrepancies\n", v.SectorsChecked, v.Discrepancies)
	}
	return nil
}

// loadPublicKey accepts a PEM private or public key file, or a hex public
// key.
func loadPublicKey(s string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(s)
	if err != nil {
		raw, hexErr := hex.DecodeString(strings.TrimSpace(s))
		if hexErr != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trusted key %s is neither a readable file nor a hex public key", s)
		}
		return ed25519.PublicKey(raw), nil
	}

	if key, err := certificate.ParseKey(data); err == nil {
		return key.Public().(ed25519.PublicKey), nil
	}
	block, _ := pem.Decode(data)
	if block == nil {
		raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trusted key file %s holds no Ed25519 key", s)
		}
		return ed25519.PublicKey(raw), nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse trusted key: %w", err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("trusted key is %T, want Ed25519", parsed)
	}
	return pub, nil
}

func openLedger() (*reporting.Ledger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Certificate.LedgerPath == "" {
		return nil, errors.New("no certificate ledger configured")
	}
	return reporting.OpenLedger(cfg.Certificate.LedgerPath)
}

func runCertificateList(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	ledger, err := openLedger()
	if err != nil {
		return err
	}
	defer ledger.Close()

	entries, err := ledger.List(context.Background(), limit)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	cli.PrintLedger(os.Stdout, entries)
	return nil
}

func runCertificateShow(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")

	ledger, err := openLedger()
	if err != nil {
		return err
	}
	defer ledger.Close()

	c, err := ledger.Get(context.Background(), args[0])
	if err != nil {
		return err
	}
	data, err := certificate.Encode(c, format)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(data, '\n'))
	return err
}
