package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"securewipe/internal/ata"
	"securewipe/internal/failure"
	"securewipe/internal/opal"
)

// TerminalCredentials answers engine credential requests from flags, and
// falls back to a no-echo prompt on the controlling terminal.
type TerminalCredentials struct {
	ATA       string
	ATAMaster bool
	PSID      string
	SEDAdmin  string

	In  *os.File
	Out io.Writer

	// ReadPassword and IsTerminal default to golang.org/x/term.
	ReadPassword func(fd int) ([]byte, error)
	IsTerminal   func(fd int) bool
}

func NewTerminalCredentials() *TerminalCredentials {
	return &TerminalCredentials{In: os.Stdin, Out: os.Stderr}
}

func (c *TerminalCredentials) ATAPassword(ctx context.Context, device string, allowMaster bool) (ata.Password, error) {
	if c.ATA != "" {
		return ata.Password{Master: c.ATAMaster, Secret: []byte(c.ATA)}, nil
	}
	secret, err := c.prompt(fmt.Sprintf("ATA user password for %s: ", device), "--ata-password")
	if err != nil {
		return ata.Password{}, err
	}
	return ata.Password{Secret: secret}, nil
}

func (c *TerminalCredentials) SEDCredential(ctx context.Context, device string, kind opal.CredentialKind) (opal.Credential, error) {
	switch kind {
	case opal.CredentialPSID:
		if c.PSID != "" {
			return opal.Credential{Kind: kind, Secret: NormalizePSID(c.PSID)}, nil
		}
		secret, err := c.prompt(fmt.Sprintf("PSID from the label of %s: ", device), "--psid")
		if err != nil {
			return opal.Credential{}, err
		}
		return opal.Credential{Kind: kind, Secret: NormalizePSID(string(secret))}, nil
	default:
		if c.SEDAdmin != "" {
			return opal.Credential{Kind: kind, Secret: c.SEDAdmin}, nil
		}
		secret, err := c.prompt(fmt.Sprintf("SED admin (SID) password for %s: ", device), "--sed-password")
		if err != nil {
			return opal.Credential{}, err
		}
		return opal.Credential{Kind: kind, Secret: string(secret)}, nil
	}
}

// NormalizePSID strips the spaces and dashes labels use to group the PSID.
func NormalizePSID(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' || r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, s)
}

func (c *TerminalCredentials) prompt(message, flag string) ([]byte, error) {
	fd := 0
	if c.In != nil {
		fd = int(c.In.Fd())
	}
	isTerminal, read := c.IsTerminal, c.ReadPassword
	if isTerminal == nil {
		isTerminal = term.IsTerminal
	}
	if read == nil {
		read = term.ReadPassword
	}
	if !isTerminal(fd) {
		return nil, failure.WithHint(
			failure.New(failure.KindAuthenticationFailed, "a credential is required and no terminal is available to prompt for it"),
			"pass "+flag)
	}

	out := c.Out
	if out == nil {
		out = os.Stderr
	}
	fmt.Fprint(out, message)
	secret, err := read(fd)
	fmt.Fprintln(out)
	if err != nil {
		return nil, failure.Wrap(err, failure.KindAuthenticationFailed, "read credential")
	}
	if len(secret) == 0 {
		return nil, failure.New(failure.KindAuthenticationFailed, "empty credential")
	}
	return secret, nil
}
