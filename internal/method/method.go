// Package method is the registry of erase methods: which ones a device
// supports, in what order of preference, and how an explicit request is
// validated.
package method

import (
	"fmt"
	"strconv"

	"securewipe/internal/nvme"
	"securewipe/internal/opal"
	"securewipe/internal/wipe"
)

// Kind is the stable name of a method family.
type Kind string

const (
	KindAuto           Kind = "auto"
	KindOverwrite      Kind = "overwrite"
	KindATASecureErase Kind = "ata-secure-erase"
	KindNVMeSanitize   Kind = "nvme-sanitize"
	KindNVMeFormat     Kind = "nvme-format"
	KindCryptoErase    Kind = "crypto-erase"
)

// ParseKind accepts the kind names.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindAuto, KindOverwrite, KindATASecureErase, KindNVMeSanitize, KindNVMeFormat, KindCryptoErase:
		return k, nil
	case "":
		return KindAuto, nil
	}
	return "", fmt.Errorf("unknown erase method: %s", s)
}

// Method is one concrete erase method. The set of implementations is closed.
type Method interface {
	Kind() Kind
	String() string
	// Parameters are recorded in the certificate.
	Parameters() map[string]string
	isMethod()
}

// Overwrite writes every sector with the passes of Spec.
type Overwrite struct {
	Spec wipe.Spec
}

// ATASecureErase is SECURITY ERASE UNIT, normal or enhanced.
type ATASecureErase struct {
	Enhanced bool
}

// NVMeSanitize is the NVMe Sanitize command.
type NVMeSanitize struct {
	Action nvme.SanitizeAction
}

// NVMeFormat is Format NVM with a secure erase setting.
type NVMeFormat struct {
	SES nvme.SecureErase
}

// CryptoErase reverts a TCG Opal drive, discarding its media key.
type CryptoErase struct {
	Authority opal.CredentialKind
}

func (Overwrite) Kind() Kind      { return KindOverwrite }
func (ATASecureErase) Kind() Kind { return KindATASecureErase }
func (NVMeSanitize) Kind() Kind   { return KindNVMeSanitize }
func (NVMeFormat) Kind() Kind     { return KindNVMeFormat }
func (CryptoErase) Kind() Kind    { return KindCryptoErase }

func (Overwrite) isMethod()      {}
func (ATASecureErase) isMethod() {}
func (NVMeSanitize) isMethod()   {}
func (NVMeFormat) isMethod()     {}
func (CryptoErase) isMethod()    {}

func (m Overwrite) String() string { return "overwrite " + m.Spec.String() }

func (m ATASecureErase) String() string {
	if m.Enhanced {
		return "ATA enhanced security erase"
	}
	return "ATA security erase"
}

func (m NVMeSanitize) String() string { return "NVMe sanitize (" + m.Action.String() + ")" }
func (m NVMeFormat) String() string   { return "NVMe format (secure erase: " + m.SES.String() + ")" }

func (m CryptoErase) String() string {
	return "TCG Opal crypto erase (" + string(m.authority()) + " revert)"
}

func (m Overwrite) Parameters() map[string]string {
	return map[string]string{
		"pattern": string(m.Spec.Pattern),
		"passes":  strconv.Itoa(m.Spec.PassCount()),
	}
}

func (m ATASecureErase) Parameters() map[string]string {
	return map[string]string{"enhanced": strconv.FormatBool(m.Enhanced)}
}

func (m NVMeSanitize) Parameters() map[string]string {
	return map[string]string{"action": m.Action.String()}
}

func (m NVMeFormat) Parameters() map[string]string {
	return map[string]string{"ses": m.SES.String()}
}

func (m CryptoErase) Parameters() map[string]string {
	return map[string]string{"authority": string(m.authority())}
}

func (m CryptoErase) authority() opal.CredentialKind {
	if m.Authority == "" {
		return opal.CredentialPSID
	}
	return m.Authority
}

// Effective returns the authority, defaulting to PSID.
func (m CryptoErase) Effective() opal.CredentialKind { return m.authority() }

// Hardware reports whether the device firmware performs the erase.
func Hardware(m Method) bool {
	_, ok := m.(Overwrite)
	return !ok
}
