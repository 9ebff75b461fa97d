package method

import (
	"securewipe/internal/failure"
	"securewipe/internal/nvme"
	"securewipe/internal/opal"
	"securewipe/internal/probe"
	"securewipe/internal/wipe"
)

// Request is the caller's method choice. Zero fields mean "best available".
type Request struct {
	Kind           Kind
	Pattern        wipe.Pattern
	Enhanced       *bool
	SanitizeAction nvme.SanitizeAction
	SES            nvme.SecureErase
	Authority      opal.CredentialKind
	// Exclude removes kinds from automatic selection and rejects them when
	// requested explicitly.
	Exclude []Kind
}

// Registry selects erase methods for capability records.
type Registry struct {
	DefaultPattern wipe.Pattern
}

func NewRegistry(defaultPattern wipe.Pattern) *Registry {
	if defaultPattern == "" {
		defaultPattern = wipe.PatternRandom
	}
	return &Registry{DefaultPattern: defaultPattern}
}

// Eligible lists every method rec supports, best first. Overwrite is always
// last. The current security state is not considered; see Usable.
func (r *Registry) Eligible(rec *probe.CapabilityRecord) []Method {
	var out []Method
	if sedCapable(rec) {
		out = append(out, CryptoErase{Authority: opal.CredentialPSID})
	}
	n := rec.NVMe
	a := rec.ATA
	if n != nil && n.SanitizeCrypto {
		out = append(out, NVMeSanitize{Action: nvme.SanitizeCryptoErase})
	}
	if n != nil && n.FormatCryptoErase {
		out = append(out, NVMeFormat{SES: nvme.SESCryptoErase})
	}
	if a != nil && a.Supported && a.EnhancedErase {
		out = append(out, ATASecureErase{Enhanced: true})
	}
	if n != nil && n.SanitizeBlock {
		out = append(out, NVMeSanitize{Action: nvme.SanitizeBlockErase})
	}
	if n != nil && n.SanitizeOverwrite {
		out = append(out, NVMeSanitize{Action: nvme.SanitizeOverwrite})
	}
	if n != nil && n.Format {
		out = append(out, NVMeFormat{SES: nvme.SESUserData})
	}
	if a != nil && a.Supported {
		out = append(out, ATASecureErase{Enhanced: false})
	}
	return append(out, Overwrite{Spec: wipe.MustSpec(r.DefaultPattern)})
}

// Usable reports whether m can succeed in the device's current state
// without operator action. A frozen, locked or password-protected ATA
// drive is supported but not usable for automatic selection, and so is a
// PSID revert on a drive that does not advertise a PSID authority.
func Usable(rec *probe.CapabilityRecord, m Method) bool {
	switch m := m.(type) {
	case ATASecureErase:
		a := rec.ATA
		return a != nil && !a.Frozen && !a.Locked && !a.Enabled && !a.CountExpired
	case CryptoErase:
		return m.Effective() != opal.CredentialPSID || (rec.SED != nil && rec.SED.PSIDAvailable)
	}
	return true
}

// Select returns the method for req. Automatic selection picks the first
// eligible, usable, non-excluded method. An explicit kind the device cannot
// perform is SelectionUnsupported.
func (r *Registry) Select(rec *probe.CapabilityRecord, req Request) (Method, error) {
	excluded := map[Kind]bool{}
	for _, k := range req.Exclude {
		excluded[k] = true
	}

	if req.Kind == "" || req.Kind == KindAuto {
		for _, m := range r.Eligible(rec) {
			if excluded[m.Kind()] || !Usable(rec, m) {
				continue
			}
			if o, ok := m.(Overwrite); ok && req.Pattern != "" {
				spec, err := wipe.NewSpec(req.Pattern)
				if err != nil {
					return nil, failure.Wrap(err, failure.KindSelectionUnsupported, "overwrite pattern")
				}
				o.Spec = spec
				m = o
			}
			return m, nil
		}
		return nil, failure.New(failure.KindSelectionUnsupported, "no usable erase method for %s", rec.Path)
	}

	if excluded[req.Kind] {
		return nil, failure.New(failure.KindSelectionUnsupported, "method %s is excluded by configuration", req.Kind)
	}

	switch req.Kind {
	case KindOverwrite:
		pattern := req.Pattern
		if pattern == "" {
			pattern = r.DefaultPattern
		}
		spec, err := wipe.NewSpec(pattern)
		if err != nil {
			return nil, failure.Wrap(err, failure.KindSelectionUnsupported, "overwrite pattern")
		}
		return Overwrite{Spec: spec}, nil

	case KindATASecureErase:
		a := rec.ATA
		if a == nil || !a.Supported {
			return nil, unsupported(rec, "the ATA security feature set")
		}
		enhanced := a.EnhancedErase
		if req.Enhanced != nil {
			enhanced = *req.Enhanced
		}
		if enhanced && !a.EnhancedErase {
			return nil, unsupported(rec, "enhanced security erase")
		}
		// A frozen drive still selects; the driver reports SecurityFrozen
		// with the power-cycle hint.
		return ATASecureErase{Enhanced: enhanced}, nil

	case KindNVMeSanitize:
		n := rec.NVMe
		if n == nil || !(n.SanitizeCrypto || n.SanitizeBlock || n.SanitizeOverwrite) {
			return nil, unsupported(rec, "NVMe sanitize")
		}
		action := req.SanitizeAction
		if action == 0 {
			switch {
			case n.SanitizeCrypto:
				action = nvme.SanitizeCryptoErase
			case n.SanitizeBlock:
				action = nvme.SanitizeBlockErase
			default:
				action = nvme.SanitizeOverwrite
			}
		}
		supported := map[nvme.SanitizeAction]bool{
			nvme.SanitizeCryptoErase: n.SanitizeCrypto,
			nvme.SanitizeBlockErase:  n.SanitizeBlock,
			nvme.SanitizeOverwrite:   n.SanitizeOverwrite,
		}
		if !supported[action] {
			return nil, unsupported(rec, "sanitize action "+action.String())
		}
		return NVMeSanitize{Action: action}, nil

	case KindNVMeFormat:
		n := rec.NVMe
		if n == nil || !n.Format {
			return nil, unsupported(rec, "NVMe Format NVM")
		}
		ses := req.SES
		if ses == nvme.SESNone {
			ses = nvme.SESUserData
			if n.FormatCryptoErase {
				ses = nvme.SESCryptoErase
			}
		}
		if ses == nvme.SESCryptoErase && !n.FormatCryptoErase {
			return nil, unsupported(rec, "cryptographic erase through Format NVM")
		}
		return NVMeFormat{SES: ses}, nil

	case KindCryptoErase:
		if !sedCapable(rec) {
			return nil, unsupported(rec, "TCG Opal crypto erase")
		}
		auth := req.Authority
		if auth == "" {
			auth = opal.CredentialPSID
		}
		if auth == opal.CredentialPSID && !rec.SED.PSIDAvailable {
			return nil, unsupported(rec, "PSID revert")
		}
		return CryptoErase{Authority: auth}, nil
	}
	return nil, failure.New(failure.KindSelectionUnsupported, "unknown erase method %q", req.Kind)
}

func sedCapable(rec *probe.CapabilityRecord) bool {
	s := rec.SED
	return s != nil && s.OpalCompliant && s.LockingSupported && s.MediaEncryption
}

func unsupported(rec *probe.CapabilityRecord, what string) error {
	return failure.New(failure.KindSelectionUnsupported, "%s (%s) does not support %s", rec.Path, rec.Class, what)
}
