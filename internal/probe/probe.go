// Package probe builds the capability record of a device: its class,
// geometry, identity, and which erase feature sets it supports.
package probe

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"securewipe/internal/ata"
	"securewipe/internal/device"
	"securewipe/internal/failure"
	"securewipe/internal/logging"
	"securewipe/internal/nvme"
	"securewipe/internal/opal"
	"securewipe/internal/system"
)

// Class is the device class the method registry keys off.
type Class string

const (
	ClassHDD     Class = "hdd"
	ClassSSD     Class = "ssd"
	ClassNVMe    Class = "nvme"
	ClassUSB     Class = "usb"
	ClassImage   Class = "image"
	ClassUnknown Class = "unknown"
)

type ATASecurity struct {
	Supported             bool          `json:"supported"`
	Enabled               bool          `json:"enabled"`
	Locked                bool          `json:"locked"`
	Frozen                bool          `json:"frozen"`
	CountExpired          bool          `json:"count_expired"`
	EnhancedErase         bool          `json:"enhanced_erase"`
	MasterPasswordMaximum bool          `json:"master_password_maximum"`
	EraseEstimate         time.Duration `json:"erase_estimate"`
	EnhancedEraseEstimate time.Duration `json:"enhanced_erase_estimate"`
}

type NVMeCapabilities struct {
	Format              bool   `json:"format"`
	FormatCryptoErase   bool   `json:"format_crypto_erase"`
	SanitizeCrypto      bool   `json:"sanitize_crypto"`
	SanitizeBlock       bool   `json:"sanitize_block"`
	SanitizeOverwrite   bool   `json:"sanitize_overwrite"`
	SecuritySendReceive bool   `json:"security_send_receive"`
	NamespaceID         uint32 `json:"namespace_id"`
	LBAFormat           uint8  `json:"lba_format"`
}

type SEDCapabilities struct {
	OpalCompliant    bool   `json:"opal_compliant"`
	SSC              string `json:"ssc"`
	LockingSupported bool   `json:"locking_supported"`
	LockingEnabled   bool   `json:"locking_enabled"`
	Locked           bool   `json:"locked"`
	MediaEncryption  bool   `json:"media_encryption"`
	LockingRanges    int    `json:"locking_ranges"`
	PSIDAvailable    bool   `json:"psid_available"`
}

// CapabilityRecord is immutable once Probe returns it.
type CapabilityRecord struct {
	Path        string            `json:"path"`
	Class       Class             `json:"class"`
	SectorSize  int               `json:"sector_size"`
	SectorCount uint64            `json:"sector_count"`
	Vendor      string            `json:"vendor,omitempty"`
	Model       string            `json:"model,omitempty"`
	Serial      string            `json:"serial,omitempty"`
	Firmware    string            `json:"firmware,omitempty"`
	Transport   string            `json:"transport,omitempty"`
	ATA         *ATASecurity      `json:"ata,omitempty"`
	NVMe        *NVMeCapabilities `json:"nvme,omitempty"`
	SED         *SEDCapabilities  `json:"sed,omitempty"`
	ProbedAt    time.Time         `json:"probed_at"`
}

// Size is the capacity in bytes.
func (r *CapabilityRecord) Size() uint64 { return r.SectorCount * uint64(r.SectorSize) }

// Prober interrogates targets.
type Prober struct {
	Logger *logging.EnterpriseLogger
	Now    func() time.Time
}

func New(logger *logging.EnterpriseLogger) *Prober {
	return &Prober{Logger: logger, Now: time.Now}
}

// Probe builds the capability record for t. Errors are terminal for the
// job: ProbeUnsupported when the class cannot be determined,
// ProbePermissionDenied and ProbeIO for failed device queries.
func (p *Prober) Probe(ctx context.Context, t *device.Target) (*CapabilityRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, failure.Wrap(err, failure.KindCancelled, "probe")
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	rec := &CapabilityRecord{
		Path:        t.Handle.Path(),
		SectorSize:  t.Handle.SectorSize(),
		SectorCount: t.Handle.SectorCount(),
		Vendor:      t.Info.Vendor,
		Model:       t.Info.Model,
		Serial:      t.Info.Serial,
		Transport:   t.Info.Transport,
		Class:       classFromHints(t.Info),
		ProbedAt:    now().UTC(),
	}

	var id *ata.Identity
	if t.ATA != nil {
		var err error
		id, err = p.probeATA(ctx, t.ATA, rec)
		if err != nil {
			return nil, err
		}
	}
	if t.NVMe != nil {
		if err := p.probeNVMe(ctx, t.NVMe, rec); err != nil {
			return nil, err
		}
	}

	if rec.Class == ClassUnknown && id != nil && id.RotationRate != 0 {
		if id.NonRotating() {
			rec.Class = ClassSSD
		} else {
			rec.Class = ClassHDD
		}
	}
	if rec.Class == ClassUnknown {
		return nil, failure.New(failure.KindProbeUnsupported, "cannot determine the class of %s", rec.Path)
	}

	if t.TCG != nil && (id == nil || id.TrustedComputing || rec.NVMe != nil) {
		rec.SED = p.probeSED(ctx, t.TCG, rec.Path)
	}

	p.Logger.Log("INFO", "Device probed",
		"device", rec.Path, "class", rec.Class, "model", rec.Model,
		"ata_security", rec.ATA != nil, "nvme", rec.NVMe != nil, "sed", rec.SED != nil && rec.SED.OpalCompliant)
	return rec, nil
}

func classFromHints(info system.DiskInfo) Class {
	if info.Transport == device.TransportImage {
		return ClassImage
	}
	switch info.Type {
	case system.TypeNVMe:
		return ClassNVMe
	case system.TypeUSB:
		return ClassUSB
	case system.TypeHDD:
		return ClassHDD
	case system.TypeSSD:
		return ClassSSD
	}
	return ClassUnknown
}

func (p *Prober) probeATA(ctx context.Context, dev ata.Commander, rec *CapabilityRecord) (*ata.Identity, error) {
	raw, err := dev.Identify(ctx)
	if err != nil {
		if absent(err) {
			p.Logger.Log("DEBUG", "IDENTIFY DEVICE not available", "device", rec.Path, "error", err)
			return nil, nil
		}
		return nil, queryError(err, rec.Path, "IDENTIFY DEVICE")
	}
	id, err := ata.ParseIdentify(raw)
	if err != nil {
		return nil, failure.Wrap(err, failure.KindProbeIO, "decode IDENTIFY DEVICE of %s", rec.Path)
	}

	fillIdentity(rec, id.Model, id.Serial, id.Firmware)
	if id.Security.Supported {
		s := id.Security
		rec.ATA = &ATASecurity{
			Supported:             true,
			Enabled:               s.Enabled,
			Locked:                s.Locked,
			Frozen:                s.Frozen,
			CountExpired:          s.CountExpired,
			EnhancedErase:         s.EnhancedErase,
			MasterPasswordMaximum: s.MasterPasswordMaximum,
			EraseEstimate:         s.EraseTime,
			EnhancedEraseEstimate: s.EnhancedEraseTime,
		}
	}
	return id, nil
}

func (p *Prober) probeNVMe(ctx context.Context, dev nvme.Commander, rec *CapabilityRecord) error {
	raw, err := dev.IdentifyController(ctx)
	if err != nil {
		if absent(err) {
			return nil
		}
		return queryError(err, rec.Path, "Identify Controller")
	}
	ctrl, err := nvme.ParseController(raw)
	if err != nil {
		return failure.Wrap(err, failure.KindProbeIO, "decode Identify Controller of %s", rec.Path)
	}
	fillIdentity(rec, ctrl.Model, ctrl.Serial, ctrl.Firmware)

	nsid := dev.NamespaceID()
	raw, err = dev.IdentifyNamespace(ctx, nsid)
	if err != nil {
		return queryError(err, rec.Path, "Identify Namespace")
	}
	ns, err := nvme.ParseNamespace(raw)
	if err != nil {
		return failure.Wrap(err, failure.KindProbeIO, "decode Identify Namespace of %s", rec.Path)
	}

	rec.NVMe = &NVMeCapabilities{
		Format:              ctrl.SupportsFormat(),
		FormatCryptoErase:   ctrl.FormatCryptoErase(),
		SanitizeCrypto:      ctrl.SupportsSanitizeAction(nvme.SanitizeCryptoErase),
		SanitizeBlock:       ctrl.SupportsSanitizeAction(nvme.SanitizeBlockErase),
		SanitizeOverwrite:   ctrl.SupportsSanitizeAction(nvme.SanitizeOverwrite),
		SecuritySendReceive: ctrl.SupportsSecurity(),
		NamespaceID:         nsid,
		LBAFormat:           ns.FormatIndex,
	}
	if rec.Class == ClassUnknown {
		rec.Class = ClassNVMe
	}
	return nil
}

// probeSED never fails the probe: a drive that does not answer Level 0
// Discovery is simply not self-encrypting.
func (p *Prober) probeSED(ctx context.Context, t opal.Transport, path string) *SEDCapabilities {
	d, err := opal.Discover(ctx, t)
	if err != nil {
		p.Logger.Log("DEBUG", "Level 0 discovery failed; treating as non-SED", "device", path, "error", err)
		return nil
	}
	if d.Locking == nil {
		return nil
	}
	sed := &SEDCapabilities{
		OpalCompliant:    d.OpalCompliant(),
		LockingSupported: d.Locking.Supported,
		LockingEnabled:   d.Locking.Enabled,
		Locked:           d.Locking.Locked,
		MediaEncryption:  d.Locking.MediaEncryption,
		LockingRanges:    d.LockingRanges(),
		PSIDAvailable:    d.PSIDAvailable(),
	}
	if d.SSC != nil {
		sed.SSC = d.SSC.Name
	}
	return sed
}

func fillIdentity(rec *CapabilityRecord, model, serial, firmware string) {
	if model != "" {
		rec.Model = model
	}
	if serial != "" {
		rec.Serial = serial
	}
	if firmware != "" {
		rec.Firmware = firmware
	}
}

// absent reports errors meaning "this protocol is not spoken here".
func absent(err error) bool {
	return errors.Is(err, ata.ErrNotSupported) || errors.Is(err, nvme.ErrNotSupported)
}

func queryError(err error, path, what string) error {
	if errors.Is(err, fs.ErrPermission) {
		return failure.Wrap(err, failure.KindProbePermissionDenied, "%s on %s", what, path)
	}
	return failure.Wrap(err, failure.KindProbeIO, "%s on %s", what, path)
}
