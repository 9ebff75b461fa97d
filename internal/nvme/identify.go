package nvme

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// Controller holds the Identify Controller fields the prober needs.
type Controller struct {
	Serial   string
	Model    string
	Firmware string
	OACS     uint16
	SANICAP  uint32
	FNA      uint8
}

const (
	oacsSecurity = 1 << 0
	oacsFormat   = 1 << 1

	sanicapCrypto    = 1 << 0
	sanicapBlock     = 1 << 1
	sanicapOverwrite = 1 << 2

	fnaCryptoErase = 1 << 2
)

func (c *Controller) SupportsSecurity() bool { return c.OACS&oacsSecurity != 0 }
func (c *Controller) SupportsFormat() bool { return c.OACS&oacsFormat != 0 }
func (c *Controller) FormatCryptoErase() bool { return c.SupportsFormat() && c.FNA&fnaCryptoErase != 0 }
func (c *Controller) SupportsSanitize() bool { return c.SANICAP&(sanicapCrypto|sanicapBlock|sanicapOverwrite) != 0 }

// SupportsSanitizeAction reports SANICAP support for a.
func (c *Controller) SupportsSanitizeAction(a SanitizeAction) bool {
	switch a {
	case SanitizeCryptoErase:
		return c.SANICAP&sanicapCrypto != 0
	case SanitizeBlockErase:
		return c.SANICAP&sanicapBlock != 0
	case SanitizeOverwrite:
		return c.SANICAP&sanicapOverwrite != 0
	}
	return false
}

// ParseController decodes Identify Controller data (CNS 01h).
func ParseController(buf []byte) (*Controller, error) {
	if len(buf) < IdentifyDataSize {
		return nil, fmt.Errorf("nvme: identify controller data is %d bytes, want %d", len(buf), IdentifyDataSize)
	}
	return &Controller{
		Serial:   identString(buf[4:24]),
		Model:    identString(buf[24:64]),
		Firmware: identString(buf[64:72]),
		OACS:     binary.LittleEndian.Uint16(buf[256:258]),
		SANICAP:  binary.LittleEndian.Uint32(buf[328:332]),
		FNA:      buf[524],
	}, nil
}

// identString trims the space and NUL padding of an Identify string field.
func identString(b []byte) string {
	return strings.TrimSpace(strings.TrimRight(string(b), "\x00 "))
}

// EncodeController renders c as Identify Controller data.
func EncodeController(c *Controller) []byte {
	buf := make([]byte, IdentifyDataSize)
	copy(buf[4:24], fmt.Sprintf("%-20s", c.Serial))
	copy(buf[24:64], fmt.Sprintf("%-40s", c.Model))
	copy(buf[64:72], fmt.Sprintf("%-8s", c.Firmware))
	binary.LittleEndian.PutUint16(buf[256:258], c.OACS)
	binary.LittleEndian.PutUint32(buf[328:332], c.SANICAP)
	buf[524] = c.FNA
	return buf
}

// Namespace holds the Identify Namespace fields needed to re-format a
// namespace without changing its geometry.
type Namespace struct {
	Size        uint64
	FormatIndex uint8
	LBASize     int
}

// ParseNamespace decodes Identify Namespace data (CNS 00h).
func ParseNamespace(buf []byte) (*Namespace, error) {
	if len(buf) < IdentifyDataSize {
		return nil, fmt.Errorf("nvme: identify namespace data is %d bytes, want %d", len(buf), IdentifyDataSize)
	}
	flbas := buf[26]
	// FLBAS bits 3:0 plus bits 6:5 as the upper index bits.
	index := flbas&0x0F | (flbas>>5&0x03)<<4
	lbaf := buf[128+int(index)*4:]
	lbads := lbaf[2]
	ns := &Namespace{
		Size:        binary.LittleEndian.Uint64(buf[0:8]),
		FormatIndex: index,
	}
	if lbads >= 9 && lbads < 32 {
		ns.LBASize = 1 << lbads
	}
	return ns, nil
}

// EncodeNamespace renders ns with a single LBA format at ns.FormatIndex.
func EncodeNamespace(ns *Namespace) []byte {
	buf := make([]byte, IdentifyDataSize)
	binary.LittleEndian.PutUint64(buf[0:8], ns.Size)
	binary.LittleEndian.PutUint64(buf[8:16], ns.Size)
	buf[26] = ns.FormatIndex & 0x0F
	lbads := uint8(0)
	for s := ns.LBASize; s > 1; s >>= 1 {
		lbads++
	}
	buf[128+int(ns.FormatIndex&0x0F)*4+2] = lbads
	return buf
}

// SanitizeState is SSTAT bits 2:0 of the Sanitize Status log.
type SanitizeState uint8

const (
	SanitizeNever              SanitizeState = 0
	SanitizeSucceeded          SanitizeState = 1
	SanitizeInProgress         SanitizeState = 2
	SanitizeFailed             SanitizeState = 3
	SanitizeSucceededNoDealloc SanitizeState = 4
)

func (s SanitizeState) String() string {
	switch s {
	case SanitizeNever:
		return "never-sanitized"
	case SanitizeSucceeded:
		return "succeeded"
	case SanitizeInProgress:
		return "in-progress"
	case SanitizeFailed:
		return "failed"
	case SanitizeSucceededNoDealloc:
		return "succeeded-no-deallocate"
	}
	return fmt.Sprintf("sstat(%d)", uint8(s))
}

// Succeeded reports either success state.
func (s SanitizeState) Succeeded() bool {
	return s == SanitizeSucceeded || s == SanitizeSucceededNoDealloc
}

// SanitizeStatus is the decoded Sanitize Status log page (LID 81h).
type SanitizeStatus struct {
	Progress   uint16 // SPROG, numerator over 65536
	State      SanitizeState
	LastAction SanitizeAction // from SCDW10
	Estimates  map[SanitizeAction]time.Duration
}

// Percent converts SPROG to a 0-100 value. Completed operations report
// 0xFFFF.
func (s *SanitizeStatus) Percent() int {
	if s.State.Succeeded() {
		return 100
	}
	return int(uint32(s.Progress) * 100 / 65536)
}

// Estimate returns the controller's estimate for a, or zero when unreported.
func (s *SanitizeStatus) Estimate(a SanitizeAction) time.Duration {
	return s.Estimates[a]
}

// ParseSanitizeLog decodes the first 20 bytes of the Sanitize Status log.
func ParseSanitizeLog(buf []byte) (*SanitizeStatus, error) {
	if len(buf) < 20 {
		return nil, fmt.Errorf("nvme: sanitize log is %d bytes, want at least 20", len(buf))
	}
	st := &SanitizeStatus{
		Progress:   binary.LittleEndian.Uint16(buf[0:2]),
		State:      SanitizeState(binary.LittleEndian.Uint16(buf[2:4]) & 0x7),
		LastAction: SanitizeAction(binary.LittleEndian.Uint32(buf[4:8]) & 0x7),
		Estimates:  map[SanitizeAction]time.Duration{},
	}
	for off, a := range map[int]SanitizeAction{8: SanitizeOverwrite, 12: SanitizeBlockErase, 16: SanitizeCryptoErase} {
		if secs := binary.LittleEndian.Uint32(buf[off : off+4]); secs != 0xFFFFFFFF && secs != 0 {
			st.Estimates[a] = time.Duration(secs) * time.Second
		}
	}
	return st, nil
}

// EncodeSanitizeLog renders st as a Sanitize Status log page.
func EncodeSanitizeLog(st *SanitizeStatus) []byte {
	buf := make([]byte, SanitizeLogSize)
	binary.LittleEndian.PutUint16(buf[0:2], st.Progress)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(st.State))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(st.LastAction))
	for off, a := range map[int]SanitizeAction{8: SanitizeOverwrite, 12: SanitizeBlockErase, 16: SanitizeCryptoErase} {
		secs := uint32(0xFFFFFFFF)
		if d, ok := st.Estimates[a]; ok {
			secs = uint32(d / time.Second)
		}
		binary.LittleEndian.PutUint32(buf[off:off+4], secs)
	}
	return buf
}
