// Package opal detects TCG self-encrypting drives via Level 0 Discovery and
// reverts them to factory state, which discards the media encryption key.
package opal

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	ProtocolInfo       = 0x00
	ProtocolManagement = 0x01
	ComIDDiscoveryL0   = 0x0001

	discoveryBufferSize = 2048
)

// Feature descriptor codes.
const (
	FeatureTPer        uint16 = 0x0001
	FeatureLocking     uint16 = 0x0002
	FeatureGeometry    uint16 = 0x0003
	FeatureEnterprise  uint16 = 0x0100
	FeatureOpalV1      uint16 = 0x0200
	FeatureSingleUser  uint16 = 0x0201
	FeatureDataStore   uint16 = 0x0202
	FeatureOpalV2      uint16 = 0x0203
	FeatureOpalite     uint16 = 0x0301
	FeaturePyriteV1    uint16 = 0x0302
	FeaturePyriteV2    uint16 = 0x0303
	FeatureRubyV1      uint16 = 0x0304
	FeatureLockingLBA  uint16 = 0x0401
	FeatureBlockSID    uint16 = 0x0402
	FeatureDataRemoval uint16 = 0x0404
)

// ErrNotSupported means the device gave no usable discovery response.
var ErrNotSupported = errors.New("opal: device does not support TCG storage")

// Transport carries IF-RECV (TRUSTED RECEIVE / Security Receive).
type Transport interface {
	SecurityReceive(ctx context.Context, protocol uint8, comID uint16, buf []byte) error
}

// Locking is the Locking feature descriptor (0x0002).
type Locking struct {
	Supported       bool
	Enabled         bool
	Locked          bool
	MediaEncryption bool
	MBREnabled      bool
	MBRDone         bool
}

// SSC is the common part of the Opal/Opalite/Pyrite/Ruby SSC descriptors.
type SSC struct {
	Name                  string
	BaseComID             uint16
	NumComIDs             uint16
	LockingAdminAuthority uint16
	LockingUserAuthority  uint16
}

// Discovery is a decoded Level 0 Discovery response.
type Discovery struct {
	MajorVersion int
	MinorVersion int
	TPer         bool
	Locking      *Locking
	SSC          *SSC
	Enterprise   bool
	SingleUser   bool
	BlockSID     bool
	DataRemoval  bool
	Unknown      []uint16
}

// OpalCompliant reports an Opal v1/v2 or Ruby SSC with a Locking feature.
func (d *Discovery) OpalCompliant() bool {
	if d.SSC == nil || d.Locking == nil {
		return false
	}
	switch d.SSC.Name {
	case "opal1", "opal2", "ruby1":
		return true
	}
	return false
}

// LockingRanges is the number of user authorities the Locking SP offers,
// which Opal ties one-to-one to the non-global locking ranges.
func (d *Discovery) LockingRanges() int {
	if d.SSC == nil {
		return 0
	}
	return int(d.SSC.LockingUserAuthority)
}

// PSIDAvailable reports whether a PSID revert is expected to work. PSID is
// defined for Opal 2 and Ruby.
func (d *Discovery) PSIDAvailable() bool {
	return d.SSC != nil && (d.SSC.Name == "opal2" || d.SSC.Name == "ruby1")
}

// Discover issues a Level 0 Discovery over t.
func Discover(ctx context.Context, t Transport) (*Discovery, error) {
	if t == nil {
		return nil, ErrNotSupported
	}
	buf := make([]byte, discoveryBufferSize)
	if err := t.SecurityReceive(ctx, ProtocolManagement, ComIDDiscoveryL0, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSupported, err)
	}
	return ParseDiscovery(buf)
}

type header struct {
	Length uint32
	Major  uint16
	Minor  uint16
	_      [8]byte
	Vendor [32]byte
}

// ParseDiscovery decodes a Level 0 Discovery response.
func ParseDiscovery(raw []byte) (*Discovery, error) {
	r := bytes.NewReader(raw)
	var hdr header
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: short discovery header", ErrNotSupported)
	}
	if hdr.Length == 0 {
		return nil, ErrNotSupported
	}
	total := int(hdr.Length) + 4
	if total > len(raw) {
		total = len(raw)
	}

	d := &Discovery{MajorVersion: int(hdr.Major), MinorVersion: int(hdr.Minor)}
	off := binary.Size(hdr)
	for off+4 <= total {
		code := binary.BigEndian.Uint16(raw[off:])
		length := int(raw[off+3])
		start := off + 4
		end := start + length
		if end > total {
			return nil, fmt.Errorf("opal: feature 0x%04x overruns discovery data", code)
		}
		parseFeature(d, code, raw[start:end])
		off = end
	}
	return d, nil
}

func parseFeature(d *Discovery, code uint16, body []byte) {
	switch code {
	case FeatureTPer:
		d.TPer = true
	case FeatureLocking:
		if len(body) < 1 {
			return
		}
		b := body[0]
		d.Locking = &Locking{
			Supported:       b&0x01 != 0,
			Enabled:         b&0x02 != 0,
			Locked:          b&0x04 != 0,
			MediaEncryption: b&0x08 != 0,
			MBREnabled:      b&0x10 != 0,
			MBRDone:         b&0x20 != 0,
		}
	case FeatureEnterprise:
		d.Enterprise = true
		d.SSC = parseSSC("enterprise", body)
	case FeatureOpalV1:
		d.SSC = parseSSC("opal1", body)
	case FeatureOpalV2:
		d.SSC = parseSSC("opal2", body)
	case FeatureOpalite:
		d.SSC = parseSSC("opalite", body)
	case FeaturePyriteV1:
		d.SSC = parseSSC("pyrite1", body)
	case FeaturePyriteV2:
		d.SSC = parseSSC("pyrite2", body)
	case FeatureRubyV1:
		d.SSC = parseSSC("ruby1", body)
	case FeatureSingleUser:
		d.SingleUser = true
	case FeatureBlockSID:
		d.BlockSID = true
	case FeatureDataRemoval:
		d.DataRemoval = true
	case FeatureGeometry, FeatureDataStore, FeatureLockingLBA:
	default:
		d.Unknown = append(d.Unknown, code)
	}
}

func parseSSC(name string, body []byte) *SSC {
	s := &SSC{Name: name}
	r := bytes.NewReader(body)
	_ = binary.Read(r, binary.BigEndian, &s.BaseComID)
	_ = binary.Read(r, binary.BigEndian, &s.NumComIDs)
	if name == "opal2" || name == "ruby1" || name == "opalite" || name == "pyrite1" || name == "pyrite2" {
		// Range crossing byte, then the authority counts.
		if _, err := r.Seek(1, io.SeekCurrent); err == nil {
			_ = binary.Read(r, binary.BigEndian, &s.LockingAdminAuthority)
			_ = binary.Read(r, binary.BigEndian, &s.LockingUserAuthority)
		}
	}
	return s
}

// FeatureSpec is one descriptor for EncodeDiscovery.
type FeatureSpec struct {
	Code uint16
	Body []byte
}

// EncodeDiscovery builds a Level 0 Discovery response. Simulated drives use
// it to answer IF-RECV.
func EncodeDiscovery(features ...FeatureSpec) []byte {
	var body bytes.Buffer
	for _, f := range features {
		_ = binary.Write(&body, binary.BigEndian, f.Code)
		body.WriteByte(0x10)
		body.WriteByte(byte(len(f.Body)))
		body.Write(f.Body)
	}
	hdr := header{Length: uint32(binary.Size(header{}) - 4 + body.Len()), Major: 0, Minor: 1}
	var out bytes.Buffer
	_ = binary.Write(&out, binary.BigEndian, hdr)
	out.Write(body.Bytes())
	return out.Bytes()
}

// LockingBody encodes a Locking feature descriptor body.
func LockingBody(l Locking) []byte {
	var b byte
	for bit, on := range map[byte]bool{0x01: l.Supported, 0x02: l.Enabled, 0x04: l.Locked, 0x08: l.MediaEncryption, 0x10: l.MBREnabled, 0x20: l.MBRDone} {
		if on {
			b |= bit
		}
	}
	body := make([]byte, 12)
	body[0] = b
	return body
}

// OpalV2Body encodes an Opal SSC V2 descriptor body.
func OpalV2Body(baseComID, admins, users uint16) []byte {
	body := make([]byte, 16)
	binary.BigEndian.PutUint16(body[0:], baseComID)
	binary.BigEndian.PutUint16(body[2:], 1)
	binary.BigEndian.PutUint16(body[5:], admins)
	binary.BigEndian.PutUint16(body[7:], users)
	return body
}
