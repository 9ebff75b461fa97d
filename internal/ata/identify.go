package ata

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// Identity is the decoded subset of IDENTIFY DEVICE data.
type Identity struct {
	Model            string
	Serial           string
	Firmware         string
	Sectors          uint64
	LogicalSize      int
	RotationRate     uint16 // word 217: 1 = non-rotating media
	TrustedComputing bool
	Security         Security
}

// Security is word 128 plus the erase time words 89 and 90.
type Security struct {
	Supported             bool
	Enabled               bool
	Locked                bool
	Frozen                bool
	CountExpired          bool
	EnhancedErase         bool
	MasterPasswordMaximum bool
	EraseTime             time.Duration
	EnhancedEraseTime     time.Duration
}

const (
	secSupported     = 1 << 0
	secEnabled       = 1 << 1
	secLocked        = 1 << 2
	secFrozen        = 1 << 3
	secCountExpired  = 1 << 4
	secEnhancedErase = 1 << 5
	secLevelMaximum  = 1 << 8
)

// NonRotating reports whether word 217 identifies solid-state media.
func (id *Identity) NonRotating() bool { return id.RotationRate == 1 }

// ParseIdentify decodes a 512-byte IDENTIFY DEVICE response.
func ParseIdentify(buf []byte) (*Identity, error) {
	if len(buf) < SectorSize {
		return nil, fmt.Errorf("ata: identify data is %d bytes, want %d", len(buf), SectorSize)
	}
	w := func(i int) uint16 { return binary.LittleEndian.Uint16(buf[i*2:]) }

	id := &Identity{
		Serial:       identString(buf, 10, 20),
		Firmware:     identString(buf, 23, 27),
		Model:        identString(buf, 27, 47),
		RotationRate: w(217),
		LogicalSize:  SectorSize,
	}

	if w(83)&(1<<10) != 0 {
		id.Sectors = uint64(w(100)) | uint64(w(101))<<16 | uint64(w(102))<<32 | uint64(w(103))<<48
	} else {
		id.Sectors = uint64(w(60)) | uint64(w(61))<<16
	}

	// Word 106 is valid when bit 14 is set and bit 15 clear.
	if w106 := w(106); w106&0xC000 == 0x4000 && w106&(1<<12) != 0 {
		words := uint32(w(117)) | uint32(w(118))<<16
		if words > 0 {
			id.LogicalSize = int(words) * 2
		}
	}

	if w48 := w(48); w48&0xC000 == 0x4000 && w48&1 != 0 {
		id.TrustedComputing = true
	}

	sec := w(128)
	id.Security = Security{
		Supported:             sec&secSupported != 0 || w(82)&(1<<1) != 0,
		Enabled:               sec&secEnabled != 0,
		Locked:                sec&secLocked != 0,
		Frozen:                sec&secFrozen != 0,
		CountExpired:          sec&secCountExpired != 0,
		EnhancedErase:         sec&secEnhancedErase != 0,
		MasterPasswordMaximum: sec&secLevelMaximum != 0,
		EraseTime:             eraseTime(w(89)),
		EnhancedEraseTime:     eraseTime(w(90)),
	}
	return id, nil
}

// eraseTime decodes words 89/90. Bit 15 selects the extended format; either
// way the value counts two-minute units and zero means "not reported".
func eraseTime(word uint16) time.Duration {
	var units uint16
	if word&0x8000 != 0 {
		units = word & 0x7FFF
	} else {
		units = word & 0x00FF
	}
	return time.Duration(units) * 2 * time.Minute
}

// identString decodes an ATA string spanning words [from, to). Each word
// holds two characters, high byte first.
func identString(buf []byte, from, to int) string {
	out := make([]byte, 0, (to-from)*2)
	for i := from; i < to; i++ {
		out = append(out, buf[i*2+1], buf[i*2])
	}
	return strings.TrimSpace(strings.TrimRight(string(out), "\x00 "))
}

// EncodeIdentify renders id as IDENTIFY DEVICE data. Simulated devices use
// it to answer IDENTIFY.
func EncodeIdentify(id *Identity) []byte {
	buf := make([]byte, SectorSize)
	put := func(i int, v uint16) { binary.LittleEndian.PutUint16(buf[i*2:], v) }
	putString := func(from, to int, s string) {
		padded := []byte(fmt.Sprintf("%-*s", (to-from)*2, s))
		for i := from; i < to; i++ {
			buf[i*2+1] = padded[(i-from)*2]
			buf[i*2] = padded[(i-from)*2+1]
		}
	}

	putString(10, 20, id.Serial)
	putString(23, 27, id.Firmware)
	putString(27, 47, id.Model)

	put(83, 1<<10)
	for i := 0; i < 4; i++ {
		put(100+i, uint16(id.Sectors>>(16*i)))
	}
	if id.Sectors < 1<<28 {
		put(60, uint16(id.Sectors))
		put(61, uint16(id.Sectors>>16))
	}
	if id.LogicalSize > SectorSize {
		put(106, 0x4000|1<<12)
		words := uint32(id.LogicalSize / 2)
		put(117, uint16(words))
		put(118, uint16(words>>16))
	}
	if id.TrustedComputing {
		put(48, 0x4001)
	}
	put(217, id.RotationRate)

	s := id.Security
	var sec uint16
	for bit, on := range map[uint16]bool{
		secSupported: s.Supported, secEnabled: s.Enabled, secLocked: s.Locked,
		secFrozen: s.Frozen, secCountExpired: s.CountExpired, secEnhancedErase: s.EnhancedErase,
		secLevelMaximum: s.MasterPasswordMaximum,
	} {
		if on {
			sec |= bit
		}
	}
	put(128, sec)
	if s.Supported {
		put(82, 1<<1)
	}
	put(89, encodeEraseTime(s.EraseTime))
	put(90, encodeEraseTime(s.EnhancedEraseTime))
	return buf
}

func encodeEraseTime(d time.Duration) uint16 {
	units := uint16(d / (2 * time.Minute))
	if units > 0xFF {
		return 0x8000 | (units & 0x7FFF)
	}
	return units
}
