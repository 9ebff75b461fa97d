package wipe

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// KeySize is the AES-256 key length used for random passes.
const KeySize = 32

// Keystream is an AES-256-CTR stream addressable by byte offset, so any
// region of a random pass can be regenerated for verification.
type Keystream struct {
	block cipher.Block
}

func NewKeystream(key []byte) (*Keystream, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("keystream key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Keystream{block: block}, nil
}

// Fill writes the keystream bytes for [off, off+len(buf)) into buf.
func (k *Keystream) Fill(buf []byte, off int64) {
	var iv [aes.BlockSize]byte
	binary.BigEndian.PutUint64(iv[8:], uint64(off)/aes.BlockSize)
	stream := cipher.NewCTR(k.block, iv[:])

	if skip := int(uint64(off) % aes.BlockSize); skip > 0 {
		var scratch [aes.BlockSize]byte
		stream.XORKeyStream(scratch[:skip], scratch[:skip])
	}
	for i := range buf {
		buf[i] = 0
	}
	stream.XORKeyStream(buf, buf)
}

// Expectation is what a pass left on the media, enough to regenerate any
// byte of it.
type Expectation struct {
	Kind  PassKind
	Bytes []byte
	Key   []byte
}

// Known reports whether the content can be regenerated exactly.
func (e *Expectation) Known() bool {
	if e == nil {
		return false
	}
	if e.Kind == PassRandom {
		return len(e.Key) == KeySize
	}
	return len(e.Bytes) > 0
}

// Fill writes the expected content at device offset off into buf.
func (e *Expectation) Fill(buf []byte, off int64) error {
	switch e.Kind {
	case PassRandom:
		ks, err := NewKeystream(e.Key)
		if err != nil {
			return err
		}
		ks.Fill(buf, off)
		return nil
	case PassFixed, PassComplement:
		FillPattern(buf, e.Bytes, off)
		return nil
	}
	return fmt.Errorf("unknown pass kind %q", e.Kind)
}

// FillPattern tiles pattern into buf as if it started at device offset zero.
func FillPattern(buf, pattern []byte, off int64) {
	if len(pattern) == 1 {
		FillBufferPattern(buf, pattern[0])
		return
	}
	n := int64(len(pattern))
	for i := range buf {
		buf[i] = pattern[(off+int64(i))%n]
	}
}
