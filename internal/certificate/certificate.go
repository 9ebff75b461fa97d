// Package certificate issues signed erasure certificates. The body of a
// certificate is serialised as RFC 8785 canonical JSON, hashed with SHA-256
// and signed with Ed25519; Verify recomputes both from any decoded copy.
package certificate

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"securewipe/internal/method"
	"securewipe/internal/probe"
	"securewipe/internal/verify"
)

const (
	// SchemaVersion is bumped whenever a signed field changes meaning.
	SchemaVersion = 1
	Tool          = "securewipe"

	AlgorithmEd25519 = "Ed25519"
	CanonicalJCS     = "JCS-RFC8785"
	DigestSHA256     = "SHA-256"
)

var (
	ErrUnsigned       = errors.New("certificate: no integrity block")
	ErrDigestMismatch = errors.New("certificate: content does not match digest")
	ErrBadSignature   = errors.New("certificate: signature does not verify")
	ErrUntrustedKey   = errors.New("certificate: signed by an untrusted key")
)

// Device identifies the erased drive.
type Device struct {
	Path       string `json:"path" yaml:"path"`
	Class      string `json:"class" yaml:"class"`
	Vendor     string `json:"vendor,omitempty" yaml:"vendor,omitempty"`
	Model      string `json:"model,omitempty" yaml:"model,omitempty"`
	Serial     string `json:"serial,omitempty" yaml:"serial,omitempty"`
	Firmware   string `json:"firmware,omitempty" yaml:"firmware,omitempty"`
	Transport  string `json:"transport,omitempty" yaml:"transport,omitempty"`
	SectorSize int    `json:"sector_size" yaml:"sector_size"`
	Sectors    uint64 `json:"sectors" yaml:"sectors"`
	Capacity   uint64 `json:"capacity_bytes" yaml:"capacity_bytes"`
}

// Method describes how the drive was erased.
type Method struct {
	Kind        string            `json:"kind" yaml:"kind"`
	Description string            `json:"description" yaml:"description"`
	Hardware    bool              `json:"hardware" yaml:"hardware"`
	Parameters  map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Integrity seals the rest of the certificate.
type Integrity struct {
	Canonicalization string `json:"canonicalization" yaml:"canonicalization"`
	DigestAlgorithm  string `json:"digest_algorithm" yaml:"digest_algorithm"`
	Digest           string `json:"digest" yaml:"digest"`
	Algorithm        string `json:"algorithm" yaml:"algorithm"`
	KeyID            string `json:"key_id" yaml:"key_id"`
	PublicKey        string `json:"public_key" yaml:"public_key"`
	Signature        string `json:"signature" yaml:"signature"`
}

// Certificate attests that one device was erased and verified.
type Certificate struct {
	Version      int            `json:"version" yaml:"version"`
	ID           string         `json:"id" yaml:"id"`
	JobID        string         `json:"job_id" yaml:"job_id"`
	IssuedAt     time.Time      `json:"issued_at" yaml:"issued_at"`
	Device       Device         `json:"device" yaml:"device"`
	Method       Method         `json:"method" yaml:"method"`
	Verification *verify.Result `json:"verification" yaml:"verification"`
	StartTime    time.Time      `json:"start_time" yaml:"start_time"`
	EndTime      time.Time      `json:"end_time" yaml:"end_time"`
	Host         string         `json:"host" yaml:"host"`
	Operator     string         `json:"operator,omitempty" yaml:"operator,omitempty"`
	Organization string         `json:"organization,omitempty" yaml:"organization,omitempty"`
	Tool         string         `json:"tool" yaml:"tool"`
	ToolVersion  string         `json:"tool_version" yaml:"tool_version"`
	Integrity    *Integrity     `json:"integrity,omitempty" yaml:"integrity,omitempty"`
}

// Input is what the engine knows once a job completes.
type Input struct {
	JobID        string
	Record       *probe.CapabilityRecord
	Method       method.Method
	Verification *verify.Result
	StartTime    time.Time
	EndTime      time.Time
}

// Emitter builds and signs certificates.
type Emitter struct {
	Key          ed25519.PrivateKey
	Operator     string
	Organization string
	Host         string
	ToolVersion  string
	Now          func() time.Time
}

// NewEmitter signs with key and fills the host from os.Hostname.
func NewEmitter(key ed25519.PrivateKey, operator, organization, version string) *Emitter {
	host, _ := os.Hostname()
	return &Emitter{Key: key, Operator: operator, Organization: organization, Host: host, ToolVersion: version, Now: time.Now}
}

// Emit builds the certificate for in and seals it.
func (e *Emitter) Emit(in Input) (*Certificate, error) {
	if in.Record == nil || in.Method == nil {
		return nil, fmt.Errorf("certificate: record and method are required")
	}
	if len(e.Key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("certificate: no signing key")
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	verification := in.Verification
	if verification == nil {
		verification = verify.NotPerformed(in.Method)
	}
	rec := in.Record
	c := &Certificate{
		Version:  SchemaVersion,
		ID:       uuid.NewString(),
		JobID:    in.JobID,
		IssuedAt: now().UTC(),
		Device: Device{
			Path:       rec.Path,
			Class:      string(rec.Class),
			Vendor:     rec.Vendor,
			Model:      rec.Model,
			Serial:     rec.Serial,
			Firmware:   rec.Firmware,
			Transport:  rec.Transport,
			SectorSize: rec.SectorSize,
			Sectors:    rec.SectorCount,
			Capacity:   rec.Size(),
		},
		Method: Method{
			Kind:        string(in.Method.Kind()),
			Description: in.Method.String(),
			Hardware:    method.Hardware(in.Method),
			Parameters:  in.Method.Parameters(),
		},
		Verification: verification,
		StartTime:    in.StartTime.UTC(),
		EndTime:      in.EndTime.UTC(),
		Host:         e.Host,
		Operator:     e.Operator,
		Organization: e.Organization,
		Tool:         Tool,
		ToolVersion:  e.ToolVersion,
	}
	if err := Sign(c, e.Key); err != nil {
		return nil, err
	}
	return c, nil
}

// Sign replaces the integrity block of c.
func Sign(c *Certificate, key ed25519.PrivateKey) error {
	digest, err := Digest(c)
	if err != nil {
		return err
	}
	pub := key.Public().(ed25519.PublicKey)
	c.Integrity = &Integrity{
		Canonicalization: CanonicalJCS,
		DigestAlgorithm:  DigestSHA256,
		Digest:           hex.EncodeToString(digest),
		Algorithm:        AlgorithmEd25519,
		KeyID:            KeyID(pub),
		PublicKey:        hex.EncodeToString(pub),
		Signature:        hex.EncodeToString(ed25519.Sign(key, digest)),
	}
	return nil
}

// Digest is the SHA-256 of the canonical JSON of c without its integrity
// block.
func Digest(c *Certificate) ([]byte, error) {
	body := *c
	body.Integrity = nil
	raw, err := json.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("certificate: marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("certificate: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return sum[:], nil
}

// Verify recomputes the digest of c and checks the signature. When trusted
// is non-nil the certificate must also be signed by that key.
func Verify(c *Certificate, trusted ed25519.PublicKey) error {
	in := c.Integrity
	if in == nil || in.Signature == "" {
		return ErrUnsigned
	}
	if in.Algorithm != AlgorithmEd25519 || in.Canonicalization != CanonicalJCS || in.DigestAlgorithm != DigestSHA256 {
		return fmt.Errorf("certificate: unsupported integrity scheme %s/%s/%s", in.Canonicalization, in.DigestAlgorithm, in.Algorithm)
	}
	digest, err := Digest(c)
	if err != nil {
		return err
	}
	if hex.EncodeToString(digest) != in.Digest {
		return ErrDigestMismatch
	}
	pub, err := hex.DecodeString(in.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("certificate: invalid public key")
	}
	if trusted != nil && !trusted.Equal(ed25519.PublicKey(pub)) {
		return ErrUntrustedKey
	}
	sig, err := hex.DecodeString(in.Signature)
	if err != nil {
		return fmt.Errorf("certificate: invalid signature encoding: %w", err)
	}
	if !ed25519.Verify(pub, digest, sig) {
		return ErrBadSignature
	}
	return nil
}

// KeyID is the first eight bytes of the SHA-256 of the public key, in hex.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}
