package wipe

import (
	"fmt"
	"strings"
)

// Pattern names an overwrite scheme.
type Pattern string

const (
	PatternZero    Pattern = "zero"
	PatternRandom  Pattern = "random"
	PatternDoD     Pattern = "dod"
	PatternGutmann Pattern = "gutmann"
)

// PassKind is what one pass writes.
type PassKind string

const (
	// PassFixed writes a repeating byte pattern.
	PassFixed PassKind = "fixed"
	// PassComplement writes the bitwise complement of the previous fixed pass.
	PassComplement PassKind = "complement"
	// PassRandom writes an AES-CTR keystream under a fresh key.
	PassRandom PassKind = "random"
)

// Pass is one full-device write. For fixed and complement passes Bytes is
// the repeating unit, aligned to device offset zero.
type Pass struct {
	Kind  PassKind
	Bytes []byte
}

func (p Pass) String() string {
	switch p.Kind {
	case PassRandom:
		return "random"
	case PassComplement:
		return "complement(" + hexPattern(p.Bytes) + ")"
	default:
		return hexPattern(p.Bytes)
	}
}

// Spec is an ordered list of passes.
type Spec struct {
	Pattern Pattern
	Passes  []Pass
}

// ParsePattern accepts the pattern names and a few common aliases.
func ParsePattern(s string) (Pattern, error) {
	switch strings.ToLower(s) {
	case "zero", "zeros", "zeroes":
		return PatternZero, nil
	case "random", "rand":
		return PatternRandom, nil
	case "dod", "dod5220", "dod5220.22-m":
		return PatternDoD, nil
	case "gutmann":
		return PatternGutmann, nil
	}
	return "", fmt.Errorf("unknown overwrite pattern: %s", s)
}

// NewSpec returns the pass list for p.
func NewSpec(p Pattern) (Spec, error) {
	switch p {
	case PatternZero:
		return Spec{Pattern: p, Passes: []Pass{fixed(0x00)}}, nil
	case PatternRandom:
		return Spec{Pattern: p, Passes: []Pass{{Kind: PassRandom}}}, nil
	case PatternDoD:
		// DoD 5220.22-M: a character, its complement, then random.
		first := fixed(0x00)
		return Spec{Pattern: p, Passes: []Pass{first, complement(first), {Kind: PassRandom}}}, nil
	case PatternGutmann:
		return Spec{Pattern: p, Passes: gutmannPasses()}, nil
	}
	return Spec{}, fmt.Errorf("unknown overwrite pattern: %s", p)
}

// MustSpec is NewSpec for known-good patterns.
func MustSpec(p Pattern) Spec {
	s, err := NewSpec(p)
	if err != nil {
		panic(err)
	}
	return s
}

// PassCount is the number of passes Spec performs.
func (s Spec) PassCount() int { return len(s.Passes) }

// String describes the spec for logs and certificates.
func (s Spec) String() string {
	if len(s.Passes) > 6 {
		return fmt.Sprintf("%s (%d passes)", s.Pattern, len(s.Passes))
	}
	names := make([]string, len(s.Passes))
	for i, p := range s.Passes {
		names[i] = p.String()
	}
	return fmt.Sprintf("%s (%d passes: %s)", s.Pattern, len(s.Passes), strings.Join(names, ", "))
}

func fixed(b ...byte) Pass { return Pass{Kind: PassFixed, Bytes: b} }

func complement(prev Pass) Pass {
	out := make([]byte, len(prev.Bytes))
	for i, b := range prev.Bytes {
		out[i] = ^b
	}
	return Pass{Kind: PassComplement, Bytes: out}
}

// gutmannPasses is Peter Gutmann's 35-pass sequence: four random passes,
// 27 fixed patterns targeting MFM/RLL encodings, four random passes.
func gutmannPasses() []Pass {
	passes := make([]Pass, 0, 35)
	for i := 0; i < 4; i++ {
		passes = append(passes, Pass{Kind: PassRandom})
	}
	passes = append(passes,
		fixed(0x55),
		fixed(0xAA),
		fixed(0x92, 0x49, 0x24),
		fixed(0x49, 0x24, 0x92),
		fixed(0x24, 0x92, 0x49),
	)
	for b := 0x00; b <= 0xFF; b += 0x11 {
		passes = append(passes, fixed(byte(b)))
	}
	passes = append(passes,
		fixed(0x92, 0x49, 0x24),
		fixed(0x49, 0x24, 0x92),
		fixed(0x24, 0x92, 0x49),
		fixed(0x6D, 0xB6, 0xDB),
		fixed(0xB6, 0xDB, 0x6D),
		fixed(0xDB, 0x6D, 0xB6),
	)
	for i := 0; i < 4; i++ {
		passes = append(passes, Pass{Kind: PassRandom})
	}
	return passes
}

func hexPattern(b []byte) string {
	var sb strings.Builder
	sb.WriteString("0x")
	for _, c := range b {
		fmt.Fprintf(&sb, "%02X", c)
	}
	return sb.String()
}
