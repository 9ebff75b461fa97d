package verify

import (
	"context"
	"math/rand"

	"github.com/zeebo/blake3"

	"securewipe/internal/device"
	"securewipe/internal/failure"
)

// Fingerprint records digests of sampled sectors taken before a hardware
// erase. After the erase every sector that held data must read back
// differently.
type Fingerprint struct {
	Sectors []uint64
	Digests [][32]byte
	// Blank marks sectors that were all zero; they prove nothing.
	Blank []bool
}

// NonBlank counts fingerprinted sectors that held data.
func (f *Fingerprint) NonBlank() int {
	n := 0
	for _, b := range f.Blank {
		if !b {
			n++
		}
	}
	return n
}

// TakeFingerprint reads and digests the fingerprint plan of h.
func (v *Verifier) TakeFingerprint(ctx context.Context, h device.Handle) (*Fingerprint, error) {
	rng := v.rng()
	plan := v.Strategy.FingerprintPlan(h.SectorCount(), rng)
	fp := &Fingerprint{Sectors: plan, Digests: make([][32]byte, len(plan)), Blank: make([]bool, len(plan))}

	buf := make([]byte, h.SectorSize())
	for i, sector := range plan {
		if err := checkpoint(ctx); err != nil {
			return nil, err
		}
		if _, err := h.ReadAt(buf, int64(sector)*int64(len(buf))); err != nil {
			return nil, failure.Wrap(err, failure.KindIOError, "fingerprint read of %s at sector %d", h.Path(), sector)
		}
		fp.Digests[i] = blake3.Sum256(buf)
		fp.Blank[i] = allBytes(buf, 0)
	}
	v.Logger.Log("DEBUG", "Pre-erase fingerprint taken", "device", h.Path(), "sectors", len(plan), "non_blank", fp.NonBlank())
	return fp, nil
}

func (v *Verifier) rng() *rand.Rand {
	if v.Rand != nil {
		v.randMu.Lock()
		seed := v.Rand.Int63()
		v.randMu.Unlock()
		return rand.New(rand.NewSource(seed))
	}
	return rand.New(rand.NewSource(v.now().UnixNano()))
}

func allBytes(buf []byte, b byte) bool {
	for _, c := range buf {
		if c != b {
			return false
		}
	}
	return true
}

func checkpoint(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return failure.Wrap(ctx.Err(), failure.KindCancelled, "verification cancelled")
	default:
		return nil
	}
}
