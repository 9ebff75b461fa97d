package verify

import (
	"fmt"
	"math/rand"
	"sort"

	"securewipe/internal/config"
)

// Mode selects how much of the device is read back.
type Mode string

const (
	ModeSample Mode = "sample"
	ModeFull   Mode = "full"
)

// Strategy controls the verification read plan.
type Strategy struct {
	Mode Mode
	// SamplePercent is the share of sectors read in sample mode, in percent.
	SamplePercent float64
	// RegionBytes guarantees at least one sampled sector per region.
	RegionBytes int64
	// FingerprintSectors is how many sectors are fingerprinted before a
	// hardware erase.
	FingerprintSectors int
}

// DefaultStrategy samples 0.1% of the device with one sector per MiB.
func DefaultStrategy() Strategy {
	return Strategy{Mode: ModeSample, SamplePercent: 0.1, RegionBytes: 1 << 20, FingerprintSectors: 256}
}

// StrategyFromConfig maps the verify section of the configuration.
func StrategyFromConfig(cfg config.VerifyConfig) (Strategy, error) {
	s := DefaultStrategy()
	switch Mode(cfg.Mode) {
	case "":
	case ModeSample, ModeFull:
		s.Mode = Mode(cfg.Mode)
	default:
		return s, fmt.Errorf("unknown verification mode: %s", cfg.Mode)
	}
	if cfg.SamplePercent > 0 {
		s.SamplePercent = cfg.SamplePercent
	}
	if cfg.RegionBytes > 0 {
		s.RegionBytes = cfg.RegionBytes
	}
	if cfg.Fingerprint > 0 {
		s.FingerprintSectors = cfg.Fingerprint
	}
	return s, nil
}

func (s Strategy) String() string {
	if s.Mode == ModeFull {
		return "full"
	}
	return fmt.Sprintf("sample(%.3g%%, 1 per %d bytes)", s.SamplePercent, s.RegionBytes)
}

// SamplePlan returns the sorted, distinct sectors to read in sample mode:
// one random sector in every region, topped up with uniformly random
// sectors until SamplePercent of the device is covered.
func (s Strategy) SamplePlan(sectors uint64, sectorSize int, rng *rand.Rand) []uint64 {
	if sectors == 0 {
		return nil
	}
	perRegion := uint64(1)
	if s.RegionBytes > int64(sectorSize) {
		perRegion = uint64(s.RegionBytes) / uint64(sectorSize)
	}

	picked := map[uint64]struct{}{}
	for start := uint64(0); start < sectors; start += perRegion {
		span := perRegion
		if start+span > sectors {
			span = sectors - start
		}
		picked[start+uint64(rng.Int63n(int64(span)))] = struct{}{}
	}

	want := uint64(float64(sectors) * s.SamplePercent / 100)
	if want > sectors {
		want = sectors
	}
	for uint64(len(picked)) < want {
		picked[uint64(rng.Int63n(int64(sectors)))] = struct{}{}
	}
	return sortedKeys(picked)
}

// FingerprintPlan spreads n sectors across the device: the first and last
// sector, the rest evenly spaced with random jitter.
func (s Strategy) FingerprintPlan(sectors uint64, rng *rand.Rand) []uint64 {
	n := uint64(s.FingerprintSectors)
	if n == 0 || sectors == 0 {
		return nil
	}
	if n >= sectors {
		out := make([]uint64, sectors)
		for i := range out {
			out[i] = uint64(i)
		}
		return out
	}
	picked := map[uint64]struct{}{0: {}, sectors - 1: {}}
	stride := sectors / n
	for i := uint64(0); uint64(len(picked)) < n && i < n; i++ {
		picked[i*stride+uint64(rng.Int63n(int64(stride)))] = struct{}{}
	}
	return sortedKeys(picked)
}

func sortedKeys(m map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
