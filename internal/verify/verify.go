// Package verify checks that an erase took effect: it reads back sampled
// or all sectors after an overwrite, and compares pre- and post-erase
// fingerprints and device state after a hardware erase.
package verify

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"securewipe/internal/ata"
	"securewipe/internal/device"
	"securewipe/internal/failure"
	"securewipe/internal/logging"
	"securewipe/internal/method"
	"securewipe/internal/nvme"
	"securewipe/internal/opal"
	"securewipe/internal/progress"
	"securewipe/internal/wipe"
)

const (
	maxReported = 16
	fullChunk   = 1 << 20
	// chiSquareLimit rejects byte histograms that are not uniform. For 255
	// degrees of freedom the mean is 255 and the deviation about 22.6.
	chiSquareLimit = 400
	// minDistinct is the fewest distinct byte values a random sector of 512
	// bytes or more may contain.
	minDistinct = 64
)

// Check is one named verification step.
type Check struct {
	Name   string `json:"name" yaml:"name"`
	Passed bool   `json:"passed" yaml:"passed"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Discrepancy is a sector that did not read back as expected.
type Discrepancy struct {
	Sector uint64 `json:"sector" yaml:"sector"`
	Reason string `json:"reason" yaml:"reason"`
}

// Result is the outcome of verifying one erase.
type Result struct {
	Method         string        `json:"method" yaml:"method"`
	Strategy       string        `json:"strategy" yaml:"strategy"`
	Performed      bool          `json:"performed" yaml:"performed"`
	Passed         bool          `json:"passed" yaml:"passed"`
	SectorsChecked uint64        `json:"sectors_checked" yaml:"sectors_checked"`
	Discrepancies  int           `json:"discrepancies" yaml:"discrepancies"`
	First          []Discrepancy `json:"first_discrepancies,omitempty" yaml:"first_discrepancies,omitempty"`
	Checks         []Check       `json:"checks" yaml:"checks"`
	// Digest is the blake3 hash of every sector read, prefixed by its index.
	Digest    string    `json:"digest,omitempty" yaml:"digest,omitempty"`
	StartTime time.Time `json:"start_time" yaml:"start_time"`
	EndTime   time.Time `json:"end_time" yaml:"end_time"`
}

// NotPerformed is the result recorded when verification is disabled.
func NotPerformed(m method.Method) *Result {
	return &Result{Method: m.String(), Strategy: "none", Checks: []Check{}}
}

func (r *Result) add(name string, passed bool, detail string, args ...interface{}) {
	r.Checks = append(r.Checks, Check{Name: name, Passed: passed, Detail: fmt.Sprintf(detail, args...)})
}

func (r *Result) discrepancy(sector uint64, reason string) {
	r.Discrepancies++
	if len(r.First) < maxReported {
		r.First = append(r.First, Discrepancy{Sector: sector, Reason: reason})
	}
}

func (r *Result) failed() []string {
	var names []string
	for _, c := range r.Checks {
		if !c.Passed {
			names = append(names, c.Name)
		}
	}
	return names
}

// Input is what the verifier needs to know about a finished erase.
type Input struct {
	Handle device.Handle
	Method method.Method
	// Final is the content the last overwrite pass left, nil if unknown.
	Final *wipe.Expectation
	// Fingerprint is taken before a hardware erase.
	Fingerprint *Fingerprint
	ATA         ata.Commander
	NVMe        nvme.Commander
	TCG         opal.Transport
}

// Verifier runs the checks that apply to a method.
type Verifier struct {
	Strategy Strategy
	Logger   *logging.EnterpriseLogger
	// Rand seeds sampling; the clock does when nil. Jobs sharing the
	// verifier each draw their own generator from it.
	Rand *rand.Rand
	Now  func() time.Time

	randMu sync.Mutex
}

func New(strategy Strategy, logger *logging.EnterpriseLogger) *Verifier {
	return &Verifier{Strategy: strategy, Logger: logger}
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Verify checks the erase described by in. A failed check yields the result
// together with a VerificationFailed error.
func (v *Verifier) Verify(ctx context.Context, in Input, sink progress.Sink) (*Result, error) {
	if sink == nil {
		sink = progress.Discard
	}
	res := &Result{Method: in.Method.String(), Strategy: v.Strategy.String(), Performed: true, StartTime: v.now()}
	log := v.Logger.With("device", in.Handle.Path(), "method", res.Method)
	log.Log("INFO", "Verification started", "strategy", res.Strategy)

	var err error
	switch m := in.Method.(type) {
	case method.Overwrite:
		err = v.checkOverwrite(ctx, in, res, sink)
	case method.ATASecureErase:
		v.checkATA(ctx, in, res)
		err = v.checkFingerprint(ctx, in, res, sink)
	case method.NVMeSanitize:
		v.checkSanitize(ctx, in, m.Action, res)
		err = v.checkFingerprint(ctx, in, res, sink)
	case method.NVMeFormat:
		err = v.checkFingerprint(ctx, in, res, sink)
	case method.CryptoErase:
		err = v.checkFingerprint(ctx, in, res, sink)
		if err == nil {
			v.checkLocking(ctx, in, res)
		}
	default:
		err = failure.New(failure.KindInternal, "no verification for %T", in.Method)
	}
	res.EndTime = v.now()
	if err != nil {
		return res, err
	}

	failed := res.failed()
	res.Passed = len(failed) == 0
	log.Log("INFO", "Verification finished",
		"passed", res.Passed,
		"sectors", res.SectorsChecked,
		"discrepancies", res.Discrepancies,
		"duration", res.EndTime.Sub(res.StartTime).String())
	if !res.Passed {
		return res, failure.New(failure.KindVerificationFailed, "verification of %s failed: %s", in.Handle.Path(), strings.Join(failed, ", "))
	}
	return res, nil
}

// checkOverwrite reads back the plan and compares it with the last pass.
func (v *Verifier) checkOverwrite(ctx context.Context, in Input, res *Result, sink progress.Sink) error {
	h := in.Handle
	ss := h.SectorSize()
	hasher := blake3.New()
	var histogram [256]uint64
	known := in.Final.Known()
	want := wipe.GetBuffer(max(fullChunk, ss))
	defer wipe.PutBuffer(want)
	readFailures := 0

	visit := func(first uint64, data []byte) error {
		res.SectorsChecked += uint64(len(data) / ss)
		if known {
			exp := want[:len(data)]
			if err := in.Final.Fill(exp, int64(first)*int64(ss)); err != nil {
				return failure.Wrap(err, failure.KindInternal, "regenerate pass content")
			}
			for i := 0; i+ss <= len(data); i += ss {
				if !bytes.Equal(data[i:i+ss], exp[i:i+ss]) {
					res.discrepancy(first+uint64(i/ss), "content differs from the final pass")
				}
			}
			return nil
		}
		for i := 0; i+ss <= len(data); i += ss {
			sector := data[i : i+ss]
			for _, b := range sector {
				histogram[b]++
			}
			if ss >= 512 && distinct(sector) < minDistinct {
				res.discrepancy(first+uint64(i/ss), "sector does not look random")
			}
		}
		return nil
	}

	err := v.scan(ctx, h, hasher, sink, func(first uint64, data []byte, rerr error) error {
		if rerr != nil {
			readFailures++
			res.discrepancy(first, "read failed: "+rerr.Error())
			return nil
		}
		return visit(first, data)
	})
	if err != nil {
		return err
	}
	res.Digest = hex.EncodeToString(hasher.Sum(nil))

	if readFailures > 0 {
		res.add("readback", false, "%d reads failed", readFailures)
	}
	if known {
		res.add("pattern", res.Discrepancies == 0, "%d of %d sectors differ from the final pass", res.Discrepancies, res.SectorsChecked)
		return nil
	}
	chi := chiSquare(histogram[:])
	res.add("entropy", res.Discrepancies == 0, "%d of %d sectors have fewer than %d distinct bytes", res.Discrepancies, res.SectorsChecked, minDistinct)
	res.add("uniformity", chi < chiSquareLimit, "chi-square %.1f over %d bytes (limit %d)", chi, res.SectorsChecked*uint64(ss), chiSquareLimit)
	return nil
}

// scan reads the plan of the strategy and passes each read to fn. Sample
// mode reads single sectors; full mode reads in 1 MiB chunks.
func (v *Verifier) scan(ctx context.Context, h device.Handle, hasher *blake3.Hasher, sink progress.Sink, fn func(first uint64, data []byte, err error) error) error {
	ss := uint64(h.SectorSize())
	total := h.SectorCount()

	type span struct{ first, count uint64 }
	var spans []span
	if v.Strategy.Mode == ModeFull {
		per := uint64(fullChunk) / ss
		if per == 0 {
			per = 1
		}
		for s := uint64(0); s < total; s += per {
			n := per
			if s+n > total {
				n = total - s
			}
			spans = append(spans, span{s, n})
		}
	} else {
		for _, s := range v.Strategy.SamplePlan(total, int(ss), v.rng()) {
			spans = append(spans, span{s, 1})
		}
	}

	var planned uint64
	for _, s := range spans {
		planned += s.count
	}
	buf := wipe.GetBuffer(int(max(fullChunk, ss)))
	defer wipe.PutBuffer(buf)
	var done uint64
	var idx [8]byte
	for i, s := range spans {
		if err := checkpoint(ctx); err != nil {
			return err
		}
		data := buf[:s.count*ss]
		_, rerr := h.ReadAt(data, int64(s.first*ss))
		if rerr == nil {
			binary.LittleEndian.PutUint64(idx[:], s.first)
			hasher.Write(idx[:])
			hasher.Write(data)
		}
		if err := fn(s.first, data, rerr); err != nil {
			return err
		}
		done += s.count
		if i%64 == 63 || i == len(spans)-1 || s.count > 1 {
			sink.Report(progress.Update{Phase: "verify", Unit: progress.Bytes, Done: done * ss, Total: planned * ss})
		}
	}
	return nil
}

// checkFingerprint re-reads the fingerprinted sectors. Every sector that
// held data before the erase must have changed.
func (v *Verifier) checkFingerprint(ctx context.Context, in Input, res *Result, sink progress.Sink) error {
	fp := in.Fingerprint
	if fp == nil {
		res.add("fingerprint", false, "no pre-erase fingerprint was taken")
		return nil
	}
	h := in.Handle
	buf := make([]byte, h.SectorSize())
	hasher := blake3.New()
	var idx [8]byte
	unchanged, failedReads := 0, 0
	for i, sector := range fp.Sectors {
		if err := checkpoint(ctx); err != nil {
			return err
		}
		if _, err := h.ReadAt(buf, int64(sector)*int64(len(buf))); err != nil {
			failedReads++
			res.discrepancy(sector, "read failed: "+err.Error())
			continue
		}
		res.SectorsChecked++
		binary.LittleEndian.PutUint64(idx[:], sector)
		hasher.Write(idx[:])
		hasher.Write(buf)
		if !fp.Blank[i] && blake3.Sum256(buf) == fp.Digests[i] {
			unchanged++
			res.discrepancy(sector, "sector unchanged by the erase")
		}
		if i%64 == 63 || i == len(fp.Sectors)-1 {
			sink.Report(progress.Update{Phase: "verify", Unit: progress.Steps, Done: uint64(i + 1), Total: uint64(len(fp.Sectors))})
		}
	}
	res.Digest = hex.EncodeToString(hasher.Sum(nil))

	if failedReads > 0 {
		res.add("readback", false, "%d reads failed", failedReads)
	}
	nonBlank := fp.NonBlank()
	if nonBlank == 0 {
		res.add("fingerprint", true, "no fingerprinted sector held data before the erase")
		return nil
	}
	res.add("fingerprint", unchanged == 0, "%d of %d sectors with data unchanged", unchanged, nonBlank)
	return nil
}

// checkATA re-reads IDENTIFY DEVICE: a completed erase leaves security
// disabled and unlocked.
func (v *Verifier) checkATA(ctx context.Context, in Input, res *Result) {
	if in.ATA == nil {
		res.add("ata-security", false, "no ATA transport")
		return
	}
	raw, err := in.ATA.Identify(ctx)
	if err != nil {
		res.add("ata-security", false, "IDENTIFY DEVICE failed: %v", err)
		return
	}
	id, err := ata.ParseIdentify(raw)
	if err != nil {
		res.add("ata-security", false, "%v", err)
		return
	}
	s := id.Security
	res.add("ata-security", !s.Enabled && !s.Locked, "enabled=%t locked=%t", s.Enabled, s.Locked)
}

// checkSanitize reads the Sanitize Status log.
func (v *Verifier) checkSanitize(ctx context.Context, in Input, action nvme.SanitizeAction, res *Result) {
	if in.NVMe == nil {
		res.add("sanitize-status", false, "no NVMe transport")
		return
	}
	raw, err := in.NVMe.SanitizeLog(ctx)
	if err != nil {
		res.add("sanitize-status", false, "Get Log Page failed: %v", err)
		return
	}
	st, err := nvme.ParseSanitizeLog(raw)
	if err != nil {
		res.add("sanitize-status", false, "%v", err)
		return
	}
	ok := st.State.Succeeded() && st.LastAction == action
	res.add("sanitize-status", ok, "state=%s last-action=%s", st.State, st.LastAction)
}

// checkLocking runs Level 0 Discovery: after a revert locking is disabled.
func (v *Verifier) checkLocking(ctx context.Context, in Input, res *Result) {
	d, err := opal.Discover(ctx, in.TCG)
	if err != nil {
		res.add("opal-locking", false, "Level 0 Discovery failed: %v", err)
		return
	}
	if d.Locking == nil {
		res.add("opal-locking", true, "no locking feature reported")
		return
	}
	l := d.Locking
	res.add("opal-locking", !l.Enabled && !l.Locked, "locking enabled=%t locked=%t", l.Enabled, l.Locked)
}

func distinct(b []byte) int {
	var seen [256]bool
	n := 0
	for _, c := range b {
		if !seen[c] {
			seen[c] = true
			n++
		}
	}
	return n
}

// chiSquare is Pearson's statistic of the histogram against uniform.
func chiSquare(h []uint64) float64 {
	var total uint64
	for _, c := range h {
		total += c
	}
	if total == 0 {
		return 0
	}
	expected := float64(total) / float64(len(h))
	var sum float64
	for _, c := range h {
		d := float64(c) - expected
		sum += d * d / expected
	}
	return sum
}

