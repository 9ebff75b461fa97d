// Package progress carries driver progress reports to the engine.
package progress

import "time"

// Unit describes what Done and Total count.
type Unit string

const (
	Bytes   Unit = "bytes"
	Steps   Unit = "steps"
	Percent Unit = "percent"
)

// Update is a single progress report from a driver or the verifier.
type Update struct {
	Phase    string
	Unit     Unit
	Done     uint64
	Total    uint64
	Pass     int
	Passes   int
	Estimate time.Duration
}

// Fraction returns Done/Total clamped to [0, 1].
func (u Update) Fraction() float64 {
	if u.Total == 0 {
		return 0
	}
	f := float64(u.Done) / float64(u.Total)
	if f > 1 {
		return 1
	}
	return f
}

// Sink receives progress updates. Implementations must not block.
type Sink interface {
	Report(Update)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Update)

func (f SinkFunc) Report(u Update) { f(u) }

// Discard drops every update.
var Discard Sink = SinkFunc(func(Update) {})
