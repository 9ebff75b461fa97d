package wipe

import (
	"time"
)

// Status of an overwrite run.
const (
	StatusCompleted = "COMPLETED"
	StatusCancelled = "CANCELLED"
	StatusFailed    = "FAILED"
)

// Result records one overwrite run.
type Result struct {
	Device       string
	Pattern      Pattern
	Passes       int
	PassesDone   int
	ChunkSize    int64
	Status       string
	StartTime    time.Time
	EndTime      time.Time
	BytesWritten uint64
	SpeedMBps    float64
	Retries      int
	Error        string

	// Final is the content left by the last completed pass. It holds the
	// random-pass key and is never serialized.
	Final *Expectation `json:"-"`
}

// Duration of the run.
func (r *Result) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

func (r *Result) finish(status string, err error) {
	r.EndTime = time.Now()
	r.Status = status
	if err != nil {
		r.Error = err.Error()
	}
	if secs := r.Duration().Seconds(); secs > 0 {
		r.SpeedMBps = float64(r.BytesWritten) / (1024 * 1024) / secs
	}
}
