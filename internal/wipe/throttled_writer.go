package wipe

import (
	"context"
	"io"
	"sync"

	"golang.org/x/time/rate"
)

// ThrottledWriter limits the write rate to a device (thread-safe). A zero
// limit writes at full speed.
type ThrottledWriter struct {
	w       io.WriterAt
	limiter *rate.Limiter
	mu      sync.Mutex
}

// NewThrottledWriter wraps w with a limit of maxSpeedMBps MiB/s. burst is
// the largest single write expected.
func NewThrottledWriter(w io.WriterAt, maxSpeedMBps float64, burst int) *ThrottledWriter {
	tw := &ThrottledWriter{w: w}
	if maxSpeedMBps > 0 {
		bytesPerSec := maxSpeedMBps * 1024 * 1024
		if burst < int(bytesPerSec) {
			burst = int(bytesPerSec)
		}
		tw.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}
	return tw
}

// WriteAt implements io.WriterAt.
func (tw *ThrottledWriter) WriteAt(p []byte, off int64) (int, error) {
	return tw.WriteAtContext(context.Background(), p, off)
}

// WriteAtContext waits for rate budget, giving up when ctx is done.
func (tw *ThrottledWriter) WriteAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if tw.limiter != nil {
		n := len(p)
		if b := tw.limiter.Burst(); n > b {
			n = b
		}
		if err := tw.limiter.WaitN(ctx, n); err != nil {
			return 0, err
		}
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.w.WriteAt(p, off)
}
