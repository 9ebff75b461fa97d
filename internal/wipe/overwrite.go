// Package wipe overwrites whole block devices with pattern and random passes.
package wipe

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"syscall"
	"time"

	"securewipe/internal/config"
	"securewipe/internal/device"
	"securewipe/internal/failure"
	"securewipe/internal/logging"
	"securewipe/internal/progress"
)

const (
	defaultChunkSize  = 4 * 1024 * 1024
	defaultRetries    = 3
	defaultRetryDelay = 200 * time.Millisecond
)

// Overwriter drives sequential full-device passes.
type Overwriter struct {
	ChunkSize    int64
	MaxSpeedMBps float64
	// Retries is how many times a chunk is rewritten after a transient error.
	Retries    int
	RetryDelay time.Duration
	Logger     *logging.EnterpriseLogger
	// Rand supplies random-pass keys; crypto/rand when nil.
	Rand io.Reader
}

// NewOverwriter configures an Overwriter from the erase section of cfg.
func NewOverwriter(cfg *config.Config, logger *logging.EnterpriseLogger) *Overwriter {
	return &Overwriter{
		ChunkSize:    cfg.Erase.ChunkSize,
		MaxSpeedMBps: cfg.Erase.MaxSpeedMBps,
		Retries:      cfg.Erase.IORetries,
		RetryDelay:   defaultRetryDelay,
		Logger:       logger,
	}
}

// Run writes every pass of spec across the whole of h. Cancellation is
// observed before the first pass and after every chunk; the device is
// synced at the end of each pass.
func (o *Overwriter) Run(ctx context.Context, h device.Handle, spec Spec, sink progress.Sink) (*Result, error) {
	if sink == nil {
		sink = progress.Discard
	}
	sectorSize := int64(h.SectorSize())
	size := int64(h.SectorCount()) * sectorSize
	chunk := o.chunkSize(sectorSize)
	passes := len(spec.Passes)

	res := &Result{
		Device:    h.Path(),
		Pattern:   spec.Pattern,
		Passes:    passes,
		ChunkSize: chunk,
		StartTime: time.Now(),
	}
	if passes == 0 {
		err := failure.New(failure.KindInternal, "overwrite spec %q has no passes", spec.Pattern)
		res.finish(StatusFailed, err)
		return res, err
	}

	if err := ctx.Err(); err != nil {
		res.finish(StatusCancelled, err)
		return res, failure.Wrap(err, failure.KindCancelled, "overwrite of %s cancelled before the first pass", h.Path())
	}

	o.Logger.Log("INFO", "Starting overwrite", "device", h.Path(), "pattern", spec.Pattern, "passes", passes, "bytes", size, "chunk_size", chunk)

	writer := NewThrottledWriter(h, o.MaxSpeedMBps, int(chunk))
	buf := GetBuffer(int(chunk))
	defer PutBuffer(buf)

	total := uint64(size) * uint64(passes)
	for i, pass := range spec.Passes {
		exp, err := o.expectationFor(pass)
		if err != nil {
			res.finish(StatusFailed, err)
			return res, failure.Wrap(err, failure.KindInternal, "prepare pass %d", i+1)
		}

		o.Logger.Log("INFO", "Overwrite pass started", "device", h.Path(), "pass", i+1, "total", passes, "content", pass.String())
		passStart := res.BytesWritten

		for off := int64(0); off < size; {
			n := chunk
			if size-off < n {
				n = size - off
			}
			block := buf[:n]
			if err := exp.Fill(block, off); err != nil {
				res.finish(StatusFailed, err)
				return res, failure.Wrap(err, failure.KindInternal, "generate pass %d content", i+1)
			}

			if err := o.writeChunk(ctx, writer, block, off, sectorSize, res); err != nil {
				if ctx.Err() != nil {
					res.finish(StatusCancelled, err)
					return res, failure.Wrap(ctx.Err(), failure.KindCancelled, "overwrite of %s cancelled in pass %d at offset %d", h.Path(), i+1, off)
				}
				res.finish(StatusFailed, err)
				return res, err
			}
			off += n
			res.BytesWritten += uint64(n)

			if off < size {
				sink.Report(progress.Update{
					Phase:  "overwrite",
					Unit:   progress.Bytes,
					Done:   res.BytesWritten,
					Total:  total,
					Pass:   i + 1,
					Passes: passes,
				})
			}

			// Checkpoint.
			select {
			case <-ctx.Done():
				res.finish(StatusCancelled, ctx.Err())
				return res, failure.Wrap(ctx.Err(), failure.KindCancelled, "overwrite of %s cancelled in pass %d at offset %d", h.Path(), i+1, off)
			default:
			}
		}

		if err := h.Sync(); err != nil {
			res.finish(StatusFailed, err)
			return res, failure.Wrap(err, failure.KindIOError, "sync %s after pass %d", h.Path(), i+1)
		}
		res.PassesDone = i + 1
		res.Final = exp
		sink.Report(progress.Update{
			Phase:  "overwrite",
			Unit:   progress.Bytes,
			Done:   res.BytesWritten,
			Total:  total,
			Pass:   i + 1,
			Passes: passes,
		})
		o.Logger.Log("INFO", "Overwrite pass completed", "device", h.Path(), "pass", i+1, "total", passes, "bytes", res.BytesWritten-passStart)
	}

	res.finish(StatusCompleted, nil)
	o.Logger.Log("INFO", "Overwrite completed", "device", h.Path(), "bytes", res.BytesWritten, "speed_mbps", fmt.Sprintf("%.1f", res.SpeedMBps), "retries", res.Retries)
	return res, nil
}

func (o *Overwriter) chunkSize(sectorSize int64) int64 {
	chunk := o.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	chunk -= chunk % sectorSize
	if chunk < sectorSize {
		chunk = sectorSize
	}
	return chunk
}

func (o *Overwriter) expectationFor(p Pass) (*Expectation, error) {
	if p.Kind != PassRandom {
		return &Expectation{Kind: p.Kind, Bytes: p.Bytes}, nil
	}
	r := o.Rand
	if r == nil {
		r = rand.Reader
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("generate random pass key: %w", err)
	}
	return &Expectation{Kind: PassRandom, Key: key}, nil
}

// writeChunk writes block at off, retrying transient errors. Permanent
// errors and exhausted retries are IoError.
func (o *Overwriter) writeChunk(ctx context.Context, w *ThrottledWriter, block []byte, off, sectorSize int64, res *Result) error {
	retries := o.Retries
	if retries < 0 {
		retries = defaultRetries
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			res.Retries++
			o.Logger.Log("WARN", "Retrying write", "device", res.Device, "sector", off/sectorSize, "attempt", attempt, "error", lastErr)
			if o.RetryDelay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(o.RetryDelay):
				}
			}
		}

		n, err := w.WriteAtContext(ctx, block, off)
		if err == nil && n == len(block) {
			return nil
		}
		if err == nil {
			err = io.ErrShortWrite
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		if permanent(err) {
			o.Logger.Log("ERROR", "Permanent write error", "device", res.Device, "sector", off/sectorSize, "error", err)
			return failure.Wrap(err, failure.KindIOError, "write %s at sector %d", res.Device, off/sectorSize)
		}
	}
	o.Logger.Log("ERROR", "Write failed after retries", "device", res.Device, "sector", off/sectorSize, "retries", retries, "error", lastErr)
	return failure.Wrap(lastErr, failure.KindIOError, "write %s at sector %d failed after %d retries", res.Device, off/sectorSize, retries)
}

var permanentErrnos = []syscall.Errno{
	syscall.EROFS, syscall.EPERM, syscall.EACCES, syscall.EBADF,
	syscall.ENOSPC, syscall.EINVAL, syscall.ENXIO,
}

func permanent(err error) bool {
	for _, errno := range permanentErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
