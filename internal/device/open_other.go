//go:build !linux

package device

import (
	"context"
	"runtime"

	"securewipe/internal/failure"
	"securewipe/internal/system"
)

// OSOpener has no raw device backend on this platform.
type OSOpener struct{}

func (OSOpener) Open(ctx context.Context, info system.DiskInfo) (*Target, error) {
	return nil, failure.New(failure.KindProbeUnsupported, "raw device access is not implemented on %s", runtime.GOOS)
}
