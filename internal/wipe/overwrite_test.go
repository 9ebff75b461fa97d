package wipe

import (
	"bytes"
	"context"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securewipe/internal/failure"
	"securewipe/internal/logging"
	"securewipe/internal/progress"
	"securewipe/internal/simdev"
)

type recorder struct {
	mu      sync.Mutex
	updates []progress.Update
}

func (r *recorder) Report(u progress.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func testOverwriter() *Overwriter {
	return &Overwriter{ChunkSize: 4096, Retries: 3, Logger: logging.NewNop()}
}

func TestOverwriteZero(t *testing.T) {
	disk := simdev.NewDisk("/dev/sim0", 512, 64).FillRandom(7)
	rec := &recorder{}

	res, err := testOverwriter().Run(context.Background(), disk, MustSpec(PatternZero), rec)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, uint64(64*512), res.BytesWritten)
	assert.Equal(t, 1, res.PassesDone)
	assert.Equal(t, make([]byte, 64*512), disk.Bytes())
	assert.Equal(t, 1, disk.Syncs())

	require.NotEmpty(t, rec.updates)
	last := rec.updates[len(rec.updates)-1]
	assert.Equal(t, last.Total, last.Done)
	assert.Equal(t, 1, last.Pass)
	for i := 1; i < len(rec.updates); i++ {
		assert.GreaterOrEqual(t, rec.updates[i].Done, rec.updates[i-1].Done)
	}
}

func TestOverwriteRandomIsRegenerable(t *testing.T) {
	disk := simdev.NewDisk("/dev/sim0", 512, 40)
	res, err := testOverwriter().Run(context.Background(), disk, MustSpec(PatternRandom), nil)
	require.NoError(t, err)
	require.True(t, res.Final.Known())

	want := make([]byte, 40*512)
	require.NoError(t, res.Final.Fill(want, 0))
	assert.Equal(t, want, disk.Bytes())
	assert.NotEqual(t, make([]byte, len(want)), want)
}

func TestOverwriteDoDLeavesRandomFinalPass(t *testing.T) {
	disk := simdev.NewDisk("/dev/sim0", 512, 16)
	rec := &recorder{}
	res, err := testOverwriter().Run(context.Background(), disk, MustSpec(PatternDoD), rec)
	require.NoError(t, err)

	assert.Equal(t, 3, res.PassesDone)
	assert.Equal(t, 3, disk.Syncs())
	assert.Equal(t, PassRandom, res.Final.Kind)
	assert.Equal(t, uint64(3*16*512), res.BytesWritten)
	assert.Equal(t, 3, rec.updates[len(rec.updates)-1].Pass)
}

func TestOverwriteMultiBytePatternAlignment(t *testing.T) {
	disk := simdev.NewDisk("/dev/sim0", 512, 9)
	spec := Spec{Pattern: "test", Passes: []Pass{fixed(0x92, 0x49, 0x24)}}
	o := testOverwriter()
	o.ChunkSize = 1024
	_, err := o.Run(context.Background(), disk, spec, nil)
	require.NoError(t, err)

	data := disk.Bytes()
	for i := 0; i < len(data); i++ {
		require.Equal(t, []byte{0x92, 0x49, 0x24}[i%3], data[i], "offset %d", i)
	}
}

func TestOverwriteRetriesTransientErrors(t *testing.T) {
	disk := simdev.NewDisk("/dev/sim0", 512, 32).FillRandom(3)
	disk.FailWrites(9, 2)

	res, err := testOverwriter().Run(context.Background(), disk, MustSpec(PatternZero), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Retries)
	assert.Equal(t, make([]byte, 32*512), disk.Bytes())
}

func TestOverwriteFailsAfterRetries(t *testing.T) {
	disk := simdev.NewDisk("/dev/sim0", 512, 32)
	disk.FailWrites(17, 4)

	res, err := testOverwriter().Run(context.Background(), disk, MustSpec(PatternZero), nil)
	require.Error(t, err)
	assert.Equal(t, failure.KindIOError, failure.KindOf(err))
	assert.Contains(t, err.Error(), "sector 16")
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 3, res.Retries)
}

func TestOverwritePermanentErrorIsNotRetried(t *testing.T) {
	disk := simdev.NewDisk("/dev/sim0", 512, 32)
	disk.FailWritesPermanently(0, syscall.EROFS)

	res, err := testOverwriter().Run(context.Background(), disk, MustSpec(PatternZero), nil)
	require.Error(t, err)
	assert.Equal(t, failure.KindIOError, failure.KindOf(err))
	assert.ErrorIs(t, err, syscall.EROFS)
	assert.Zero(t, res.Retries)
}

func TestOverwriteCancelledBeforeStart(t *testing.T) {
	disk := simdev.NewDisk("/dev/sim0", 512, 8).FillRandom(1)
	before := disk.Bytes()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := testOverwriter().Run(ctx, disk, MustSpec(PatternZero), nil)
	assert.Equal(t, failure.KindCancelled, failure.KindOf(err))
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, before, disk.Bytes())
}

func TestOverwriteCancelledMidPass(t *testing.T) {
	disk := simdev.NewDisk("/dev/sim0", 512, 64).FillRandom(1)
	ctx, cancel := context.WithCancel(context.Background())
	disk.OnWrite(func(off int64) {
		if off >= 8192 {
			cancel()
		}
	})

	res, err := testOverwriter().Run(ctx, disk, MustSpec(PatternDoD), nil)
	require.Error(t, err)
	assert.Equal(t, failure.KindCancelled, failure.KindOf(err))
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, uint64(3*4096), res.BytesWritten, "cancel observed at the chunk checkpoint")
	assert.Zero(t, res.PassesDone)
	assert.Nil(t, res.Final)
}

func TestChunkSizeAlignment(t *testing.T) {
	o := &Overwriter{ChunkSize: 5000}
	assert.Equal(t, int64(4096), o.chunkSize(4096))
	assert.Equal(t, int64(4608), o.chunkSize(512))
	o.ChunkSize = 100
	assert.Equal(t, int64(512), o.chunkSize(512))
	o.ChunkSize = 0
	assert.Equal(t, int64(defaultChunkSize), o.chunkSize(512))
}

func TestThrottledWriterPassesThrough(t *testing.T) {
	disk := simdev.NewDisk("/dev/sim0", 512, 4)
	w := NewThrottledWriter(disk, 1000, 512)
	n, err := w.WriteAt(bytes.Repeat([]byte{0xEE}, 512), 512)
	require.NoError(t, err)
	assert.Equal(t, 512, n)
	assert.Equal(t, bytes.Repeat([]byte{0xEE}, 512), disk.Sector(1))
}

func TestThrottledWriterHonoursContext(t *testing.T) {
	disk := simdev.NewDisk("/dev/sim0", 512, 4)
	// 1 byte/s after an initial burst: the second write has to wait.
	w := NewThrottledWriter(disk, 1.0/(1024*1024), 512)
	_, err := w.WriteAt(make([]byte, 512), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.WriteAtContext(ctx, make([]byte, 512), 512)
	assert.Error(t, err)
}
