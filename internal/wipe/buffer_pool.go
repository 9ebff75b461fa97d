package wipe

import (
	"sync"
)

// bufferAlign is the capacity granularity of pooled buffers; it covers both
// 512-byte and 4Kn sector sizes.
const bufferAlign = 4096

// chunkPools maps a capacity to a *sync.Pool of *[]byte. Overwrite passes
// and verification reads of the same chunk size share one pool, so a
// multi-pass job allocates its chunk buffer once.
var chunkPools sync.Map

func poolFor(capacity int) *sync.Pool {
	if p, ok := chunkPools.Load(capacity); ok {
		return p.(*sync.Pool)
	}
	p, _ := chunkPools.LoadOrStore(capacity, &sync.Pool{
		New: func() interface{} {
			b := make([]byte, capacity)
			return &b
		},
	})
	return p.(*sync.Pool)
}

// GetBuffer returns a zeroed buffer of n bytes whose capacity is n rounded
// up to 4 KiB.
func GetBuffer(n int) []byte {
	if n <= 0 {
		return nil
	}
	b := poolFor(alignUp(n, bufferAlign)).Get().(*[]byte)
	return (*b)[:n]
}

// PutBuffer scrubs buf and makes it available to GetBuffer again. Buffers
// that did not come from GetBuffer are dropped.
func PutBuffer(buf []byte) {
	c := cap(buf)
	if c == 0 || c%bufferAlign != 0 {
		return
	}
	buf = buf[:c]
	clear(buf)
	poolFor(c).Put(&buf)
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

// FillBufferPattern sets every byte of buf to pattern.
func FillBufferPattern(buf []byte, pattern byte) {
	if len(buf) == 0 {
		return
	}
	buf[0] = pattern
	for filled := 1; filled < len(buf); filled *= 2 {
		copy(buf[filled:], buf[:filled])
	}
}
