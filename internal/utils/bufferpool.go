package utils

import (
	"sync"

	"github.com/valyala/bytebufferpool"
)

// maxRetainedBuffer caps the capacity of buffers returned to the global pool.
// A single long exchange can grow its queue well past typical event sizes.
const maxRetainedBuffer = 1 << 20

// BufferPool hands out reusable byte buffers for event queues and relays
type BufferPool struct {
	pool        bytebufferpool.Pool
	maxRetained int
}

var (
	globalPool     *BufferPool
	globalPoolOnce sync.Once
)

// NewBufferPool creates a pool that drops buffers larger than maxRetained.
// Zero keeps every buffer.
func NewBufferPool(maxRetained int) *BufferPool {
	return &BufferPool{maxRetained: maxRetained}
}

// Get retrieves an empty buffer
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	return bp.pool.Get()
}

// Put returns buf to the pool. buf must not be used afterwards.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf == nil {
		return
	}
	if bp.maxRetained > 0 && cap(buf.B) > bp.maxRetained {
		return
	}
	bp.pool.Put(buf)
}

// Global returns the process-wide pool
func Global() *BufferPool {
	globalPoolOnce.Do(func() {
		globalPool = NewBufferPool(maxRetainedBuffer)
	})
	return globalPool
}

// Get takes a buffer from the global pool
func Get() *bytebufferpool.ByteBuffer {
	return Global().Get()
}

// Put returns a buffer to the global pool
func Put(buf *bytebufferpool.ByteBuffer) {
	Global().Put(buf)
}
