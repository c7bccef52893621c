package gpu

import (
	"sync"
	"sync/atomic"
)

// Buffer is device memory borrowed from a DevicePool. Release returns it.
type Buffer struct {
	pool *DevicePool
	data []byte
	key  poolKey

	once     sync.Once
	released atomic.Bool
}

// Bytes returns the buffer contents, or nil after Release.
func (b *Buffer) Bytes() []byte {
	if b.released.Load() {
		return nil
	}
	return b.data
}

func (b *Buffer) Size() int            { return b.key.size }
func (b *Buffer) Precision() Precision { return b.key.precision }
func (b *Buffer) Device() int          { return b.pool.device }
func (b *Buffer) Released() bool       { return b.released.Load() }

// Release returns the buffer to its pool. Only the first call has an effect.
func (b *Buffer) Release() {
	if b == nil {
		return
	}
	b.once.Do(func() {
		b.released.Store(true)
		data := b.data
		b.data = nil
		b.pool.put(data, b.key)
	})
}

// BufferBatch owns several buffers released together.
type BufferBatch struct {
	mu      sync.Mutex
	buffers []*Buffer
}

// Add transfers ownership of buf to the batch.
func (bb *BufferBatch) Add(buf *Buffer) {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	bb.buffers = append(bb.buffers, buf)
}

// Len returns the number of buffers.
func (bb *BufferBatch) Len() int {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return len(bb.buffers)
}

// At returns the i-th buffer.
func (bb *BufferBatch) At(i int) *Buffer {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return bb.buffers[i]
}

// TotalSize returns the summed size of all buffers.
func (bb *BufferBatch) TotalSize() int {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	n := 0
	for _, b := range bb.buffers {
		n += b.Size()
	}
	return n
}

// Release releases every buffer. Safe to call more than once.
func (bb *BufferBatch) Release() {
	if bb == nil {
		return
	}
	bb.mu.Lock()
	buffers := bb.buffers
	bb.buffers = nil
	bb.mu.Unlock()

	for _, b := range buffers {
		b.Release()
	}
}
