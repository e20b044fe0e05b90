package logging

import (
	"os"
	"sync"
)

// RingBuffer retains the most recent writes in a fixed-size window so a
// crash dump can recover the log tail even when file output is rotated
// away or disabled. Implements io.Writer; writes never fail.
type RingBuffer struct {
	mu      sync.Mutex
	buf     []byte
	written int64 // total bytes accepted since creation
}

// NewRingBuffer creates a buffer holding the last size bytes written.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 4 << 20
	}
	return &RingBuffer{buf: make([]byte, size)}
}

// Write implements io.Writer. Older bytes are overwritten once the window
// is exceeded.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	window := int64(len(rb.buf))
	if int64(n) > window {
		// Only the tail of an oversized write can survive anyway.
		p = p[int64(n)-window:]
	}
	for len(p) > 0 {
		off := rb.written % window
		c := copy(rb.buf[off:], p)
		p = p[c:]
		rb.written += int64(c)
	}
	return n, nil
}

// Bytes returns the retained window in write order.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	window := int64(len(rb.buf))
	if rb.written <= window {
		out := make([]byte, rb.written)
		copy(out, rb.buf[:rb.written])
		return out
	}

	off := rb.written % window
	out := make([]byte, 0, window)
	out = append(out, rb.buf[off:]...)
	out = append(out, rb.buf[:off]...)
	return out
}

// DumpToFile writes the retained window to path, oldest bytes first.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o600)
}
