package kfmt

import (
	"io"
	"sync"
)

// ringBufferSize defines size of the ring buffer that captures log output
// before an output sink is attached. The ring buffer size must always be a
// power of 2.
const ringBufferSize = 4096

// ringBuffer models a ring buffer of size ringBufferSize. Once the buffer
// is full, new writes overwrite the oldest bytes so that the most recent boot
// messages survive until SetOutputSink drains them.
type ringBuffer struct {
	mu             sync.Mutex
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns the number of bytes read (0
// <= n <= len(p)) and io.EOF once the buffer has been drained.
func (rb *ringBuffer) Read(p []byte) (n int, err error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	switch {
	case rb.rIndex < rb.wIndex:
		n = copy(p, rb.buffer[rb.rIndex:rb.wIndex])
		rb.rIndex += n
		return n, nil
	case rb.rIndex > rb.wIndex:
		n = copy(p, rb.buffer[rb.rIndex:])
		rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
		return n, nil
	default: // rIndex == wIndex
		return 0, io.EOF
	}
}

// reset discards any buffered data.
func (rb *ringBuffer) reset() {
	rb.mu.Lock()
	rb.rIndex, rb.wIndex = 0, 0
	rb.mu.Unlock()
}

var _ io.ReadWriter = (*ringBuffer)(nil)
