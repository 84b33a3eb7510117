package kfmt

import "io"

// ringBufferSize defines the capacity of the early output buffer. It is large
// enough to hold the contents of a standard 80x25 text console and must be a
// power of two so that index wrapping reduces to a mask.
const ringBufferSize = 2048

// ringBuffer buffers Printf output produced before an output sink exists.
// When full, the oldest bytes are overwritten.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write appends the contents of p, discarding the oldest buffered bytes when
// the buffer wraps onto unread data.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read copies up to len(p) buffered bytes into p, returning io.EOF once the
// buffer has been drained.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	var n int

	switch {
	case rb.rIndex < rb.wIndex:
		n = rb.wIndex - rb.rIndex
		if len(p) < n {
			n = len(p)
		}
		copy(p, rb.buffer[rb.rIndex:rb.rIndex+n])
		rb.rIndex += n
		return n, nil
	case rb.rIndex > rb.wIndex:
		// unread data wraps around; return the tail segment first
		n = ringBufferSize - rb.rIndex
		if len(p) < n {
			n = len(p)
		}
		copy(p, rb.buffer[rb.rIndex:rb.rIndex+n])
		rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
		return n, nil
	default:
		return 0, io.EOF
	}
}
