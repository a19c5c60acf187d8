package cache

import (
	"fmt"
	"sync/atomic"
)

const (
	// BytesPerPixel is the storage cost of one RGBA pixel
	BytesPerPixel int = 4
)

// Buffer is a reusable, reference-counted pixel buffer. Pixels are stored
// as RGBA with a stride of Width*BytesPerPixel.
//
// A buffer with a reference count greater than zero must never be mutated
// or handed out for reuse. The count is seeded at 1 for the creator.
type Buffer struct {
	Data        []byte
	Width       int
	Height      int
	Orientation int

	refCount int32
}

// NewBuffer creates a new Buffer sized for the given dimensions,
// with the reference count seeded at 1 for the creator
func NewBuffer(width int, height int) *Buffer {
	buffer := &Buffer{
		refCount: 1,
	}

	buffer.Resize(width, height)
	return buffer
}

// Resize sizes the pixel storage for the given dimensions, reusing the
// existing allocation when it is large enough. The buffer must not be
// resized while any other holder has a reference.
func (buffer *Buffer) Resize(width int, height int) {
	byteLen := width * height * BytesPerPixel
	if cap(buffer.Data) >= byteLen {
		buffer.Data = buffer.Data[:byteLen]
	} else {
		buffer.Data = make([]byte, byteLen)
	}

	buffer.Width = width
	buffer.Height = height
}

// Size returns the resident storage size of the buffer in bytes
func (buffer *Buffer) Size() int64 {
	return int64(cap(buffer.Data))
}

// RefCount returns the current reference count
func (buffer *Buffer) RefCount() int {
	return int(atomic.LoadInt32(&buffer.refCount))
}

// AcquireReference increments the reference count
func (buffer *Buffer) AcquireReference() {
	atomic.AddInt32(&buffer.refCount, 1)
}

// ReleaseReference decrements the reference count. Releasing a buffer
// whose count is already zero indicates a reference-counting bug and panics.
func (buffer *Buffer) ReleaseReference() {
	newCount := atomic.AddInt32(&buffer.refCount, -1)
	if newCount < 0 {
		panic(fmt.Sprintf("released a buffer with no outstanding references (count %d)", newCount))
	}
}

// resetReference reseeds the reference count for a buffer taken from the
// free pool. Only valid on an unreferenced buffer.
func (buffer *Buffer) resetReference() {
	if !atomic.CompareAndSwapInt32(&buffer.refCount, 0, 1) {
		panic("reused a buffer with outstanding references")
	}
}
