// Package buffer implements the growable byte region that holds the inbound
// and outbound bytes of a connection.
//
// A Buffer keeps a read cursor and a write cursor over one backing slice.
// Consuming bytes only advances the read cursor. The unread region is moved
// to the front of the slice lazily, when more free space is requested than
// is left after the write cursor, so a frame is never copied twice on the
// hot path.
package buffer

import (
	"io"
)

// Buffer is not safe for concurrent use. Each connection owns two of them and
// only touches them from the I/O goroutine.
type Buffer struct {
	buf []byte
	r   int // read cursor
	w   int // write cursor
}

// New returns a buffer with the given initial capacity
func New(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{buf: make([]byte, capacity)}
}

// Len returns the number of unread bytes
func (b *Buffer) Len() int { return b.w - b.r }

// Cap returns the size of the backing slice
func (b *Buffer) Cap() int { return len(b.buf) }

// Free returns the number of bytes that can be written without growing
func (b *Buffer) Free() int { return len(b.buf) - b.w }

// Bytes returns the unread region. The slice aliases the buffer and is valid
// until the next call that writes to or grows the buffer.
func (b *Buffer) Bytes() []byte { return b.buf[b.r:b.w] }

// Extend guarantees at least n bytes of free space after the write cursor.
// The consumed prefix is reclaimed first. If that is not enough the backing
// slice grows by a quarter of its size plus n.
func (b *Buffer) Extend(n int) {
	if n <= b.Free() {
		return
	}

	if b.r > 0 {
		copy(b.buf, b.buf[b.r:b.w])
		b.w -= b.r
		b.r = 0
		if n <= b.Free() {
			return
		}
	}

	grown := make([]byte, len(b.buf)+len(b.buf)/4+n)
	copy(grown, b.buf[:b.w])
	b.buf = grown
}

// Tail returns the free region after the write cursor. Bytes placed there
// become readable after Commit.
func (b *Buffer) Tail() []byte { return b.buf[b.w:] }

// Commit marks n bytes of Tail as written. n is clamped to the free space.
func (b *Buffer) Commit(n int) {
	if n < 0 {
		return
	}
	if n > b.Free() {
		n = b.Free()
	}
	b.w += n
}

// Write appends p, growing the buffer as needed. It never fails, the error
// is only there to satisfy io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.Extend(len(p))
	n := copy(b.buf[b.w:], p)
	b.w += n
	return n, nil
}

// Read copies unread bytes into p and consumes them. An empty buffer
// returns io.EOF.
func (b *Buffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if b.Len() == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.buf[b.r:b.w])
	b.Consume(n)
	return n, nil
}

// Consume discards up to n unread bytes and returns how many were dropped.
// Once everything is consumed both cursors snap back to the start.
func (b *Buffer) Consume(n int) int {
	if n <= 0 {
		return 0
	}
	if n > b.Len() {
		n = b.Len()
	}
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
	return n
}

// Reset drops all unread bytes but keeps the backing slice
func (b *Buffer) Reset() {
	b.r, b.w = 0, 0
}
