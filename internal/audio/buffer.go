package audio

import "errors"

// DefaultMaxBufferBytes caps uncommitted input audio per session.
const DefaultMaxBufferBytes = 15 << 20

var ErrBufferFull = errors.New("input audio buffer is full")

// Buffer accumulates input audio between commits. It is owned by a single
// session actor and is not safe for concurrent use.
type Buffer struct {
	max  int
	data []byte
}

func NewBuffer(maxBytes int) *Buffer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBufferBytes
	}
	return &Buffer{max: maxBytes}
}

// Append rejects the whole chunk when it would push the buffer past its cap.
func (b *Buffer) Append(p []byte) error {
	if len(b.data)+len(p) > b.max {
		return ErrBufferFull
	}
	b.data = append(b.data, p...)
	return nil
}

func (b *Buffer) Len() int { return len(b.data) }

func (b *Buffer) Cap() int { return b.max }

// Commit hands over the accumulated bytes and leaves the buffer empty.
func (b *Buffer) Commit() []byte {
	out := b.data
	b.data = nil
	return out
}

// Clear discards the accumulated bytes.
func (b *Buffer) Clear() {
	b.data = nil
}
