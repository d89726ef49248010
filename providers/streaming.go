package providers

import (
	"errors"
	"strings"
	"sync"
)

// DefaultStreamBufferSize caps one accumulated reply.
const DefaultStreamBufferSize = 1 << 20

// ErrStreamBufferFull is returned when a fragment would exceed the buffer cap.
var ErrStreamBufferFull = errors.New("stream buffer size exceeded")

// StreamBuffer accumulates streamed fragments into the complete reply.
type StreamBuffer struct {
	mu        sync.Mutex
	content   strings.Builder
	fragments int
	maxSize   int
}

// NewStreamBuffer creates a new stream buffer
func NewStreamBuffer(maxSize int) *StreamBuffer {
	if maxSize <= 0 {
		maxSize = DefaultStreamBufferSize
	}
	return &StreamBuffer{maxSize: maxSize}
}

// Add appends a fragment, rejecting it if the total would exceed the cap.
func (b *StreamBuffer) Add(fragment string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.content.Len()+len(fragment) > b.maxSize {
		return ErrStreamBufferFull
	}
	b.content.WriteString(fragment)
	b.fragments++
	return nil
}

// Content returns the accumulated content
func (b *StreamBuffer) Content() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.content.String()
}

// Fragments returns how many fragments were added.
func (b *StreamBuffer) Fragments() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fragments
}

// Len returns the accumulated size in bytes.
func (b *StreamBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.content.Len()
}
