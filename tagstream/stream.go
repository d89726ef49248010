package tagstream

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Kind identifies what a Stream carries.
type Kind int

const (
	// KindMessage is plain text outside any tag.
	KindMessage Kind = iota
	// KindTag is the verbatim text of one <name>...</name> segment.
	KindTag
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindTag:
		return "tag"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Chunk is one piece of segment text. Seq orders chunks across every stream
// opened by the same Demuxer, starting at 1; the end of a stream takes a
// sequence number too so consumers can place it relative to other streams.
type Chunk struct {
	Seq  uint64
	Text string
}

// Stream is an ordered conduit carrying the chunks of one segment from the
// Demuxer to exactly one consumer. The queue is unbounded so the parser
// never blocks on a slow consumer.
type Stream struct {
	id     string
	kind   Kind
	name   string
	source string
	seq    func() uint64

	mu       sync.Mutex
	queue    []Chunk
	closed   bool
	closeSeq uint64
	notify   chan struct{}
}

func newStream(kind Kind, name string) *Stream {
	return &Stream{
		id:     uuid.New().String(),
		kind:   kind,
		name:   name,
		notify: make(chan struct{}, 1),
	}
}

// ID returns the unique stream identifier.
func (s *Stream) ID() string { return s.id }

// Kind returns whether the stream carries message or tag content.
func (s *Stream) Kind() Kind { return s.kind }

// Name returns the tag name, or "" for message streams.
func (s *Stream) Name() string { return s.name }

// Source identifies the Demuxer that opened the stream. Sequence numbers
// are only comparable between streams with the same source.
func (s *Stream) Source() string { return s.source }

func (s *Stream) nextSeq() uint64 {
	if s.seq == nil {
		return 0
	}
	return s.seq()
}

// push enqueues a chunk. Pushing after close is a programming error.
func (s *Stream) push(chunk string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		panic(fmt.Sprintf("tagstream: push to closed %s stream %s", s.kind, s.id))
	}
	s.queue = append(s.queue, Chunk{Seq: s.nextSeq(), Text: chunk})
	s.mu.Unlock()
	s.wake()
}

// close enqueues the end sentinel.
func (s *Stream) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		panic(fmt.Sprintf("tagstream: %s stream %s closed twice", s.kind, s.id))
	}
	s.closed = true
	s.closeSeq = s.nextSeq()
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until the next chunk is available. It returns io.EOF once the
// stream has been closed and every chunk has been read.
func (s *Stream) Next(ctx context.Context) (string, error) {
	c, err := s.NextChunk(ctx)
	return c.Text, err
}

// NextChunk is Next with the chunk's sequence number. At io.EOF the returned
// Chunk carries the sequence number assigned when the stream was closed.
func (s *Stream) NextChunk(ctx context.Context) (Chunk, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			c := s.queue[0]
			s.queue[0] = Chunk{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return c, nil
		}
		if s.closed {
			c := Chunk{Seq: s.closeSeq}
			s.mu.Unlock()
			return c, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		}
	}
}

// ReadAll drains the stream and returns the concatenated chunks.
func (s *Stream) ReadAll(ctx context.Context) (string, error) {
	var out strings.Builder
	for {
		chunk, err := s.Next(ctx)
		if err == io.EOF {
			return out.String(), nil
		}
		if err != nil {
			return out.String(), err
		}
		out.WriteString(chunk)
	}
}
