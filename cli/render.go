package cli

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/smallnest/alertsmith/tagstream"
)

// renderer prints demultiplexed streams to a terminal: message text inline,
// tag bodies framed by their name. Consumers run concurrently, so chunks
// are held back until every chunk the demuxer produced before them has been
// written.
type renderer struct {
	mu  sync.Mutex
	out io.Writer
	// hide lists tags whose body is not printed, only the frame.
	hide map[string]bool

	source  string
	next    uint64
	pending map[uint64]string
	retired map[string]bool
}

func newRenderer(out io.Writer, hide ...string) *renderer {
	r := &renderer{
		out:     out,
		hide:    make(map[string]bool),
		pending: make(map[uint64]string),
		retired: make(map[string]bool),
	}
	for _, name := range hide {
		r.hide[name] = true
	}
	return r
}

// write prints s immediately, outside any demuxer ordering.
func (r *renderer) write(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = io.WriteString(r.out, s)
}

// emit places text at position seq of source. A new source retires the
// previous one; anything it still had buffered is dropped.
func (r *renderer) emit(source string, seq uint64, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if seq == 0 {
		_, _ = io.WriteString(r.out, text)
		return
	}
	if r.retired[source] {
		return
	}
	if source != r.source {
		if r.source != "" {
			r.retired[r.source] = true
		}
		r.source = source
		r.next = 1
		r.pending = make(map[uint64]string)
	}

	r.pending[seq] = text
	for {
		chunk, ok := r.pending[r.next]
		if !ok {
			return
		}
		delete(r.pending, r.next)
		r.next++
		if chunk != "" {
			_, _ = io.WriteString(r.out, chunk)
		}
	}
}

func (r *renderer) handlers() tagstream.Handlers {
	return tagstream.Handlers{
		OnMessage: func(ctx context.Context, s *tagstream.Stream) error {
			return r.copy(ctx, s, "", "", false)
		},
		OnTagOpened: func(ctx context.Context, name string, s *tagstream.Stream) error {
			return r.copy(ctx, s,
				fmt.Sprintf("\n┌─ %s\n", name),
				fmt.Sprintf("\n└─ %s\n", name),
				r.hide[name])
		},
	}
}

// copy forwards s in demuxer order. header goes out with the first chunk and
// footer with the end of the stream.
func (r *renderer) copy(ctx context.Context, s *tagstream.Stream, header, footer string, discard bool) error {
	started := false
	for {
		c, err := s.NextChunk(ctx)
		if err == io.EOF {
			if !started {
				footer = header + footer
			}
			r.emit(s.Source(), c.Seq, footer)
			return nil
		}
		if err != nil {
			return err
		}

		text := c.Text
		if discard {
			text = ""
		}
		if !started {
			text = header + text
			started = true
		}
		r.emit(s.Source(), c.Seq, text)
	}
}
