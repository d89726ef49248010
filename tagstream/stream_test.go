package tagstream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestStreamDeliversChunksInOrder(t *testing.T) {
	s := newStream(KindMessage, "")
	go func() {
		for _, c := range []string{"a", "b", "c"} {
			s.push(c)
			time.Sleep(time.Millisecond)
		}
		s.close()
	}()

	var got []string
	for {
		chunk, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
		got = append(got, chunk)
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("chunks = %v", got)
	}

	// EOF is sticky
	if _, err := s.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after end, got %v", err)
	}
}

func TestStreamNextHonorsContext(t *testing.T) {
	s := newStream(KindTag, "x")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestStreamIdentity(t *testing.T) {
	a := newStream(KindTag, "scratchpad")
	b := newStream(KindMessage, "")
	if a.ID() == "" || a.ID() == b.ID() {
		t.Fatalf("stream ids must be unique and non-empty: %q %q", a.ID(), b.ID())
	}
	if a.Kind() != KindTag || a.Name() != "scratchpad" {
		t.Fatalf("unexpected identity %s/%s", a.Kind(), a.Name())
	}
	if b.Kind().String() != "message" {
		t.Fatalf("kind string = %q", b.Kind().String())
	}
}

func TestStreamCloseTwicePanics(t *testing.T) {
	s := newStream(KindMessage, "")
	s.close()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double close")
		}
	}()
	s.close()
}
