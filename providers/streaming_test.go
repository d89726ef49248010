package providers

import (
	"errors"
	"testing"
)

func TestStreamBufferEnforcesMaxSizeWithIncomingFragment(t *testing.T) {
	buf := NewStreamBuffer(5)

	if err := buf.Add("12345"); err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
	if err := buf.Add("6"); !errors.Is(err, ErrStreamBufferFull) {
		t.Fatalf("expected ErrStreamBufferFull, got %v", err)
	}
	if buf.Content() != "12345" || buf.Fragments() != 1 || buf.Len() != 5 {
		t.Fatalf("rejected fragment must not be kept: %q (%d fragments)", buf.Content(), buf.Fragments())
	}
}

func TestStreamBufferDefaultSize(t *testing.T) {
	buf := NewStreamBuffer(0)
	if buf.maxSize != DefaultStreamBufferSize {
		t.Fatalf("expected default size %d, got %d", DefaultStreamBufferSize, buf.maxSize)
	}
	for _, f := range []string{"a", "b", "c"} {
		if err := buf.Add(f); err != nil {
			t.Fatalf("unexpected add error: %v", err)
		}
	}
	if buf.Content() != "abc" || buf.Fragments() != 3 {
		t.Fatalf("unexpected buffer state %q/%d", buf.Content(), buf.Fragments())
	}
}
