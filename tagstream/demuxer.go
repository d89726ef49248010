// Package tagstream splits a live stream of model output into plain message
// text and <name>...</name> tagged segments as the text arrives.
//
// Every segment is forwarded to its own consumer through a Stream while it
// is still being produced. Tags do not nest: inside a tag body every
// character, including '<', is body content until the exact closing
// delimiter </name> is seen.
package tagstream

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Mode is the parser state that decides where the next character goes.
type Mode int

const (
	ModeNormal Mode = iota
	ModeCollectingTagName
	ModeInTagBody
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeCollectingTagName:
		return "collecting_tag_name"
	case ModeInTagBody:
		return "in_tag_body"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Handlers are the downstream consumers. OnMessage and OnTagOpened run on
// their own goroutines, once per opened stream, and must read the stream
// until io.EOF. OnTagClosed is called synchronously on the parsing goroutine
// as soon as the closing delimiter is recognized.
type Handlers struct {
	OnMessage   func(ctx context.Context, s *Stream) error
	OnTagOpened func(ctx context.Context, name string, s *Stream) error
	OnTagClosed func(name, text string)
}

// Observer is notified about stream lifecycle events.
type Observer interface {
	StreamOpened(kind Kind, name string)
	StreamClosed(kind Kind, name string)
	TagDropped(name string)
}

// Option configures a Demuxer.
type Option func(*Demuxer)

// WithLogger sets the logger used for lifecycle and consumer failures.
func WithLogger(log *zap.Logger) Option {
	return func(d *Demuxer) {
		if log != nil {
			d.log = log
		}
	}
}

// WithObserver registers an observer for stream lifecycle events.
func WithObserver(o Observer) Option {
	return func(d *Demuxer) {
		d.observer = o
	}
}

// Demuxer is the character classifier. It is driven by a single goroutine:
// HandleToken, Flush and Abort must not be called concurrently.
type Demuxer struct {
	id       string
	seq      uint64
	handlers Handlers
	log      *zap.Logger
	observer Observer
	tracker  *Tracker

	mode    Mode
	message strings.Builder
	tagName strings.Builder
	tagBody strings.Builder
	closing string
	carry   []byte

	msgStream *Stream
	tagStream *Stream
}

// New creates a Demuxer delivering segments to h.
func New(h Handlers, opts ...Option) *Demuxer {
	d := &Demuxer{
		id:       uuid.NewString(),
		handlers: h,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.handlers.OnMessage == nil {
		d.handlers.OnMessage = drain
	}
	if d.handlers.OnTagOpened == nil {
		d.handlers.OnTagOpened = func(ctx context.Context, _ string, s *Stream) error {
			return drain(ctx, s)
		}
	}
	d.tracker = NewTracker(d.log)
	return d
}

func drain(ctx context.Context, s *Stream) error {
	_, err := s.ReadAll(ctx)
	return err
}

// ID identifies this Demuxer; every Stream it opens reports it as Source.
func (d *Demuxer) ID() string {
	return d.id
}

func (d *Demuxer) nextSeq() uint64 {
	d.seq++
	return d.seq
}

// Mode returns the current parser state.
func (d *Demuxer) Mode() Mode {
	return d.mode
}

// HandleToken feeds one fragment of arbitrary length. ctx is handed to any
// consumer started while processing it.
func (d *Demuxer) HandleToken(ctx context.Context, token string) {
	var text string
	text, d.carry = joinPartial(d.carry, token)
	d.feed(ctx, text)
	if d.mode == ModeNormal {
		d.flushMessage(ctx)
	}
}

func (d *Demuxer) feed(ctx context.Context, text string) {
	for i := 0; i < len(text); {
		_, size := utf8.DecodeRuneInString(text[i:])
		ch := text[i : i+size]
		i += size

		switch d.mode {
		case ModeNormal:
			if ch == "<" {
				d.startTag(ctx)
			} else {
				d.message.WriteString(ch)
			}
		case ModeCollectingTagName:
			d.tagBody.WriteString(ch)
			if ch == ">" {
				d.openTag(ctx)
			} else {
				d.tagName.WriteString(ch)
			}
		case ModeInTagBody:
			d.appendTagBody(ch)
		}
	}
}

func (d *Demuxer) startTag(ctx context.Context) {
	d.flushMessage(ctx)
	d.mode = ModeCollectingTagName
	d.resetTag()
	d.tagBody.WriteByte('<')
}

func (d *Demuxer) openTag(ctx context.Context) {
	name := d.tagName.String()
	d.closing = "</" + name + ">"
	d.mode = ModeInTagBody
	d.tagStream = d.openStream(ctx, KindTag, name)
	d.tagStream.push(d.tagBody.String())
}

func (d *Demuxer) appendTagBody(ch string) {
	d.tagBody.WriteString(ch)
	d.tagStream.push(ch)
	if ch != ">" || !strings.HasSuffix(d.tagBody.String(), d.closing) {
		return
	}

	name := d.tagName.String()
	text := d.tagBody.String()
	d.closeStream(d.tagStream)
	d.tagStream = nil
	d.mode = ModeNormal
	d.resetTag()

	if d.handlers.OnTagClosed != nil {
		d.handlers.OnTagClosed(name, text)
	}
}

func (d *Demuxer) resetTag() {
	d.tagName.Reset()
	d.tagBody.Reset()
	d.closing = ""
}

// flushMessage pushes buffered message text without closing the stream.
func (d *Demuxer) flushMessage(ctx context.Context) {
	if d.message.Len() == 0 {
		return
	}
	if d.msgStream == nil {
		d.msgStream = d.openStream(ctx, KindMessage, "")
	}
	d.msgStream.push(d.message.String())
	d.message.Reset()
}

// Flush signals end of input: pending message text is delivered and the
// message stream is closed. A tag still open at this point is unterminated;
// its stream is closed so the consumer finishes, but OnTagClosed never
// fires for it. Calling Flush with nothing open is a no-op.
func (d *Demuxer) Flush(ctx context.Context) {
	if len(d.carry) > 0 {
		rest := string(d.carry)
		d.carry = d.carry[:0]
		d.feed(ctx, rest)
	}
	if d.mode == ModeNormal {
		d.flushMessage(ctx)
	}
	if d.msgStream != nil {
		d.closeStream(d.msgStream)
		d.msgStream = nil
	}
	if d.mode != ModeNormal {
		name := d.tagName.String()
		d.log.Debug("Dropping unterminated tag",
			zap.String("tag", name),
			zap.String("mode", d.mode.String()),
			zap.Int("pending_bytes", d.tagBody.Len()))
		if d.observer != nil {
			d.observer.TagDropped(name)
		}
		d.discardTag()
	}
}

// Abort closes every open stream and discards buffered input so consumers
// terminate. The Demuxer should not be fed afterwards.
func (d *Demuxer) Abort() {
	d.message.Reset()
	d.carry = d.carry[:0]
	if d.msgStream != nil {
		d.closeStream(d.msgStream)
		d.msgStream = nil
	}
	d.discardTag()
}

func (d *Demuxer) discardTag() {
	if d.tagStream != nil {
		d.closeStream(d.tagStream)
		d.tagStream = nil
	}
	d.mode = ModeNormal
	d.resetTag()
}

// Wait blocks until every consumer started by this Demuxer has returned and
// reports their combined failures.
func (d *Demuxer) Wait(ctx context.Context) error {
	return d.tracker.Wait(ctx)
}

// Pending returns the number of consumers still running.
func (d *Demuxer) Pending() int {
	return d.tracker.Pending()
}

func (d *Demuxer) openStream(ctx context.Context, kind Kind, name string) *Stream {
	if kind == KindTag && d.tagStream != nil {
		panic(fmt.Sprintf("tagstream: opening tag %q while tag %q is open", name, d.tagStream.Name()))
	}
	if kind == KindMessage && d.msgStream != nil {
		panic("tagstream: opening a second message stream")
	}

	s := newStream(kind, name)
	s.source = d.id
	s.seq = d.nextSeq
	if kind == KindTag {
		d.tracker.Go("tag:"+name, func() error {
			return d.handlers.OnTagOpened(ctx, name, s)
		})
	} else {
		d.tracker.Go("message", func() error {
			return d.handlers.OnMessage(ctx, s)
		})
	}

	d.log.Debug("Stream opened",
		zap.String("stream_id", s.ID()),
		zap.String("kind", kind.String()),
		zap.String("tag", name))
	if d.observer != nil {
		d.observer.StreamOpened(kind, name)
	}
	return s
}

func (d *Demuxer) closeStream(s *Stream) {
	s.close()
	d.log.Debug("Stream closed",
		zap.String("stream_id", s.ID()),
		zap.String("kind", s.Kind().String()))
	if d.observer != nil {
		d.observer.StreamClosed(s.Kind(), s.Name())
	}
}
