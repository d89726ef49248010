package providers

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"time"
	"unicode/utf8"
)

// FakeProvider replays text in randomly cut fragments without calling any
// model. Scripted replies are returned in order; once they run out the
// canned demo reply is used.
type FakeProvider struct {
	parts int
	delay time.Duration

	mu     sync.Mutex
	rnd    *rand.Rand
	script []string
	calls  int
}

// FakeOption configures a FakeProvider.
type FakeOption func(*FakeProvider)

// WithScript queues replies returned by successive calls.
func WithScript(replies ...string) FakeOption {
	return func(p *FakeProvider) {
		p.script = append(p.script, replies...)
	}
}

// WithSeed makes the cut points deterministic.
func WithSeed(seed int64) FakeOption {
	return func(p *FakeProvider) {
		p.rnd = rand.New(rand.NewSource(seed))
	}
}

// NewFakeProvider creates a provider that splits each reply at parts random
// cut points and waits delay before every fragment.
func NewFakeProvider(parts int, delay time.Duration, opts ...FakeOption) *FakeProvider {
	if parts < 0 {
		parts = 0
	}
	p := &FakeProvider{
		parts: parts,
		delay: delay,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Calls returns how many replies have been produced.
func (p *FakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *FakeProvider) ChatStream(ctx context.Context, messages []Message, onChunk StreamCallback, _ ...ChatOption) (*Response, error) {
	reply, cuts := p.next(messages)

	buf := NewStreamBuffer(0)
	start := 0
	for _, end := range append(cuts, len(reply)) {
		if end <= start {
			continue
		}
		if p.delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.delay):
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}

		fragment := reply[start:end]
		start = end
		if err := buf.Add(fragment); err != nil {
			return nil, err
		}
		if onChunk != nil {
			if err := onChunk(ctx, fragment); err != nil {
				return nil, err
			}
		}
	}

	return &Response{
		Content:      buf.Content(),
		FinishReason: "stop",
		Fragments:    buf.Fragments(),
	}, nil
}

func (p *FakeProvider) Close() error {
	return nil
}

func (p *FakeProvider) next(messages []Message) (string, []int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var reply string
	if p.calls < len(p.script) {
		reply = p.script[p.calls]
	} else {
		reply = cannedReply(lastUserContent(messages))
	}
	p.calls++
	return reply, p.cutPoints(len(reply))
}

// cutPoints picks up to parts distinct byte offsets in [1, n). Offsets may
// fall inside a multi-byte character.
func (p *FakeProvider) cutPoints(n int) []int {
	if n < 2 || p.parts == 0 {
		return nil
	}
	k := min(p.parts, n-1)
	cuts := p.rnd.Perm(n - 1)[:k]
	for i := range cuts {
		cuts[i]++
	}
	slices.Sort(cuts)
	return cuts
}

func lastUserContent(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func cannedReply(incoming string) string {
	return fmt.Sprintf(`
User sent a message of length %d
<user>%s</user>
<llm>These pretzels are making me thirsty!</llm>
The sea was angry that day, my friends.
You double-dipped the chip.
<llm>It's gold, Jerry! Gold!</llm>
They're real, and they're spectacular!
`, utf8.RuneCountInString(incoming), incoming)
}
