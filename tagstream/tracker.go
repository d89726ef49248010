package tagstream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Tracker records running consumer invocations so a caller can join them.
// A consumer that fails or panics still counts as finished; its error is
// reported by the next Wait.
type Tracker struct {
	wg      sync.WaitGroup
	pending atomic.Int64
	log     *zap.Logger

	mu   sync.Mutex
	errs []error
}

// NewTracker creates an empty tracker.
func NewTracker(log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{log: log}
}

// Go runs fn on its own goroutine and tracks it until it returns.
func (t *Tracker) Go(label string, fn func() error) {
	t.wg.Add(1)
	t.pending.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.pending.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				t.log.Error("Consumer panicked", zap.String("consumer", label), zap.Any("panic", r))
				t.record(fmt.Errorf("%s: consumer panicked: %v", label, r))
			}
		}()

		if err := fn(); err != nil {
			t.log.Warn("Consumer failed", zap.String("consumer", label), zap.Error(err))
			t.record(fmt.Errorf("%s: %w", label, err))
		}
	}()
}

func (t *Tracker) record(err error) {
	t.mu.Lock()
	t.errs = append(t.errs, err)
	t.mu.Unlock()
}

// Pending returns the number of invocations that have not returned yet.
func (t *Tracker) Pending() int {
	return int(t.pending.Load())
}

// Wait blocks until every invocation started so far has returned, then
// reports the errors collected since the previous Wait. With nothing
// pending it returns the collected errors immediately, even when ctx is
// already done.
func (t *Tracker) Wait(ctx context.Context) error {
	if t.Pending() > 0 {
		done := make(chan struct{})
		go func() {
			t.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			select {
			case <-done:
			default:
				return ctx.Err()
			}
		}
	}
	// pending drops just before wg.Done; this only waits for that gap.
	t.wg.Wait()

	t.mu.Lock()
	errs := t.errs
	t.errs = nil
	t.mu.Unlock()
	return multierr.Combine(errs...)
}
