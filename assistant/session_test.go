package assistant

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/smallnest/alertsmith/promapi"
	"github.com/smallnest/alertsmith/providers"
	"github.com/smallnest/alertsmith/session"
	"github.com/smallnest/alertsmith/tagstream"
)

var functionNames = []string{
	"get_metric_metadata",
	"get_metric_labels",
	"get_metric_label_values",
	"query",
	"get_alerts",
	"get_alert_query",
}

func newTestFunctions(t *testing.T) *promapi.Functions {
	t.Helper()
	f := promapi.NewFunctions(nil, nil)
	for _, name := range functionNames {
		f.Register(name, func(_ context.Context, args gjson.Result) (any, error) {
			return map[string]string{"function": name, "args": args.Raw}, nil
		})
	}
	return f
}

func newTestStore(t *testing.T) *session.FileStore {
	t.Helper()
	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return store
}

func newTestSession(t *testing.T, p providers.Provider, store session.Store, opts Options) *Session {
	t.Helper()
	s, err := New(p, newTestFunctions(t), store, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// recorder collects what the demultiplexer hands to the handlers.
type recorder struct {
	mu      sync.Mutex
	message strings.Builder
	opened  []string
	closed  []string
}

func (r *recorder) handlers() tagstream.Handlers {
	return tagstream.Handlers{
		OnMessage: func(ctx context.Context, s *tagstream.Stream) error {
			text, err := s.ReadAll(ctx)
			r.mu.Lock()
			r.message.WriteString(text)
			r.mu.Unlock()
			return err
		},
		OnTagOpened: func(ctx context.Context, name string, s *tagstream.Stream) error {
			r.mu.Lock()
			r.opened = append(r.opened, name)
			r.mu.Unlock()
			_, err := s.ReadAll(ctx)
			return err
		},
		OnTagClosed: func(name, _ string) {
			r.mu.Lock()
			r.closed = append(r.closed, name)
			r.mu.Unlock()
		},
	}
}

type llmCall struct {
	model  string
	err    error
	tokens int
}

type llmRecorder struct {
	mu    sync.Mutex
	calls []llmCall
}

func (r *llmRecorder) RecordLLMRequest(model string, err error, _ time.Duration, prompt, completion, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, llmCall{model: model, err: err, tokens: prompt + completion})
}

const (
	labelsCall = `Let me look at the labels.
<function_calls>
[{"name": "get_metric_labels", "arguments": {"metric_name": "up"}}]
</function_calls>`

	ruleReply = `Here is the rule.
<alerting_rule>
- alert: InstanceDown
  expr: up == 0
  for: 5m
  labels:
    severity: page
</alerting_rule>
It fires when a target is down.`
)

func TestProcessMessageRunsFunctionCalls(t *testing.T) {
	fake := providers.NewFakeProvider(7, 0, providers.WithSeed(1), providers.WithScript(labelsCall, ruleReply))
	store := newTestStore(t)
	rec := &recorder{}
	var results []string
	llm := &llmRecorder{}

	s := newTestSession(t, fake, store, Options{
		Model:             "fake",
		Handlers:          rec.handlers(),
		OnFunctionResults: func(r string) { results = append(results, r) },
		Recorder:          llm,
	})

	if err := s.ProcessMessage(context.Background(), "alert when up is 0"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}

	if fake.Calls() != 2 {
		t.Fatalf("expected 2 model calls, got %d", fake.Calls())
	}
	if len(llm.calls) != 2 || llm.calls[0].model != "fake" || llm.calls[0].err != nil {
		t.Fatalf("unexpected recorded requests: %+v", llm.calls)
	}

	history := s.History()
	if len(history) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(history))
	}
	wantRoles := []string{providers.RoleUser, providers.RoleAssistant, providers.RoleUser, providers.RoleAssistant}
	for i, m := range history {
		if m.Role != wantRoles[i] {
			t.Fatalf("message %d: expected role %s, got %s", i, wantRoles[i], m.Role)
		}
	}
	if history[1].Content != labelsCall || history[3].Content != ruleReply {
		t.Fatalf("assistant messages do not match the replies: %+v", history)
	}

	fr, ok := tagstream.ExtractJSONTagContent(history[2].Content, "function_results")
	if !ok {
		t.Fatalf("expected function results, got %q", history[2].Content)
	}
	if got := fr.Get("0.result.function").String(); got != "get_metric_labels" {
		t.Fatalf("unexpected function result %s", fr.Raw)
	}
	if len(results) != 1 || results[0] != history[2].Content {
		t.Fatalf("OnFunctionResults saw %q", results)
	}

	rule := s.LastRule()
	if rule == nil {
		t.Fatal("expected an alerting rule")
	}
	rules := rule.Rules()
	if len(rules) != 1 || rules[0].Alert != "InstanceDown" || rules[0].Labels["severity"] != "page" {
		t.Fatalf("unexpected rule %+v", rules)
	}

	rec.mu.Lock()
	closed := strings.Join(rec.closed, ",")
	message := rec.message.String()
	rec.mu.Unlock()
	if closed != "function_calls,alerting_rule" {
		t.Fatalf("unexpected closed tags %q", closed)
	}
	if !strings.Contains(message, "Let me look at the labels.") || !strings.Contains(message, "It fires when a target is down.") {
		t.Fatalf("message text lost: %q", message)
	}
	if strings.Contains(message, "InstanceDown") {
		t.Fatalf("tag body leaked into message text: %q", message)
	}

	stored, err := store.Load(s.Key())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(stored) != 4 {
		t.Fatalf("expected 4 stored messages, got %d", len(stored))
	}
}

func TestProcessMessageMaxFunctionCalls(t *testing.T) {
	fake := providers.NewFakeProvider(3, 0, providers.WithSeed(2),
		providers.WithScript(labelsCall, labelsCall, labelsCall, labelsCall, labelsCall))
	s := newTestSession(t, fake, newTestStore(t), Options{MaxFunctionCalls: 2})

	err := s.ProcessMessage(context.Background(), "loop forever")
	if !errors.Is(err, ErrMaxFunctionCalls) {
		t.Fatalf("expected ErrMaxFunctionCalls, got %v", err)
	}
	if fake.Calls() != 3 {
		t.Fatalf("expected 3 model calls, got %d", fake.Calls())
	}
}

func TestProcessMessageStopsWithoutFunctionCalls(t *testing.T) {
	fake := providers.NewFakeProvider(2, 0, providers.WithSeed(3),
		providers.WithScript("<function_calls>not json</function_calls>"))
	s := newTestSession(t, fake, newTestStore(t), Options{})

	if err := s.ProcessMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if fake.Calls() != 1 {
		t.Fatalf("invalid function calls should end the turn, got %d calls", fake.Calls())
	}
}

type failingProvider struct {
	sent string
	err  error
}

func (p *failingProvider) ChatStream(ctx context.Context, _ []providers.Message, onChunk providers.StreamCallback, _ ...providers.ChatOption) (*providers.Response, error) {
	if err := onChunk(ctx, p.sent); err != nil {
		return nil, err
	}
	return nil, p.err
}

func (p *failingProvider) Close() error { return nil }

func TestProcessMessageProviderError(t *testing.T) {
	boom := errors.New("connection reset")
	p := &failingProvider{sent: "Thinking <scratchpad>half a tho", err: boom}
	rec := &recorder{}
	llm := &llmRecorder{}
	s := newTestSession(t, p, newTestStore(t), Options{Handlers: rec.handlers(), Recorder: llm})

	err := s.ProcessMessage(context.Background(), "hi")
	if !errors.Is(err, boom) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if len(s.History()) != 1 {
		t.Fatalf("only the user message should be recorded, got %+v", s.History())
	}
	if len(llm.calls) != 1 || !errors.Is(llm.calls[0].err, boom) {
		t.Fatalf("failed request not recorded: %+v", llm.calls)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.opened) != 1 || rec.opened[0] != "scratchpad" {
		t.Fatalf("expected the scratchpad stream to open, got %v", rec.opened)
	}
	if len(rec.closed) != 0 {
		t.Fatalf("aborted tag must not be reported closed, got %v", rec.closed)
	}
}

type cancellingProvider struct {
	sent   string
	cancel context.CancelFunc
}

func (p *cancellingProvider) ChatStream(ctx context.Context, _ []providers.Message, onChunk providers.StreamCallback, _ ...providers.ChatOption) (*providers.Response, error) {
	if err := onChunk(ctx, p.sent); err != nil {
		return nil, err
	}
	p.cancel()
	return nil, ctx.Err()
}

func (p *cancellingProvider) Close() error { return nil }

func TestProcessMessageCancelledWaitsForConsumers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := &cancellingProvider{sent: "Thinking <scratchpad>thinking", cancel: cancel}

	var finished atomic.Bool
	handlers := tagstream.Handlers{
		OnTagOpened: func(ctx context.Context, _ string, s *tagstream.Stream) error {
			time.Sleep(50 * time.Millisecond)
			if _, err := s.ReadAll(ctx); err != nil {
				return err
			}
			finished.Store(true)
			return nil
		},
	}
	s := newTestSession(t, p, newTestStore(t), Options{Handlers: handlers})

	err := s.ProcessMessage(ctx, "hi")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !finished.Load() {
		t.Fatalf("ProcessMessage returned before the tag consumer finished")
	}
}

func appendMessages(t *testing.T, store session.Store, key string, ts time.Time, roles ...string) {
	t.Helper()
	for i, role := range roles {
		msg := session.Message{Role: role, Content: role + " message", Timestamp: ts.Add(time.Duration(i) * time.Second)}
		if err := store.Append(key, msg); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
}

func TestResumeAndContinue(t *testing.T) {
	store := newTestStore(t)
	appendMessages(t, store, "earlier", time.Now().Add(-time.Hour),
		"user", "assistant", "user", "assistant", "user", "assistant")

	fake := providers.NewFakeProvider(1, 0, providers.WithSeed(4), providers.WithScript("picking up where we left off"))
	s := newTestSession(t, fake, store, Options{})

	n, err := s.Resume()
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	// trailing assistant message is trimmed
	if n != 5 {
		t.Fatalf("expected 5 resumed messages, got %d", n)
	}

	if err := s.Continue(context.Background()); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	history := s.History()
	if len(history) != 6 || history[5].Content != "picking up where we left off" {
		t.Fatalf("unexpected history after Continue: %+v", history)
	}

	stored, err := store.Load(s.Key())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(stored) != 6 {
		t.Fatalf("expected 6 messages under the new key, got %d", len(stored))
	}
}

func TestResumeSkipsShortHistory(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
	}{
		{"empty store", nil},
		{"greeting only", []string{"user", "assistant"}},
		{"three messages", []string{"user", "assistant", "user"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			if len(tt.roles) > 0 {
				appendMessages(t, store, "earlier", time.Now().Add(-time.Hour), tt.roles...)
			}
			fake := providers.NewFakeProvider(0, 0)
			s := newTestSession(t, fake, store, Options{})

			n, err := s.Resume()
			if err != nil {
				t.Fatalf("Resume: %v", err)
			}
			if n != 0 || len(s.History()) != 0 {
				t.Fatalf("expected nothing resumed, got %d", n)
			}
			if err := s.Continue(context.Background()); err != nil {
				t.Fatalf("Continue: %v", err)
			}
			if fake.Calls() != 0 {
				t.Fatal("Continue with empty history must not call the model")
			}
		})
	}
}

func TestNewRejectsUnregisteredFunctions(t *testing.T) {
	_, err := New(providers.NewFakeProvider(0, 0), promapi.NewFunctions(nil, nil), newTestStore(t), Options{})
	if !errors.Is(err, promapi.ErrUnknownFunction) {
		t.Fatalf("expected ErrUnknownFunction, got %v", err)
	}
}

func TestSystemPromptAndWelcome(t *testing.T) {
	s := newTestSession(t, providers.NewFakeProvider(0, 0), newTestStore(t), Options{PrometheusURL: "http://prom:9090"})

	prompt := s.SystemPrompt()
	for _, want := range append([]string{"<prometheus_functions>", "<alerting_rule>"}, functionNames...) {
		if !strings.Contains(prompt, want) {
			t.Fatalf("system prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, "{{") {
		t.Fatal("system prompt has unrendered template actions")
	}
	if !strings.Contains(s.WelcomeMessage(), "http://prom:9090") {
		t.Fatalf("welcome message does not name Prometheus: %q", s.WelcomeMessage())
	}
	if s.Key() == "" {
		t.Fatal("expected a generated session key")
	}
}

func TestPromptFileReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt.tmpl")
	if err := os.WriteFile(path, []byte("first {{len .Functions}}"), 0644); err != nil {
		t.Fatal(err)
	}

	s := newTestSession(t, providers.NewFakeProvider(0, 0), newTestStore(t), Options{PromptFile: path})
	if !strings.HasPrefix(s.SystemPrompt(), "first ") {
		t.Fatalf("prompt file not used: %q", s.SystemPrompt())
	}

	// a broken template keeps the previous prompt
	if err := os.WriteFile(path, []byte("broken {{.Nope}}"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(3 * promptReloadDebounce)
	if !strings.HasPrefix(s.SystemPrompt(), "first ") {
		t.Fatalf("broken template replaced the prompt: %q", s.SystemPrompt())
	}

	if err := os.WriteFile(path, []byte("second"), 0644); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for s.SystemPrompt() != "second" {
		if time.Now().After(deadline) {
			t.Fatalf("prompt not reloaded, still %q", s.SystemPrompt())
		}
		time.Sleep(20 * time.Millisecond)
	}
}
