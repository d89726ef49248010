// Package assistant runs the alert-rule conversation: it streams model
// replies through the tag demultiplexer, executes the Prometheus function
// calls the model asks for and feeds their results back.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smallnest/alertsmith/promapi"
	"github.com/smallnest/alertsmith/providers"
	"github.com/smallnest/alertsmith/session"
	"github.com/smallnest/alertsmith/tagstream"
)

const (
	DefaultMaxFunctionCalls = 30

	functionCallsTag = "function_calls"
	alertingRuleTag  = "alerting_rule"

	// histories this short are not resumed
	minResumeMessages = 3

	// how long consumers of an aborted reply get to finish
	abortWaitTimeout = 2 * time.Second
)

// ErrMaxFunctionCalls is returned when the model keeps calling functions
// after the per-message budget is spent.
var ErrMaxFunctionCalls = errors.New("exceeded maximum function calls per message")

// LLMRecorder records one model request.
type LLMRecorder interface {
	RecordLLMRequest(model string, err error, duration time.Duration, promptTokens, completionTokens, fragments int)
}

// Options configures a Session.
type Options struct {
	// Key names the stored history; a new key is generated when empty.
	Key              string
	Model            string
	Temperature      float64
	MaxTokens        int
	MaxFunctionCalls int
	// PromptFile replaces the built-in system prompt and is watched for changes.
	PromptFile    string
	PrometheusURL string

	Handlers tagstream.Handlers
	// OnFunctionResults receives the rendered results before they are sent
	// back to the model.
	OnFunctionResults func(results string)

	Observer tagstream.Observer
	Recorder LLMRecorder
	Logger   *zap.Logger
}

// Session is one conversation. ProcessMessage, Continue and Resume must not
// be called concurrently.
type Session struct {
	key       string
	provider  providers.Provider
	functions *promapi.Functions
	store     session.Store
	opts      Options
	log       *zap.Logger
	watcher   *promptWatcher

	history []providers.Message

	mu           sync.RWMutex
	systemPrompt string
	lastRule     *RuleFile
}

// New creates a session. The function definitions are validated against the
// registered handlers before the system prompt is built.
func New(provider providers.Provider, functions *promapi.Functions, store session.Store, opts Options) (*Session, error) {
	if opts.MaxFunctionCalls <= 0 {
		opts.MaxFunctionCalls = DefaultMaxFunctionCalls
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Key == "" {
		opts.Key = session.NewKey()
	}

	if err := functions.ValidateDefinitions(); err != nil {
		return nil, fmt.Errorf("invalid function definitions: %w", err)
	}
	prompt, err := renderPrompt(opts.PromptFile, functions.Definitions())
	if err != nil {
		return nil, err
	}

	s := &Session{
		key:          opts.Key,
		provider:     provider,
		functions:    functions,
		store:        store,
		opts:         opts,
		log:          opts.Logger.With(zap.String("session", opts.Key)),
		systemPrompt: prompt,
	}

	if opts.PromptFile != "" {
		w, err := watchPrompt(opts.PromptFile, s.reloadPrompt, s.log)
		if err != nil {
			s.log.Warn("Prompt file will not be reloaded", zap.Error(err))
		} else {
			s.watcher = w
		}
	}

	s.log.Info("Created new LLM session", zap.String("model", opts.Model))
	return s, nil
}

// Key returns the history key.
func (s *Session) Key() string {
	return s.key
}

// SystemPrompt returns the prompt currently sent with every request.
func (s *Session) SystemPrompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.systemPrompt
}

// History returns the conversation without the system prompt.
func (s *Session) History() []providers.Message {
	return append([]providers.Message(nil), s.history...)
}

// LastRule returns the most recent alerting rule the model produced.
func (s *Session) LastRule() *RuleFile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRule
}

// WelcomeMessage is shown when a chat starts.
func (s *Session) WelcomeMessage() string {
	return fmt.Sprintf("PromQL Alerts Assistant is ready to help you with your alerting rules.\nPrometheus is ready at %s", s.opts.PrometheusURL)
}

// Resume loads the most recently updated history into this session and
// returns how many messages were loaded. Histories too short to be worth
// resuming are skipped.
func (s *Session) Resume() (int, error) {
	key, msgs, err := s.store.Latest()
	if errors.Is(err, session.ErrSessionNotFound) {
		s.log.Info("No recent messages to resume from")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(msgs) <= minResumeMessages {
		s.log.Info("No recent messages to resume from", zap.String("from", key), zap.Int("messages", len(msgs)))
		return 0, nil
	}

	for _, m := range msgs {
		if err := s.addMessage(m.Role, m.Content); err != nil {
			return 0, err
		}
	}
	s.log.Info("Resuming from recent messages", zap.String("from", key), zap.Int("messages", len(msgs)))
	return len(msgs), nil
}

// ProcessMessage sends a user message and runs the conversation until the
// model stops calling functions.
func (s *Session) ProcessMessage(ctx context.Context, text string) error {
	if err := s.addMessage(providers.RoleUser, text); err != nil {
		return err
	}
	return s.run(ctx)
}

// Continue runs the conversation from the current history without adding a
// message, e.g. after Resume.
func (s *Session) Continue(ctx context.Context) error {
	if len(s.history) == 0 {
		return nil
	}
	return s.run(ctx)
}

func (s *Session) run(ctx context.Context) error {
	content, err := s.streamTurn(ctx)
	if err != nil {
		return err
	}

	for remaining := s.opts.MaxFunctionCalls; ; remaining-- {
		calls, ok := tagstream.ExtractJSONTagContent(content, functionCallsTag)
		if !ok {
			s.log.Debug("No function calls found in the response")
			return nil
		}
		if remaining == 0 {
			return ErrMaxFunctionCalls
		}

		results := s.functions.Call(ctx, calls)
		if results == "" {
			return nil
		}
		s.log.Info("Function calls completed",
			zap.Int("results_bytes", len(results)),
			zap.Int("remaining_calls", remaining-1))
		if s.opts.OnFunctionResults != nil {
			s.opts.OnFunctionResults(results)
		}

		if err := s.addMessage(providers.RoleUser, results); err != nil {
			return err
		}
		if content, err = s.streamTurn(ctx); err != nil {
			return err
		}
	}
}

// streamTurn streams one model reply through a fresh demultiplexer, waits
// for every consumer and records the reply.
func (s *Session) streamTurn(ctx context.Context) (string, error) {
	d := tagstream.New(s.handlers(), tagstream.WithLogger(s.log), tagstream.WithObserver(s.opts.Observer))

	start := time.Now()
	resp, err := s.provider.ChatStream(ctx, s.messages(), func(_ context.Context, fragment string) error {
		d.HandleToken(ctx, fragment)
		return nil
	}, providers.WithTemperature(s.opts.Temperature), providers.WithMaxTokens(s.opts.MaxTokens))
	s.record(time.Since(start), resp, err)

	if err != nil {
		d.Abort()
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortWaitTimeout)
		waitErr := d.Wait(waitCtx)
		cancel()
		if waitErr != nil {
			s.log.Debug("Consumers failed after aborted reply", zap.Error(waitErr))
		}
		return "", fmt.Errorf("LLM call failed: %w", err)
	}

	d.Flush(ctx)
	if err := d.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		s.log.Warn("Stream consumer failed", zap.Error(err))
	}

	s.log.Debug("LLM response", zap.String("content", truncate(resp.Content, 400)))
	if err := s.addMessage(providers.RoleAssistant, resp.Content); err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (s *Session) handlers() tagstream.Handlers {
	h := s.opts.Handlers
	onClosed := h.OnTagClosed
	h.OnTagClosed = func(name, text string) {
		if name == alertingRuleTag {
			s.captureRule(text)
		}
		if onClosed != nil {
			onClosed(name, text)
		}
	}
	return h
}

func (s *Session) captureRule(text string) {
	rule, err := ParseAlertingRule(text)
	if err != nil {
		s.log.Warn("Ignoring alerting rule", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.lastRule = rule
	s.mu.Unlock()
	s.log.Info("Captured alerting rule", zap.Int("rules", len(rule.Rules())))
}

func (s *Session) record(d time.Duration, resp *providers.Response, err error) {
	if s.opts.Recorder == nil {
		return
	}
	var prompt, completion, fragments int
	if resp != nil {
		prompt, completion, fragments = resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Fragments
	}
	s.opts.Recorder.RecordLLMRequest(s.opts.Model, err, d, prompt, completion, fragments)
}

func (s *Session) messages() []providers.Message {
	msgs := make([]providers.Message, 0, len(s.history)+1)
	msgs = append(msgs, providers.Message{Role: providers.RoleSystem, Content: s.SystemPrompt()})
	return append(msgs, s.history...)
}

// addMessage appends to the history and persists it. The system prompt is
// never part of the history.
func (s *Session) addMessage(role, content string) error {
	if role == providers.RoleUser {
		s.log.Info("LLM call", zap.String("content", truncate(content, 400)))
	}
	s.history = append(s.history, providers.Message{Role: role, Content: content})
	if err := s.store.Append(s.key, session.Message{Role: role, Content: content}); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (s *Session) reloadPrompt() {
	prompt, err := renderPrompt(s.opts.PromptFile, s.functions.Definitions())
	if err != nil {
		s.log.Warn("Keeping previous system prompt", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.systemPrompt = prompt
	s.mu.Unlock()
	s.log.Info("System prompt reloaded", zap.String("path", s.opts.PromptFile))
}

// Close stops watching the prompt file.
func (s *Session) Close() error {
	if s.watcher != nil {
		return s.watcher.close()
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "..."
}
