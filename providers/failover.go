package providers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// FailoverProvider 支持故障转移的提供商
// 只有在主提供商尚未输出任何片段时才会切换到备用提供商，
// 否则下游已经收到部分回复，再切换会导致两份回复交错
type FailoverProvider struct {
	primary  Provider
	fallback Provider
	breaker  *CircuitBreaker
	log      *zap.Logger
}

// NewFailoverProvider 创建故障转移提供商
func NewFailoverProvider(primary, fallback Provider, log *zap.Logger) *FailoverProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &FailoverProvider{
		primary:  primary,
		fallback: fallback,
		breaker:  NewCircuitBreaker(3, 5*time.Minute),
		log:      log,
	}
}

// Breaker 返回主提供商的断路器
func (p *FailoverProvider) Breaker() *CircuitBreaker {
	return p.breaker
}

func (p *FailoverProvider) ChatStream(ctx context.Context, messages []Message, onChunk StreamCallback, options ...ChatOption) (*Response, error) {
	if !p.breaker.Allow() {
		p.log.Debug("Primary provider circuit open, using fallback")
		return p.fallback.ChatStream(ctx, messages, onChunk, options...)
	}

	emitted := 0
	counted := func(ctx context.Context, fragment string) error {
		emitted++
		if onChunk != nil {
			return onChunk(ctx, fragment)
		}
		return nil
	}

	resp, err := p.primary.ChatStream(ctx, messages, counted, options...)
	if err == nil {
		p.breaker.Success()
		return resp, nil
	}

	reason := ClassifyError(err)
	if reason != FailoverReasonUnknown {
		p.breaker.Failure()
	}
	if ctx.Err() != nil || emitted > 0 || reason == FailoverReasonUnknown {
		return nil, err
	}

	p.log.Warn("Primary provider failed, falling back",
		zap.String("reason", string(reason)),
		zap.String("breaker", p.breaker.State().String()),
		zap.Error(err))
	resp, fbErr := p.fallback.ChatStream(ctx, messages, onChunk, options...)
	if fbErr != nil {
		return nil, fmt.Errorf("fallback after %s: %w", reason, multierr.Append(err, fbErr))
	}
	return resp, nil
}

// Close 关闭连接
func (p *FailoverProvider) Close() error {
	return multierr.Append(p.primary.Close(), p.fallback.Close())
}
