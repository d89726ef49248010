package providers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/tmc/langchaingo/llms/anthropic"
)

// NewAnthropicProvider 创建 Anthropic 提供商
// system 提示词会合并到第一条用户消息中
func NewAnthropicProvider(apiKey, baseURL, model string, timeout time.Duration) (Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}

	if model == "" {
		model = "claude-3-5-sonnet-20241022"
	}

	opts := []anthropic.Option{
		anthropic.WithToken(apiKey),
		anthropic.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, anthropic.WithHTTPClient(&http.Client{Timeout: timeout}))
	}

	llm, err := anthropic.New(opts...)
	if err != nil {
		return nil, err
	}

	return &llmProvider{
		name:  "anthropic",
		llm:   llm,
		model: model,
	}, nil
}
