package providers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/tmc/langchaingo/llms/openai"
)

// DefaultOpenRouterBaseURL 未配置 base URL 时使用的 OpenRouter 地址
const DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// NewOpenAIProvider 创建 OpenAI 提供商
func NewOpenAIProvider(apiKey, baseURL, model string, timeout time.Duration) (Provider, error) {
	if model == "" {
		model = "gpt-4o"
	}
	return newOpenAICompatible("openai", apiKey, baseURL, model, timeout)
}

// NewOpenRouterProvider 创建 OpenRouter 提供商
// OpenRouter 兼容 OpenAI 协议，只需替换地址
func NewOpenRouterProvider(apiKey, baseURL, model string, timeout time.Duration) (Provider, error) {
	if model == "" {
		model = "anthropic/claude-3.5-sonnet"
	}
	if baseURL == "" {
		baseURL = DefaultOpenRouterBaseURL
	}
	return newOpenAICompatible("openrouter", apiKey, baseURL, model, timeout)
}

func newOpenAICompatible(name, apiKey, baseURL, model string, timeout time.Duration) (Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s: API key is required", name)
	}

	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, openai.WithHTTPClient(&http.Client{Timeout: timeout}))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, err
	}

	return &llmProvider{
		name:         name,
		llm:          llm,
		model:        model,
		systemInline: true,
	}, nil
}
