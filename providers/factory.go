package providers

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/smallnest/alertsmith/config"
)

// ProviderType 提供商类型
type ProviderType string

const (
	ProviderTypeOpenAI     ProviderType = "openai"
	ProviderTypeAnthropic  ProviderType = "anthropic"
	ProviderTypeOpenRouter ProviderType = "openrouter"
	ProviderTypeFake       ProviderType = "fake"
)

// NewProvider 创建提供商
// 配置了 agent.fallback_model 时返回 FailoverProvider
func NewProvider(cfg *config.Config, log *zap.Logger) (Provider, error) {
	if log == nil {
		log = zap.NewNop()
	}

	primary, err := NewSimpleProvider(cfg, cfg.Agent.Model)
	if err != nil {
		return nil, err
	}
	if cfg.Agent.FallbackModel == "" {
		return primary, nil
	}

	fallback, err := NewSimpleProvider(cfg, cfg.Agent.FallbackModel)
	if err != nil {
		_ = primary.Close()
		return nil, fmt.Errorf("fallback model: %w", err)
	}
	log.Info("Provider failover enabled",
		zap.String("primary", cfg.Agent.Model),
		zap.String("fallback", cfg.Agent.FallbackModel))
	return NewFailoverProvider(primary, fallback, log), nil
}

// NewSimpleProvider 创建单一提供商
func NewSimpleProvider(cfg *config.Config, model string) (Provider, error) {
	providerType, name, err := ParseModel(model)
	if err != nil {
		return nil, err
	}

	switch providerType {
	case ProviderTypeOpenAI:
		c := cfg.Providers.OpenAI
		key, err := apiKey(providerType, c.APIKey, "OPENAI_API_KEY")
		if err != nil {
			return nil, err
		}
		return NewOpenAIProvider(key, c.BaseURL, name, c.Timeout)
	case ProviderTypeAnthropic:
		c := cfg.Providers.Anthropic
		key, err := apiKey(providerType, c.APIKey, "ANTHROPIC_API_KEY")
		if err != nil {
			return nil, err
		}
		return NewAnthropicProvider(key, c.BaseURL, name, c.Timeout)
	case ProviderTypeOpenRouter:
		c := cfg.Providers.OpenRouter
		key, err := apiKey(providerType, c.APIKey, "OPENROUTER_API_KEY")
		if err != nil {
			return nil, err
		}
		return NewOpenRouterProvider(key, c.BaseURL, name, c.Timeout)
	case ProviderTypeFake:
		return NewFakeProvider(cfg.Providers.Fake.Parts, cfg.Providers.Fake.Delay), nil
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", providerType)
	}
}

// ParseModel 解析 "<provider>:<model>" 格式的模型名
// 不带前缀的 "claude-*" 和 "gpt-*" 分别识别为 Anthropic 和 OpenAI
func ParseModel(model string) (ProviderType, string, error) {
	model = strings.TrimSpace(model)
	if model == string(ProviderTypeFake) {
		return ProviderTypeFake, "", nil
	}

	if prefix, name, ok := strings.Cut(model, ":"); ok {
		switch pt := ProviderType(prefix); pt {
		case ProviderTypeOpenAI, ProviderTypeAnthropic, ProviderTypeOpenRouter, ProviderTypeFake:
			return pt, name, nil
		default:
			return "", "", fmt.Errorf("unsupported provider type: %s", prefix)
		}
	}

	switch {
	case strings.HasPrefix(model, "claude-"):
		return ProviderTypeAnthropic, model, nil
	case strings.HasPrefix(model, "gpt-"):
		return ProviderTypeOpenAI, model, nil
	}
	return "", "", fmt.Errorf("cannot determine provider for model %q", model)
}

// apiKey 未配置时回退到提供商约定的环境变量
func apiKey(pt ProviderType, configured, env string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if v := os.Getenv(env); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s api_key is empty and %s is unset", ErrProviderNotConfigured, pt, env)
}
