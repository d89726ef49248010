package config

import "time"

// Config 是主配置结构
type Config struct {
	Agent      AgentConfig      `mapstructure:"agent" json:"agent"`
	Providers  ProvidersConfig  `mapstructure:"providers" json:"providers"`
	Prometheus PrometheusConfig `mapstructure:"prometheus" json:"prometheus"`
	History    HistoryConfig    `mapstructure:"history" json:"history"`
	Log        LogConfig        `mapstructure:"log" json:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics" json:"metrics"`
}

// AgentConfig 助手对话配置
type AgentConfig struct {
	// Model 格式为 "<provider>:<model>"，如 "anthropic:claude-3-5-sonnet-20241022"，或 "fake"
	Model            string  `mapstructure:"model" json:"model"`
	// FallbackModel 主模型在输出任何内容前失败时使用
	FallbackModel    string  `mapstructure:"fallback_model" json:"fallback_model"`
	Temperature      float64 `mapstructure:"temperature" json:"temperature"`
	MaxTokens        int     `mapstructure:"max_tokens" json:"max_tokens"`
	MaxFunctionCalls int     `mapstructure:"max_function_calls" json:"max_function_calls"`
	// PromptFile 替换内置系统提示词，文件变化时自动重新加载
	PromptFile       string  `mapstructure:"prompt_file" json:"prompt_file"`
}

// ProvidersConfig LLM 提供商配置
type ProvidersConfig struct {
	OpenAI     ProviderConfig     `mapstructure:"openai" json:"openai"`
	Anthropic  ProviderConfig     `mapstructure:"anthropic" json:"anthropic"`
	OpenRouter ProviderConfig     `mapstructure:"openrouter" json:"openrouter"`
	Fake       FakeProviderConfig `mapstructure:"fake" json:"fake"`
}

// ProviderConfig 单个提供商配置
type ProviderConfig struct {
	APIKey  string        `mapstructure:"api_key" json:"api_key"`
	BaseURL string        `mapstructure:"base_url" json:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// FakeProviderConfig 离线提供商配置，将预设回复随机切片后回放
type FakeProviderConfig struct {
	Parts int           `mapstructure:"parts" json:"parts"`
	Delay time.Duration `mapstructure:"delay" json:"delay"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	URL     string        `mapstructure:"url" json:"url"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// HistoryConfig 会话历史配置
type HistoryConfig struct {
	Backend         string `mapstructure:"backend" json:"backend"` // json, sqlite
	Dir             string `mapstructure:"dir" json:"dir"`
	StartFromRecent bool   `mapstructure:"start_from_recent" json:"start_from_recent"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `mapstructure:"level" json:"level"`
	Encoding    string `mapstructure:"encoding" json:"encoding"`
	Development bool   `mapstructure:"development" json:"development"`
}

// MetricsConfig /metrics 端点配置，Addr 为空时不启用
type MetricsConfig struct {
	Addr string `mapstructure:"addr" json:"addr"`
}
