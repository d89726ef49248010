package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const appDir = ".alertsmith"

// Load 加载配置文件
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		home, err := ResolveUserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}

		// 1) ./.alertsmith/config.json 2) ./config.json 3) ~/.alertsmith/config.json
		v.AddConfigPath(filepath.Join(".", appDir))
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(home, appDir))
		v.SetConfigName("config")
		v.SetConfigType("json")
	}

	v.SetEnvPrefix("ALERTSMITH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// 配置文件不存在，使用默认值和环境变量
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.History.Dir = ExpandUserPath(cfg.History.Dir)
	cfg.Agent.PromptFile = ExpandUserPath(cfg.Agent.PromptFile)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.model", "anthropic:claude-3-5-sonnet-20241022")
	v.SetDefault("agent.fallback_model", "")
	v.SetDefault("agent.temperature", 0.2)
	v.SetDefault("agent.max_tokens", 1000)
	v.SetDefault("agent.max_function_calls", 30)
	v.SetDefault("agent.prompt_file", "")

	v.SetDefault("providers.openai.timeout", 60*time.Second)
	v.SetDefault("providers.anthropic.timeout", 60*time.Second)
	v.SetDefault("providers.openrouter.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("providers.openrouter.timeout", 60*time.Second)
	v.SetDefault("providers.fake.parts", 4)
	v.SetDefault("providers.fake.delay", 800*time.Millisecond)

	v.SetDefault("prometheus.url", "http://localhost:9095")
	// 使用 time.Duration 默认值，整数会被解析为纳秒
	v.SetDefault("prometheus.timeout", 30*time.Second)

	v.SetDefault("history.backend", "json")
	v.SetDefault("history.dir", "~/"+appDir+"/history")
	v.SetDefault("history.start_from_recent", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", false)

	v.SetDefault("metrics.addr", "")
}

// Save 保存配置到文件
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 文件中包含 api key
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetDefaultConfigPath 获取默认配置文件路径
func GetDefaultConfigPath() (string, error) {
	home, err := ResolveUserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, appDir, "config.json"), nil
}

// Validate 验证配置
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Agent.Model) == "" {
		return fmt.Errorf("agent config invalid: model cannot be empty")
	}
	if cfg.Agent.Temperature < 0 || cfg.Agent.Temperature > 2 {
		return fmt.Errorf("agent config invalid: temperature must be between 0 and 2")
	}
	if cfg.Agent.MaxTokens <= 0 {
		return fmt.Errorf("agent config invalid: max_tokens must be positive")
	}
	if cfg.Agent.MaxFunctionCalls <= 0 {
		return fmt.Errorf("agent config invalid: max_function_calls must be positive")
	}

	switch cfg.History.Backend {
	case "json", "sqlite":
	default:
		return fmt.Errorf("history config invalid: unknown backend %q", cfg.History.Backend)
	}

	if strings.TrimSpace(cfg.Prometheus.URL) == "" {
		return fmt.Errorf("prometheus config invalid: url cannot be empty")
	}
	return nil
}
