// Package cli 实现 alertsmith 命令行，将助手与流解析器组装起来
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smallnest/alertsmith/config"
	"github.com/smallnest/alertsmith/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "alertsmith",
	Short: "Build Prometheus alerting rules with an LLM",
	Long: `alertsmith chats with an LLM that inspects a Prometheus server through
function calls and proposes alerting rules. Model output is streamed and split
into plain message text and tagged sections as it arrives.`,
	SilenceUsage: true,
}

var (
	cfgFile  string
	logLevel string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(splitCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute 执行根命令
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig 加载配置并初始化日志
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Encoding, cfg.Log.Development); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}
