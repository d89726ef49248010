package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/smallnest/alertsmith/assistant"
	"github.com/smallnest/alertsmith/cli/input"
	"github.com/smallnest/alertsmith/config"
	"github.com/smallnest/alertsmith/internal/logger"
	"github.com/smallnest/alertsmith/internal/metrics"
	"github.com/smallnest/alertsmith/promapi"
	"github.com/smallnest/alertsmith/providers"
	"github.com/smallnest/alertsmith/session"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive alerting rule assistant",
	Run:   runChat,
}

var (
	chatContinueSession bool
	chatRuleOut         string
	chatShowFunctions   bool
)

func init() {
	chatCmd.Flags().BoolVarP(&chatContinueSession, "continue", "c", false, "Continue the most recent conversation")
	chatCmd.Flags().StringVar(&chatRuleOut, "rule-out", "", "Write the latest alerting rule to this YAML file")
	chatCmd.Flags().BoolVar(&chatShowFunctions, "show-functions", false, "Print function call bodies and results")
}

// runChat runs the interactive chat loop.
func runChat(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := chat(cmd.Context(), cfg, os.Stdout); err != nil {
		logger.Error("Chat failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func chat(ctx context.Context, cfg *config.Config, out io.Writer) error {
	log := logger.L()
	collector := metrics.NewCollector("alertsmith", log)

	if cfg.Metrics.Addr != "" {
		srv, err := collector.Listen(cfg.Metrics.Addr)
		if err != nil {
			return err
		}
		metricsCtx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			if err := srv.Serve(metricsCtx); err != nil {
				log.Warn("Metrics server stopped", zap.Error(err))
			}
		}()
		log.Info("Serving metrics", zap.String("addr", srv.Addr()))
	}

	provider, err := providers.NewProvider(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create LLM provider: %w", err)
	}
	defer provider.Close()

	client, err := promapi.NewClient(cfg.Prometheus.URL, cfg.Prometheus.Timeout, log)
	if err != nil {
		return err
	}
	if err := client.Ready(ctx); err != nil {
		log.Warn("Prometheus is not reachable yet", zap.String("url", client.URL()), zap.Error(err))
	}
	functions := promapi.NewFunctions(client, log)
	functions.SetObserver(collector)

	store, err := session.NewStore(cfg.History)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer store.Close()

	var hidden []string
	if !chatShowFunctions {
		hidden = append(hidden, "function_calls")
	}
	view := newRenderer(out, hidden...)

	sess, err := assistant.New(provider, functions, store, assistant.Options{
		Model:            cfg.Agent.Model,
		Temperature:      cfg.Agent.Temperature,
		MaxTokens:        cfg.Agent.MaxTokens,
		MaxFunctionCalls: cfg.Agent.MaxFunctionCalls,
		PromptFile:       cfg.Agent.PromptFile,
		PrometheusURL:    client.URL(),
		Handlers:         view.handlers(),
		OnFunctionResults: func(results string) {
			if chatShowFunctions {
				view.write("\n" + results + "\n")
			}
		},
		Observer: collector,
		Recorder: collector,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	fmt.Fprintln(out, sess.WelcomeMessage())
	fmt.Fprintln(out, "Commands: /rule /exit")
	fmt.Fprintln(out)

	resume, err := shouldResume(cfg, store)
	if err != nil {
		return err
	}
	if resume {
		n, err := sess.Resume()
		if err != nil {
			return fmt.Errorf("failed to resume: %w", err)
		}
		if n > 0 {
			fmt.Fprintf(out, "Resumed %d messages\n", n)
			if err := turn(ctx, sess, out, func(ctx context.Context) error { return sess.Continue(ctx) }); err != nil {
				return err
			}
		}
	}

	rl, err := input.NewReadline("➤ ", historyFile(cfg))
	if err != nil {
		return fmt.Errorf("failed to start readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				break
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			fmt.Fprintln(out, "Goodbye!")
			return nil
		case "/rule":
			printRule(out, sess.LastRule())
			continue
		}

		err = turn(ctx, sess, out, func(ctx context.Context) error { return sess.ProcessMessage(ctx, line) })
		if err != nil {
			return err
		}
	}
	fmt.Fprintln(out, "Goodbye!")
	return nil
}

// turn runs one exchange. Ctrl-C cancels the exchange, not the program;
// failures other than ErrMaxFunctionCalls or cancellation end the chat.
func turn(ctx context.Context, sess *assistant.Session, out io.Writer, fn func(context.Context) error) error {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	err := fn(turnCtx)
	fmt.Fprintln(out)
	switch {
	case err == nil:
	case errors.Is(err, assistant.ErrMaxFunctionCalls):
		fmt.Fprintf(out, "[%v]\n", err)
	case turnCtx.Err() != nil && ctx.Err() == nil:
		fmt.Fprintln(out, "[interrupted]")
	default:
		return err
	}

	if chatRuleOut != "" && sess.LastRule() != nil {
		if err := writeRule(chatRuleOut, sess.LastRule()); err != nil {
			logger.Warn("Failed to write alerting rule", zap.String("path", chatRuleOut), zap.Error(err))
		}
	}
	return nil
}

// shouldResume asks only when recent history exists and nothing decided it.
func shouldResume(cfg *config.Config, store session.Store) (bool, error) {
	if chatContinueSession || cfg.History.StartFromRecent {
		return true, nil
	}
	if !input.IsTerminal() {
		return false, nil
	}
	keys, err := store.List()
	if err != nil {
		return false, err
	}
	if len(keys) == 0 {
		return false, nil
	}
	return input.Confirm("Continue the most recent conversation")
}

func historyFile(cfg *config.Config) string {
	if cfg.History.Dir == "" {
		return ""
	}
	if err := os.MkdirAll(cfg.History.Dir, 0755); err != nil {
		return ""
	}
	return filepath.Join(cfg.History.Dir, "readline_history")
}

func printRule(out io.Writer, rule *assistant.RuleFile) {
	if rule == nil {
		fmt.Fprintln(out, "No alerting rule yet.")
		return
	}
	data, err := rule.YAML()
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return
	}
	fmt.Fprint(out, string(data))
}

func writeRule(path string, rule *assistant.RuleFile) error {
	data, err := rule.YAML()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}
