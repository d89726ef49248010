package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/smallnest/alertsmith/internal/logger"
	"github.com/smallnest/alertsmith/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored conversations",
	Long:  `List and show conversations kept in the history store.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Run:   runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Print the messages of a session",
	Args:  cobra.ExactArgs(1),
	Run:   runSessionsShow,
}

// Flags for sessions list
var (
	sessionsListJSON    bool
	sessionsListVerbose bool
	sessionsListActive  bool
)

func init() {
	sessionsListCmd.Flags().BoolVar(&sessionsListJSON, "json", false, "Output in JSON format")
	sessionsListCmd.Flags().BoolVar(&sessionsListVerbose, "verbose", false, "Show the last message of each session")
	sessionsListCmd.Flags().BoolVar(&sessionsListActive, "active", false, "Show only active sessions")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
}

// SessionInfo represents session information for display
type SessionInfo struct {
	Key          string    `json:"key"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastMessage  string    `json:"last_message,omitempty"`
	Active       bool      `json:"active"`
}

type listOptions struct {
	json    bool
	verbose bool
	active  bool
}

func openStore() session.Store {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	store, err := session.NewStore(cfg.History)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening history: %v\n", err)
		os.Exit(1)
	}
	return store
}

// runSessionsList lists all sessions
func runSessionsList(cmd *cobra.Command, args []string) {
	store := openStore()
	defer store.Close()
	defer logger.Sync()

	opts := listOptions{json: sessionsListJSON, verbose: sessionsListVerbose, active: sessionsListActive}
	if err := listSessions(store, os.Stdout, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error listing sessions: %v\n", err)
		os.Exit(1)
	}
}

func runSessionsShow(cmd *cobra.Command, args []string) {
	store := openStore()
	defer store.Close()
	defer logger.Sync()

	msgs, err := store.Load(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	for _, m := range msgs {
		fmt.Printf("[%s] %s\n%s\n\n", m.Timestamp.Format(time.RFC3339), m.Role, m.Content)
	}
}

func sessionInfos(store session.Store) ([]*SessionInfo, error) {
	keys, err := store.List()
	if err != nil {
		return nil, err
	}

	sessions := make([]*SessionInfo, 0, len(keys))
	for _, key := range keys {
		msgs, err := store.Load(key)
		if err != nil {
			logger.Warn("Could not load session", zap.String("key", key), zap.Error(err))
			continue
		}
		info := &SessionInfo{Key: key, MessageCount: len(msgs)}
		if len(msgs) > 0 {
			first, last := msgs[0], msgs[len(msgs)-1]
			info.CreatedAt = first.Timestamp
			info.UpdatedAt = last.Timestamp
			info.LastMessage = truncateString(strings.Join(strings.Fields(last.Content), " "), 50)
		}
		// updated within the last 24 hours
		info.Active = time.Since(info.UpdatedAt) < 24*time.Hour
		sessions = append(sessions, info)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

func listSessions(store session.Store, w io.Writer, opts listOptions) error {
	sessions, err := sessionInfos(store)
	if err != nil {
		return err
	}
	if opts.active {
		active := sessions[:0]
		for _, s := range sessions {
			if s.Active {
				active = append(active, s)
			}
		}
		sessions = active
	}

	if opts.json {
		data, err := json.MarshalIndent(sessions, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	if len(sessions) == 0 {
		_, err := fmt.Fprintln(w, "No sessions found.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if opts.verbose {
		fmt.Fprintf(tw, "KEY\tMESSAGES\tCREATED\tUPDATED\tLAST MESSAGE\n")
		for _, s := range sessions {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", s.Key, s.MessageCount,
				formatTime(s.CreatedAt), formatTime(s.UpdatedAt), s.LastMessage)
		}
	} else {
		fmt.Fprintf(tw, "KEY\tMESSAGES\tUPDATED\n")
		for _, s := range sessions {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", s.Key, s.MessageCount, formatTime(s.UpdatedAt))
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "\nTotal: %d session(s)\n", len(sessions))
	return err
}

// formatTime formats a time value for display
func formatTime(t time.Time) string {
	diff := time.Since(t)
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
	return t.Format("2006-01-02")
}

// truncateString truncates a string to a maximum length
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return strings.ToValidUTF8(s[:maxLen], "") + "..."
}
