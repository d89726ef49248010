package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/smallnest/alertsmith/internal/logger"
	"github.com/smallnest/alertsmith/providers"
	"github.com/smallnest/alertsmith/tagstream"
)

var splitCmd = &cobra.Command{
	Use:   "split [file]",
	Short: "Stream a text through the tag demultiplexer",
	Long: `Cut a text (a file, or stdin) into random fragments, feed them to the
demultiplexer as if a model streamed them and print the resulting segments.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runSplit,
}

var (
	splitParts int
	splitSeed  int64
	splitDelay time.Duration
	splitJSON  bool
)

func init() {
	splitCmd.Flags().IntVar(&splitParts, "parts", 8, "Number of random cut points")
	splitCmd.Flags().Int64Var(&splitSeed, "seed", 0, "Seed for the cut points (0 picks one)")
	splitCmd.Flags().DurationVar(&splitDelay, "delay", 0, "Delay before each fragment")
	splitCmd.Flags().BoolVar(&splitJSON, "json", false, "Print segments as JSON lines")
}

func runSplit(cmd *cobra.Command, args []string) {
	if _, err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	var r io.Reader = os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}

	opts := splitOptions{parts: splitParts, seed: splitSeed, delay: splitDelay, json: splitJSON}
	if err := splitText(cmd.Context(), string(data), opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type splitOptions struct {
	parts int
	seed  int64
	delay time.Duration
	json  bool
}

type segment struct {
	Kind string `json:"kind"` // fragment, message, tag, dropped
	Name string `json:"name,omitempty"`
	Text string `json:"text,omitempty"`
}

// splitResult collects what the demultiplexer delivered. Tags are kept in
// the order their closing delimiter was seen.
type splitResult struct {
	mu        sync.Mutex
	fragments []string
	message   strings.Builder
	tags      []segment
	dropped   []string
}

func (r *splitResult) StreamOpened(tagstream.Kind, string) {}
func (r *splitResult) StreamClosed(tagstream.Kind, string) {}

func (r *splitResult) TagDropped(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, name)
}

func (r *splitResult) handlers() tagstream.Handlers {
	return tagstream.Handlers{
		OnMessage: func(ctx context.Context, s *tagstream.Stream) error {
			text, err := s.ReadAll(ctx)
			r.mu.Lock()
			r.message.WriteString(text)
			r.mu.Unlock()
			return err
		},
		OnTagClosed: func(name, text string) {
			r.mu.Lock()
			r.tags = append(r.tags, segment{Kind: "tag", Name: name, Text: text})
			r.mu.Unlock()
		},
	}
}

func (r *splitResult) segments() []segment {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]segment, 0, len(r.fragments)+len(r.tags)+len(r.dropped)+1)
	for _, f := range r.fragments {
		out = append(out, segment{Kind: "fragment", Text: f})
	}
	out = append(out, segment{Kind: "message", Text: r.message.String()})
	out = append(out, r.tags...)
	for _, name := range r.dropped {
		out = append(out, segment{Kind: "dropped", Name: name})
	}
	return out
}

// splitText replays text through the fake provider so it arrives in random
// fragments, exactly like a streamed model reply.
func splitText(ctx context.Context, text string, opts splitOptions, w io.Writer) error {
	var fakeOpts []providers.FakeOption
	fakeOpts = append(fakeOpts, providers.WithScript(text))
	if opts.seed != 0 {
		fakeOpts = append(fakeOpts, providers.WithSeed(opts.seed))
	}
	fake := providers.NewFakeProvider(opts.parts, opts.delay, fakeOpts...)

	res := &splitResult{}
	d := tagstream.New(res.handlers(), tagstream.WithLogger(logger.L()), tagstream.WithObserver(res))

	_, err := fake.ChatStream(ctx, nil, func(ctx context.Context, fragment string) error {
		res.mu.Lock()
		res.fragments = append(res.fragments, fragment)
		res.mu.Unlock()
		d.HandleToken(ctx, fragment)
		return nil
	})
	if err != nil {
		d.Abort()
		return multierr.Append(err, d.Wait(ctx))
	}
	d.Flush(ctx)
	if err := d.Wait(ctx); err != nil {
		return err
	}

	segments := res.segments()
	if opts.json {
		enc := json.NewEncoder(w)
		for _, s := range segments {
			if err := enc.Encode(s); err != nil {
				return err
			}
		}
		return nil
	}

	for _, s := range segments {
		var err error
		switch s.Kind {
		case "fragment":
			_, err = fmt.Fprintf(w, "fragment %q\n", s.Text)
		case "message":
			_, err = fmt.Fprintf(w, "── message\n%s\n", s.Text)
		case "tag":
			_, err = fmt.Fprintf(w, "── tag %s\n%s\n", s.Name, s.Text)
		case "dropped":
			_, err = fmt.Fprintf(w, "── dropped unterminated tag %q\n", s.Name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
