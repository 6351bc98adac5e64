package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"notesync/pkg/httpx"
	"notesync/pkg/syncclient"
	"notesync/pkg/telemetry"

	"github.com/spf13/cobra"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "notesctl:", err)
		osExit(1)
	}
}

func run(ctx context.Context, args []string, out, errOut io.Writer) error {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	URL        string
	Token      string
	Timeout    time.Duration
	Format     string
	Verbose    bool
	NoAnnounce bool
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "notesctl",
		Short:         "Read, edit and watch notes on a notesync server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.complete()
		},
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.URL, "url", "", "server base URL (default $NOTESYNC_URL)")
	flags.StringVar(&opts.Token, "token", "", "bearer token (default $NOTESYNC_TOKEN)")
	flags.DurationVar(&opts.Timeout, "timeout", 10*time.Second, "per-request timeout")
	flags.StringVar(&opts.Format, "format", "text", "output format (text|json)")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging on stderr")
	flags.BoolVar(&opts.NoAnnounce, "no-announce", false, "do not announce mutations on the change stream")

	cmd.AddCommand(
		newListCommand(opts),
		newGetCommand(opts),
		newCreateCommand(opts),
		newUpdateCommand(opts),
		newDeleteCommand(opts),
		newWatchCommand(opts),
	)
	return cmd
}

func (o *rootOptions) complete() error {
	if o.URL == "" {
		o.URL = strings.TrimSpace(os.Getenv("NOTESYNC_URL"))
	}
	if o.Token == "" {
		o.Token = strings.TrimSpace(os.Getenv("NOTESYNC_TOKEN"))
	}
	if o.URL == "" {
		return fmt.Errorf("server URL required: pass --url or set NOTESYNC_URL")
	}
	for _, f := range validFormats {
		if f == o.Format {
			return nil
		}
	}
	return fmt.Errorf("invalid format %q: must be one of %v", o.Format, validFormats)
}

func (o *rootOptions) client() *httpx.Client {
	c := httpx.NewClient(o.URL, o.Token, o.Timeout)
	c.HTTPClient = telemetry.InstrumentClient(c.HTTPClient)
	return c
}

func (o *rootOptions) stream(logger *slog.Logger, notify func()) (*syncclient.Stream, error) {
	u, err := syncclient.StreamURL(o.URL)
	if err != nil {
		return nil, err
	}
	return &syncclient.Stream{URL: u, Token: o.Token, Notify: notify, Logger: logger}, nil
}

func (o *rootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
