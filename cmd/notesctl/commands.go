package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"notesync/pkg/httpx"
	"notesync/pkg/notes"
	"notesync/pkg/syncclient"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your notes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var records []notes.Record
			if _, err := opts.client().Do(cmd.Context(), http.MethodGet, "/v1/notes", nil, &records); err != nil {
				return err
			}
			return writeRecords(cmd.OutOrStdout(), opts.Format, records)
		},
	}
}

func newGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec notes.Record
			if _, err := opts.client().Do(cmd.Context(), http.MethodGet, notePath(args[0]), nil, &rec); err != nil {
				return err
			}
			return writeRecords(cmd.OutOrStdout(), opts.Format, []notes.Record{rec})
		},
	}
}

func newCreateCommand(opts *rootOptions) *cobra.Command {
	var p notes.Payload
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a note",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec notes.Record
			if _, err := opts.client().Do(cmd.Context(), http.MethodPost, "/v1/notes", p, &rec); err != nil {
				return err
			}
			announce(cmd, opts)
			return writeRecords(cmd.OutOrStdout(), opts.Format, []notes.Record{rec})
		},
	}
	cmd.Flags().StringVar(&p.Title, "title", "", "note title")
	cmd.Flags().StringVar(&p.Content, "content", "", "note body")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newUpdateCommand(opts *rootOptions) *cobra.Command {
	var p notes.Payload
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change the title or body of a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if p.Title == "" && p.Content == "" {
				return errors.New("nothing to update: pass --title or --content")
			}
			var rec notes.Record
			if _, err := opts.client().Do(cmd.Context(), http.MethodPatch, notePath(args[0]), p, &rec); err != nil {
				return err
			}
			announce(cmd, opts)
			return writeRecords(cmd.OutOrStdout(), opts.Format, []notes.Record{rec})
		},
	}
	cmd.Flags().StringVar(&p.Title, "title", "", "new title")
	cmd.Flags().StringVar(&p.Content, "content", "", "new body")
	return cmd
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := opts.client().Do(cmd.Context(), http.MethodDelete, notePath(args[0]), nil, nil); err != nil {
				return err
			}
			announce(cmd, opts)
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print your notes every time they change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr(), count)
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many successful refreshes (0 runs until interrupted)")
	return cmd
}

func watch(ctx context.Context, opts *rootOptions, out, errOut io.Writer, count int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger := opts.logger(errOut)

	client := syncclient.New(syncclient.HTTPFetcher{Client: opts.client()},
		syncclient.WithLogger(logger),
		syncclient.WithFetchTimeout(opts.Timeout),
	)
	// rejected is written only from the refresh goroutine and read after Wait.
	var rejected error
	client.OnUpdate = func(v syncclient.View) {
		var se *httpx.StatusError
		if errors.As(v.Err, &se) && se.Status == http.StatusUnauthorized {
			rejected = fmt.Errorf("server rejected credentials: %w", v.Err)
			cancel()
			return
		}
		if v.Err != nil {
			fmt.Fprintf(errOut, "refresh failed, still showing revision %d: %v\n", v.Revision, v.Err)
			return
		}
		if err := writeView(out, opts.Format, v); err != nil {
			logger.Warn("write view", "err", err)
		}
		if count > 0 && v.Revision >= uint64(count) {
			cancel()
		}
	}
	st, err := opts.stream(logger, client.Notify)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return st.Run(gctx) })
	g.Go(func() error {
		client.Run(gctx)
		return nil
	})
	err = g.Wait()
	if rejected != nil {
		return rejected
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// announce is best effort: the mutation already succeeded, so failures are
// only logged.
func announce(cmd *cobra.Command, opts *rootOptions) {
	if opts.NoAnnounce {
		return
	}
	logger := opts.logger(cmd.ErrOrStderr())
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	st, err := opts.stream(logger, nil)
	if err != nil {
		logger.Warn("announce skipped", "err", err)
		return
	}
	conn, err := st.Connect(ctx)
	if err != nil {
		logger.Warn("announce failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	if err := st.Announce(ctx); err != nil {
		logger.Warn("announce failed", "err", err)
		return
	}
	logger.Debug("change announced")
}

func notePath(id string) string {
	return "/v1/notes/" + url.PathEscape(id)
}

func writeRecords(w io.Writer, format string, records []notes.Record) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if records == nil {
			records = []notes.Record{}
		}
		return enc.Encode(records)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tUPDATED")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, r.Title, r.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func writeView(w io.Writer, format string, v syncclient.View) error {
	if format == "json" {
		return json.NewEncoder(w).Encode(struct {
			Revision uint64         `json:"revision"`
			Records  []notes.Record `json:"records"`
		}{v.Revision, v.Records})
	}
	fmt.Fprintf(w, "revision %d: %d notes\n", v.Revision, len(v.Records))
	return writeRecords(w, format, v.Records)
}
