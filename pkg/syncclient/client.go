// Package syncclient keeps a local copy of the caller's notes in step with the
// server by re-fetching whenever a change signal arrives.
package syncclient

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"notesync/pkg/httpx"
	"notesync/pkg/notes"
)

// Fetcher returns the caller's authorized view.
type Fetcher interface {
	Fetch(ctx context.Context) ([]notes.Record, error)
}

type HTTPFetcher struct {
	Client *httpx.Client
}

func (f HTTPFetcher) Fetch(ctx context.Context) ([]notes.Record, error) {
	var out []notes.Record
	if _, err := f.Client.Do(ctx, http.MethodGet, "/v1/notes", nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []notes.Record{}
	}
	return out, nil
}

// View is a point-in-time copy of the client's state. Records always holds
// the last successful fetch; Err is the most recent failure, cleared on success.
type View struct {
	Records   []notes.Record
	Revision  uint64
	FetchedAt time.Time
	Err       error
}

type Client struct {
	fetcher Fetcher
	sched   *Scheduler
	logger  *slog.Logger
	timeout time.Duration

	mu   sync.RWMutex
	view View

	// OnUpdate is called after every fetch attempt with the resulting view.
	OnUpdate func(View)
}

type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithFetchTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func New(f Fetcher, opts ...Option) *Client {
	c := &Client{
		fetcher: f,
		logger:  slog.Default(),
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sched = NewScheduler(c.refresh)
	return c
}

// Notify schedules a re-fetch. Calls made while one is pending coalesce.
func (c *Client) Notify() {
	c.sched.Trigger()
}

// Run performs an initial fetch and then serves notifications until ctx ends.
func (c *Client) Run(ctx context.Context) {
	c.Notify()
	c.sched.Run(ctx)
}

func (c *Client) Snapshot() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v := c.view
	v.Records = append([]notes.Record(nil), c.view.Records...)
	return v
}

func (c *Client) refresh(ctx context.Context) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	records, err := c.fetcher.Fetch(ctx)
	c.mu.Lock()
	if err != nil {
		c.view.Err = err
	} else {
		c.view.Records = records
		c.view.Revision++
		c.view.FetchedAt = time.Now().UTC()
		c.view.Err = nil
	}
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("refresh failed, keeping previous view", "err", err)
	} else {
		c.logger.Debug("view refreshed", "records", len(records))
	}
	if c.OnUpdate != nil {
		c.OnUpdate(c.Snapshot())
	}
}
