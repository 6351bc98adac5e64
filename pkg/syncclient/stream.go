package syncclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"notesync/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

var (
	ErrNotConnected = errors.New("stream not connected")
	// ErrUnauthorized means the server refused the token; reconnecting will not help.
	ErrUnauthorized = errors.New("stream rejected credentials")
)

// Stream holds the persistent change channel for one client. Inbound change
// signals call Notify; Announce sends a change notice after a local mutation.
type Stream struct {
	URL       string
	Token     string
	Notify    func()
	Reconnect time.Duration
	Logger    *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// StreamURL maps an http(s) base URL to the ws(s) stream endpoint.
func StreamURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/stream"
	return u.String(), nil
}

func (s *Stream) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Connect dials once and returns when the server has accepted the stream.
func (s *Stream) Connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if s.Token != "" {
		header.Set("Authorization", "Bearer "+s.Token)
	}
	conn, resp, err := websocket.Dial(ctx, s.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return conn, nil
}

// Listen reads signals until the connection fails or ctx ends.
func (s *Stream) Listen(ctx context.Context, conn *websocket.Conn) error {
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "closed")
	}()
	for {
		var sig stream.Signal
		if err := wsjson.Read(ctx, conn, &sig); err != nil {
			return err
		}
		switch sig.Type {
		case stream.TypeChanged, stream.TypeReady:
			// ready also triggers a fetch: changes made while disconnected were missed.
			if s.Notify != nil {
				s.Notify()
			}
		}
	}
}

// Run keeps the stream connected until ctx ends. It gives up with
// ErrUnauthorized when the server rejects the token.
func (s *Stream) Run(ctx context.Context) error {
	delay := s.Reconnect
	if delay <= 0 {
		delay = 2 * time.Second
	}
	for {
		conn, err := s.Connect(ctx)
		if err == nil {
			err = s.Listen(ctx, conn)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		s.logger().Warn("stream disconnected", "err", err, "retry_in", delay)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Announce tells other connections that something changed.
func (s *Stream) Announce(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return wsjson.Write(ctx, conn, stream.Changed(""))
}
