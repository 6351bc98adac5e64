package main

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"notesync/pkg/auth"
	"notesync/pkg/httpx"
	"notesync/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const writeTimeout = 5 * time.Second

// streamEvents upgrades an authenticated request and keeps the connection
// joined to the hub until the client goes away, the keepalive fails, or the
// server shuts down.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(s.Config.WSAllowedOrigins); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.Logger.Debug("stream upgrade failed", "err", err)
		return
	}
	conn := stream.NewConn(uuid.NewString(), id, s.Config.StreamBuffer)
	if !s.Hub.Join(conn) {
		_ = ws.Close(websocket.StatusInternalError, "join failed")
		return
	}
	s.Metrics.StreamOpened()
	log := s.Logger.With("conn_id", conn.ID, "identity", id)
	log.Debug("stream joined", "members", s.Hub.Len())

	ctx, cancel := context.WithCancel(r.Context())
	reason := s.serveStream(ctx, ws, conn)
	cancel()

	// Leave first so no signal is routed to a connection being torn down.
	s.Hub.Leave(conn)
	s.Metrics.StreamClosed()
	_ = ws.Close(websocket.StatusNormalClosure, reason)
	log.Debug("stream left", "reason", reason, "members", s.Hub.Len())
}

func (s *Server) serveStream(ctx context.Context, ws *websocket.Conn, conn *stream.Conn) string {
	if err := writeSignal(ctx, ws, stream.NewSignal(stream.TypeReady, "")); err != nil {
		return "write_failed"
	}
	readErr := make(chan error, 1)
	go func() { readErr <- s.readNotices(ctx, ws, conn) }()

	var keepalive <-chan time.Time
	if s.Config.StreamIdleTimeout > 0 {
		ticker := time.NewTicker(s.Config.StreamIdleTimeout / 2)
		defer ticker.Stop()
		keepalive = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return "closed"
		case <-readErr:
			return "closed"
		case <-keepalive:
			pingCtx, cancel := context.WithTimeout(ctx, s.Config.StreamIdleTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				return "idle_timeout"
			}
		case sig, ok := <-conn.Signals():
			if !ok {
				return "closed"
			}
			if err := writeSignal(ctx, ws, sig); err != nil {
				return "write_failed"
			}
		}
	}
}

// readNotices relays every inbound change notice to the other members.
// Frames that are not notices are ignored. Notices have their own budget per
// connection; over budget they are folded into a single relay when the window
// resets, so a flood is throttled but the last change still reaches everyone.
func (s *Server) readNotices(ctx context.Context, ws *websocket.Conn, conn *stream.Conn) error {
	var deferred atomic.Bool
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		notice, err := stream.ParseNotice(data)
		if err != nil {
			s.Logger.Debug("ignoring malformed frame", "conn_id", conn.ID, "err", err)
			continue
		}
		if !notice {
			continue
		}
		if s.Limiter != nil {
			d := s.Limiter.Allow(ctx, "notice:"+conn.ID, s.Config.RateLimitPerMinute)
			if !d.Allowed {
				s.Metrics.IncRateLimited()
				if deferred.CompareAndSwap(false, true) {
					time.AfterFunc(d.RetryAfter(time.Now().UTC()), func() {
						deferred.Store(false)
						s.relay(conn)
					})
				}
				continue
			}
		}
		s.relay(conn)
	}
}

// relay publishes a change on behalf of conn. It also runs after conn has
// left, for a deferred notice; the hub then has no origin to skip.
func (s *Server) relay(conn *stream.Conn) {
	d := s.Hub.Publish(conn, stream.Changed(conn.ID))
	s.Metrics.ObserveDelivery(d)
}

func writeSignal(ctx context.Context, ws *websocket.Conn, sig stream.Signal) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, sig)
}

func wsOriginPatterns(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
