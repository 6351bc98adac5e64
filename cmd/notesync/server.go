package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"notesync/pkg/auth"
	"notesync/pkg/httpx"
	"notesync/pkg/metrics"
	"notesync/pkg/notes"
	"notesync/pkg/ownership"
	"notesync/pkg/ratelimit"
	"notesync/pkg/stream"
	"notesync/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	Gate    auth.Authenticator
	Notes   *ownership.Guard
	Tasks   *ownership.Guard
	Hub     *stream.Hub
	Metrics *metrics.Registry
	Limiter ratelimit.Limiter
	Logger  *slog.Logger
	Config  Config
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.Config.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.Metrics.Middleware(routeLabel))
	r.Use(telemetry.HTTPMiddleware("notesync"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "notesync"})
	})
	r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(auth.Middleware(s.Gate, auth.StreamToken)).Get("/stream", s.streamEvents)
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(s.Gate, auth.BearerToken))
			r.Use(httpx.LimitBody(s.Config.MaxRequestBodyBytes))
			r.Get("/notes", s.listNotes)
			r.Get("/notes/{id}", s.getNote)
			r.Group(func(r chi.Router) {
				r.Use(ratelimit.Middleware(s.Limiter, s.Config.RateLimitPerMinute, func(*http.Request) {
					s.Metrics.IncRateLimited()
				}))
				r.Post("/notes", s.createNote)
				r.Put("/notes/{id}", s.updateNote)
				r.Patch("/notes/{id}", s.updateNote)
				r.Delete("/notes/{id}", s.deleteNote)
			})
			if s.Tasks != nil {
				s.taskRoutes(r)
			}
		})
	})
	return r
}

func routeLabel(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || rctx.RoutePattern() == "" {
		return ""
	}
	return r.Method + " " + rctx.RoutePattern()
}

func (s *Server) listNotes(w http.ResponseWriter, r *http.Request) {
	ctx, span, id := s.begin(r, "notes.list")
	defer span.End()
	records, err := s.Notes.List(ctx, id)
	if err != nil {
		s.writeError(w, span, "note", err)
		return
	}
	if records == nil {
		records = []notes.Record{}
	}
	httpx.WriteJSON(w, http.StatusOK, records)
}

func (s *Server) getNote(w http.ResponseWriter, r *http.Request) {
	ctx, span, id := s.begin(r, "notes.get")
	defer span.End()
	rec, err := s.Notes.Get(ctx, id, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, span, "note", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) createNote(w http.ResponseWriter, r *http.Request) {
	ctx, span, id := s.begin(r, "notes.create")
	defer span.End()
	var p notes.Payload
	if err := httpx.DecodeJSON(r, &p); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.Notes.Create(ctx, id, p)
	if err != nil {
		s.writeError(w, span, "note", err)
		return
	}
	s.announce(id)
	httpx.WriteJSON(w, http.StatusCreated, rec)
}

func (s *Server) updateNote(w http.ResponseWriter, r *http.Request) {
	ctx, span, id := s.begin(r, "notes.update")
	defer span.End()
	var p notes.Payload
	if err := httpx.DecodeJSON(r, &p); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.Notes.Update(ctx, id, chi.URLParam(r, "id"), p)
	if err != nil {
		s.writeError(w, span, "note", err)
		return
	}
	s.announce(id)
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) deleteNote(w http.ResponseWriter, r *http.Request) {
	ctx, span, id := s.begin(r, "notes.delete")
	defer span.End()
	if err := s.Notes.Delete(ctx, id, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, span, "note", err)
		return
	}
	s.announce(id)
	w.WriteHeader(http.StatusNoContent)
}

// begin starts the handler span and returns the caller's identity. The auth
// middleware guarantees one is present; the guard rejects an empty one anyway.
func (s *Server) begin(r *http.Request, name string) (context.Context, trace.Span, auth.Identity) {
	ctx, span := telemetry.Tracer().Start(r.Context(), name)
	id, _ := auth.IdentityFromContext(ctx)
	return ctx, span, id
}

// announce relays a server-originated change when SERVER_ANNOUNCE is on.
// Otherwise the mutating client sends the notice over its own stream.
func (s *Server) announce(id auth.Identity) {
	if !s.Config.ServerAnnounce {
		return
	}
	d := s.Hub.Announce(id, stream.Changed(""))
	s.Metrics.ObserveDelivery(d)
}

// writeError maps store and guard errors to responses. resource names the
// record kind in not-found bodies and validation field names.
func (s *Server) writeError(w http.ResponseWriter, span trace.Span, resource string, err error) {
	var verr *notes.ValidationError
	switch {
	case errors.As(err, &verr):
		if resource == "task" {
			verr = notes.TaskValidationError(verr)
		}
		httpx.Error(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, notes.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, resource+" not found")
	case errors.Is(err, ownership.ErrNoIdentity):
		httpx.Error(w, http.StatusUnauthorized, "missing bearer token")
	case errors.Is(err, notes.ErrStoreUnavailable):
		s.Metrics.IncStoreUnavailable()
		span.SetStatus(codes.Error, "store unavailable")
		s.Logger.Error("store unavailable", "resource", resource, "err", err)
		httpx.Error(w, http.StatusServiceUnavailable, resource+" store unavailable")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "internal")
		s.Logger.Error("request failed", "resource", resource, "err", err)
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}
