package main

import (
	"net/http"

	"notesync/pkg/httpx"
	"notesync/pkg/notes"
	"notesync/pkg/ratelimit"

	"github.com/go-chi/chi/v5"
)

// taskRoutes mounts /tasks on an authenticated router. Tasks go through their
// own ownership guard and share the mutation budget and change fanout with
// notes.
func (s *Server) taskRoutes(r chi.Router) {
	r.Get("/tasks", s.listTasks)
	r.Get("/tasks/{id}", s.getTask)
	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(s.Limiter, s.Config.RateLimitPerMinute, func(*http.Request) {
			s.Metrics.IncRateLimited()
		}))
		r.Post("/tasks", s.createTask)
		r.Put("/tasks/{id}", s.updateTask)
		r.Patch("/tasks/{id}", s.updateTask)
		r.Delete("/tasks/{id}", s.deleteTask)
	})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	ctx, span, id := s.begin(r, "tasks.list")
	defer span.End()
	records, err := s.Tasks.List(ctx, id)
	if err != nil {
		s.writeError(w, span, "task", err)
		return
	}
	out := make([]notes.Task, 0, len(records))
	for _, rec := range records {
		out = append(out, notes.TaskFromRecord(rec))
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	ctx, span, id := s.begin(r, "tasks.get")
	defer span.End()
	rec, err := s.Tasks.Get(ctx, id, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, span, "task", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, notes.TaskFromRecord(rec))
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	ctx, span, id := s.begin(r, "tasks.create")
	defer span.End()
	var p notes.TaskPayload
	if err := httpx.DecodeJSON(r, &p); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.Tasks.Create(ctx, id, p.Payload())
	if err != nil {
		s.writeError(w, span, "task", err)
		return
	}
	s.announce(id)
	httpx.WriteJSON(w, http.StatusCreated, notes.TaskFromRecord(rec))
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	ctx, span, id := s.begin(r, "tasks.update")
	defer span.End()
	var p notes.TaskPayload
	if err := httpx.DecodeJSON(r, &p); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.Tasks.Update(ctx, id, chi.URLParam(r, "id"), p.Payload())
	if err != nil {
		s.writeError(w, span, "task", err)
		return
	}
	s.announce(id)
	httpx.WriteJSON(w, http.StatusOK, notes.TaskFromRecord(rec))
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	ctx, span, id := s.begin(r, "tasks.delete")
	defer span.End()
	if err := s.Tasks.Delete(ctx, id, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, span, "task", err)
		return
	}
	s.announce(id)
	w.WriteHeader(http.StatusNoContent)
}
