// Package server provides the read-only status HTTP API. It serves the
// persisted snapshot, re-read from disk on each request: the snapshot file
// is replaced atomically, so every read is a consistent point-in-time view
// without sharing memory with the orchestrator loop.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/anotherjesse/acb/internal/state"
)

// Server is the status API server.
type Server struct {
	store  *state.Store
	router chi.Router
}

// New creates a Server reading snapshots from the given store.
func New(store *state.Store) *Server {
	s := &Server{store: store}
	s.router = s.buildRouter()
	return s
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/api/tasks", s.handleListTasks)
	r.Get("/api/tasks/{id}", s.handleGetTask)
	r.Get("/api/projects", s.handleListProjects)

	return r
}

// Start serves until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	st := s.store.Load()
	tasks := make([]*state.Task, 0, len(st.Tasks))
	for _, t := range st.Tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	st := s.store.Load()
	task, ok := st.Tasks[chi.URLParam(r, "id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	st := s.store.Load()
	type projectView struct {
		Key string `json:"key"`
		*state.Project
	}
	projects := make([]projectView, 0, len(st.Projects))
	for key, p := range st.Projects {
		projects = append(projects, projectView{Key: key, Project: p})
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Key < projects[j].Key })
	writeJSON(w, http.StatusOK, projects)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
