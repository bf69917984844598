// Package httpapi exposes the operator surface: starting exports, forcing
// resets, and reading the inventory. Merges themselves never run on a
// request goroutine; the handlers only write records and queue signals.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/geovista/cog-merger/internal/lifecycle"
)

// defaultActor is recorded when a request names no initiator.
const defaultActor = "api"

// Server handles the admin HTTP API.
type Server struct {
	svc *lifecycle.Service
	log *slog.Logger
}

// New builds the API server around the lifecycle service.
func New(svc *lifecycle.Service) *Server {
	return &Server{
		svc: svc,
		log: slog.With("component", "httpapi"),
	}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/exports", s.handleStartExports)
		r.Get("/inventory", s.handleInventory)
		r.Route("/layers/{name}", func(r chi.Router) {
			r.Post("/reexport", s.handleReexport)
			r.Post("/remerge", s.handleRemerge)
		})
	})
	return r
}

// ListenAndServe runs the API server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("admin API listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startExportsRequest struct {
	Layers      []string `json:"layers"`
	InitiatedBy string   `json:"initiated_by"`
}

func (s *Server) handleStartExports(w http.ResponseWriter, r *http.Request) {
	var req startExportsRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	ids, err := s.svc.StartExport(r.Context(), req.Layers, actor(req.InitiatedBy))
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, lifecycle.ErrUnknownLayer) {
			status = http.StatusBadRequest
		}
		s.log.Error("start exports failed", "error", err)
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"record_ids": ids})
}

type resetRequest struct {
	InitiatedBy string `json:"initiated_by"`
}

func (s *Server) handleReexport(w http.ResponseWriter, r *http.Request) {
	s.handleReset(w, r, s.svc.ForceReexport)
}

func (s *Server) handleRemerge(w http.ResponseWriter, r *http.Request) {
	s.handleReset(w, r, s.svc.ForceRemerge)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request,
	reset func(ctx context.Context, layer, actor string) (string, error)) {
	layer := chi.URLParam(r, "name")

	var req resetRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	id, err := reset(r.Context(), layer, actor(req.InitiatedBy))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, lifecycle.ErrUnknownLayer) {
			status = http.StatusNotFound
		}
		s.log.Error("reset failed", "layer", layer, "error", err)
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"record_id": id})
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	rows, err := s.svc.Inventory(r.Context())
	if err != nil {
		s.log.Error("inventory failed", "error", err)
		writeError(w, http.StatusInternalServerError, "inventory unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"layers": rows})
}

func actor(requested string) string {
	if requested == "" {
		return defaultActor
	}
	return requested
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
