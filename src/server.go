// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"maskpipeworker/src/logging"
	"maskpipeworker/src/model"
	"maskpipeworker/src/queue"
)

const maxTaskBody = 256 << 10

// StatsSource reports queue-wide counts. Only the Postgres carrier has one.
type StatsSource interface {
	Stats(ctx context.Context) (queue.GlobalStats, error)
}

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	stats    *logging.WorkerStats
	global   StatsSource
	enqueuer queue.Enqueuer
	decode   func([]byte) (model.PollTask, error)
	health   func(context.Context) error
	now      func() time.Time
}

func (s *APIServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /global-status", s.globalStatusHandler)
	mux.HandleFunc("POST /tasks", s.enqueueHandler)
	mux.HandleFunc("GET /healthz", s.healthHandler)

	// The handler returned by otelhttp.NewHandler must be the one served.
	return otelhttp.NewHandler(mux, "worker-api-server")
}

// StartAPIServer serves the API until ctx is cancelled, then shuts down gracefully.
func StartAPIServer(ctx context.Context, port string, srv *APIServer) error {
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Log(fmt.Sprintf("API Server starting on :%s", port), slog.LevelInfo)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		// Gracefully shut down the HTTP server (max 10s timeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logging.Log("API server exited cleanly", slog.LevelInfo)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.GetStats())
}

func (s *APIServer) globalStatusHandler(w http.ResponseWriter, r *http.Request) {
	if s.global == nil {
		http.Error(w, "Global stats are only available with the postgres backend", http.StatusNotImplemented)
		return
	}
	gs, err := s.global.Stats(r.Context())
	if err != nil {
		logging.LogAttrs(r.Context(), slog.LevelError, "Failed to query queue stats", slog.String("error", err.Error()))
		http.Error(w, "Failed to query system stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, gs)
}

type enqueueResponse struct {
	Kind      string    `json:"kind"`
	SubjectID string    `json:"subjectId"`
	VisibleAt time.Time `json:"visibleAt"`
}

// enqueueHandler accepts a wire message from whatever initiated the external operation
// and hands it to the carrier. A future visibleAt delays the first poll.
func (s *APIServer) enqueueHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTaskBody))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	task, err := s.decode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var delay time.Duration
	if !task.VisibleAt.IsZero() {
		delay = max(task.VisibleAt.Sub(s.now()), 0)
	}
	task.Attempt = 0

	if err := s.enqueuer.Enqueue(r.Context(), task, delay); err != nil {
		if errors.Is(err, queue.ErrDuplicateHandle) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		logging.LogAttrs(r.Context(), slog.LevelError, "Failed to enqueue poll task", slog.String("error", err.Error()))
		http.Error(w, "Failed to enqueue task", http.StatusInternalServerError)
		return
	}

	logging.LogAttrs(r.Context(), slog.LevelInfo, "Accepted poll task",
		slog.String("kind", task.Kind), slog.String("subject", task.SubjectID), slog.Duration("delay", delay))
	writeJSON(w, http.StatusAccepted, enqueueResponse{
		Kind:      task.Kind,
		SubjectID: task.SubjectID,
		VisibleAt: s.now().Add(delay).UTC(),
	})
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
