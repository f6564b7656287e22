// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package server exposes the health check and the manual cycle trigger.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Pinger is a dependency checked by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Triggerer queues an out-of-band pipeline cycle.
type Triggerer interface {
	Trigger() bool
}

// Check is a named health dependency.
type Check struct {
	Name   string
	Pinger Pinger
}

// Handler serves the HTTP surface of the processor.
type Handler struct {
	checks  []Check
	trigger Triggerer
}

// NewHandler creates a handler. Checks with a nil Pinger are ignored.
func NewHandler(trigger Triggerer, checks ...Check) *Handler {
	h := &Handler{trigger: trigger}
	for _, c := range checks {
		if c.Pinger != nil {
			h.checks = append(h.checks, c)
		}
	}
	return h
}

// ServeHealth reports 200 when every dependency answers a ping.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	for _, c := range h.checks {
		if err := c.Pinger.Ping(ctx); err != nil {
			slog.Warn("health check failed", "dependency", c.Name, "error", err)
			http.Error(w, c.Name+" unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "healthy"}`))
}

// ServeCycle queues a pipeline cycle. A trigger that is already pending
// is coalesced and still answers 202.
func (h *Handler) ServeCycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.trigger == nil {
		http.Error(w, "pipeline not running", http.StatusServiceUnavailable)
		return
	}

	queued := h.trigger.Trigger()
	slog.Info("manual cycle requested", "queued", queued)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]bool{"queued": queued})
}

// Routes returns the mux with every endpoint registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.ServeHealth)
	mux.HandleFunc("/cycle", h.ServeCycle)
	return mux
}

// Serve starts the HTTP server on port and closes it when ctx is done.
// The returned channel is closed once the listener is bound.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	server := &http.Server{
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind http port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	go func() {
		slog.Info("http server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	return ready, nil
}
