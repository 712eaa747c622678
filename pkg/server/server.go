// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the runtime over HTTP.
//
// Two surfaces share one listener: a REST API for session management and
// turn execution (JSON or SSE), and an A2A JSON-RPC endpoint backed by
// a2a-go's native handler so other agents can consume this runtime as a
// peer. The agent card is served at the A2A well-known path.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/go-chi/chi/v5"

	"github.com/dakproject/dak/pkg/config"
	"github.com/dakproject/dak/pkg/observability"
	"github.com/dakproject/dak/pkg/runner"
	"github.com/dakproject/dak/pkg/skill"
)

// Forgetter is implemented by agents that keep per-session state outside the
// session store. Deleting a session also forgets that state.
type Forgetter interface {
	Forget(sessionID string)
}

// Config assembles a Server.
type Config struct {
	// Config is the runtime configuration.
	Config *config.Config

	// Runner executes turns. Required.
	Runner *runner.Runner

	// Recorder serves /metrics and instruments requests. Optional.
	Recorder *observability.Recorder

	// Skills contributes skill summaries to the agent card. Optional.
	Skills *skill.Registry

	// Version reported on the agent card.
	Version string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the HTTP surface of the runtime.
type Server struct {
	cfg      *config.Config
	runner   *runner.Runner
	recorder *observability.Recorder
	skills   *skill.Registry
	version  string
	logger   *slog.Logger

	a2aHandler http.Handler
	httpServer *http.Server
}

// New creates a Server. The listener is not started until Start.
func New(cfg Config) (*Server, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("server: runner is required")
	}
	if cfg.Config == nil {
		cfg.Config = config.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{
		cfg:      cfg.Config,
		runner:   cfg.Runner,
		recorder: cfg.Recorder,
		skills:   cfg.Skills,
		version:  cfg.Version,
		logger:   cfg.Logger.With("component", "server"),
	}

	executor := NewExecutor(ExecutorConfig{Runner: cfg.Runner})
	s.a2aHandler = a2asrv.NewJSONRPCHandler(a2asrv.NewHandler(executor))

	return s, nil
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestLogger)
	if s.recorder != nil {
		r.Use(s.recorder.Middleware)
	}
	r.Use(s.corsMiddleware)

	r.Get("/healthz", s.handleHealth)

	if s.recorder != nil && s.cfg.MetricsEnabled() {
		r.Get("/metrics", s.recorder.Handler().ServeHTTP)
	}

	r.Get("/.well-known/agent-card.json", s.handleAgentCard)
	r.Post("/a2a", s.a2aHandler.ServeHTTP)

	r.Route("/apps/{app}/users/{user}/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Get("/{id}", s.handleGetSession)
		r.Delete("/{id}", s.handleDeleteSession)
	})

	r.Post("/run", s.handleRun)
	r.Post("/run_sse", s.handleRunSSE)

	return r
}

// Start runs the listener until ctx is cancelled or the server fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Server.Address(),
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("HTTP server starting", "address", s.cfg.Server.Address())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	s.logger.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(shutdownCtx)
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAgentCard serves the A2A agent card.
func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agentCard())
}

func (s *Server) agentCard() *a2a.AgentCard {
	baseURL := "http://" + s.cfg.Server.Address()

	var skills []a2a.AgentSkill
	if s.skills != nil {
		for _, sum := range s.skills.List() {
			skills = append(skills, a2a.AgentSkill{
				ID:          sum.Name,
				Name:        sum.Name,
				Description: sum.Description,
				Tags:        []string{"skill"},
			})
		}
	}
	if len(skills) == 0 {
		skills = []a2a.AgentSkill{{
			ID:          s.cfg.Name,
			Name:        s.cfg.Name,
			Description: s.cfg.Description,
			Tags:        []string{"general", "assistant"},
		}}
	}

	return &a2a.AgentCard{
		Name:               s.cfg.Name,
		Description:        s.cfg.Description,
		URL:                baseURL + "/a2a",
		Version:            s.version,
		ProtocolVersion:    "1.0",
		DefaultInputModes:  []string{"text/plain"},
		DefaultOutputModes: []string{"text/plain"},
		Skills:             skills,
		Capabilities: a2a.AgentCapabilities{
			Streaming: true,
		},
		PreferredTransport: a2a.TransportProtocolJSONRPC,
	}
}

// corsMiddleware applies the configured allow list.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := s.cfg.Server.AllowOrigins

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			for _, a := range allowed {
				if a == "*" || a == origin {
					w.Header().Set("Access-Control-Allow-Origin", a)
					break
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs completed requests at debug level.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
