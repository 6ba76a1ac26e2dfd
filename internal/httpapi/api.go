// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package httpapi is the optional HTTP control plane: it submits runs
// against the core executor, proxies the Session Store Façade for history
// and audit queries, and streams lifecycle events over a websocket. The
// executor has no dependency on this package; it only consumes the
// public pipeline package API.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/noldarim/pipelinecore/internal/config"
	"github.com/noldarim/pipelinecore/internal/logger"
	"github.com/noldarim/pipelinecore/pkg/pipeline"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// API wires the HTTP control plane to a pipeline registry, session store,
// and executor.
type API struct {
	registry       pipeline.PipelineRegistry
	store          pipeline.SessionStore
	cred           pipeline.CredentialProvider
	executor       *pipeline.Executor
	sockets        *sessionRegistry
	allowedOrigins []string
	runSeq         atomic.Uint64
	tracer         pipeline.Listener
}

// New builds the control plane API. now supplies the clock the executor
// uses for audit timestamps.
func New(registry pipeline.PipelineRegistry, store pipeline.SessionStore, cred pipeline.CredentialProvider, invoker *pipeline.StepInvoker, now pipeline.Clock, forkParallelism int, allowedOrigins []string) *API {
	executor := pipeline.NewExecutor(invoker, now)
	executor.ForkParallelism = forkParallelism
	return &API{
		registry:       registry,
		store:          store,
		cred:           cred,
		executor:       executor,
		sockets:        newSessionRegistry(),
		allowedOrigins: allowedOrigins,
	}
}

// WithTracer attaches a Listener (normally a *tracing.TracingListener) that
// every subsequent run's CompositeListener will include alongside the
// per-request websocket listener. Passing nil (the zero value already in
// place) disables tracing without changing any other call site.
func (a *API) WithTracer(l pipeline.Listener) *API {
	a.tracer = l
	return a
}

// Router builds the chi router serving the control plane's endpoints.
func (a *API) Router(cfg *config.HTTPConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(recovery)
	r.Use(requestID)
	r.Use(requestLogger)
	r.Use(cors(cfg.AllowedOrigins))

	r.Post("/pipelines/{id}/runs", a.startRun)
	r.Get("/sessions/{sessionId}/history", a.sessionHistory)
	r.Get("/sessions/{sessionId}/runs/{runId}/audits", a.runAudits)
	r.Get("/ws/sessions/{sessionId}", a.streamSession)
	return r
}

// Serve starts an HTTP server on cfg's host/port. Blocks until ctx is
// cancelled or the server fails.
func (a *API) Serve(ctx context.Context, cfg *config.HTTPConfig) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           a.Router(cfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logger.GetHTTPLogger().Info().Str("addr", srv.Addr).Msg("control plane listening")
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

type startRunRequest struct {
	Globals    map[string]any `json:"globals"`
	Parameters map[string]any `json:"parameters"`
}

type startRunResponse struct {
	SessionID string `json:"sessionId"`
	RunID     string `json:"runId"`
}

func (a *API) startRun(w http.ResponseWriter, r *http.Request) {
	pipelineID := chi.URLParam(r, "id")
	p, ok := a.registry.Get(pipelineID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("pipeline %q not found", pipelineID))
		return
	}

	var req startRunRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	sessionID := uuid.NewString()
	runID := pipeline.NewRunID(a.runSeq.Add(1))
	now := a.executor.Now()

	wsListener := newWebSocketListener(a.sockets, sessionID)
	listener := pipeline.NewCompositeListener(wsListener)
	if a.tracer != nil {
		listener.Add(a.tracer)
	}

	execCtx := pipeline.NewExecutionContext(listener, a.registry, a.cred, a.store)
	for k, v := range req.Globals {
		execCtx = execCtx.WithGlobal(k, v)
	}
	rootKey := pipeline.NewPipelineKey(p.ID, nil)
	execCtx = execCtx.WithPipelineParameters(rootKey, req.Parameters)

	if err := a.store.StartSession(sessionID, runID, now, pipeline.SessionRunning); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	go func() {
		result := a.executor.Execute(context.Background(), p, execCtx, rootKey, sessionID, runID)
		status := pipeline.SessionComplete
		if result.Paused {
			status = pipeline.SessionPaused
		} else if !result.Success {
			status = pipeline.SessionError
		}
		if err := a.store.CompleteSession(sessionID, a.executor.Now(), status); err != nil {
			logger.GetHTTPLogger().Error().Err(err).Str("sessionId", sessionID).Msg("failed to complete session")
		}
	}()

	writeJSON(w, http.StatusAccepted, startRunResponse{SessionID: sessionID, RunID: runID})
}

func (a *API) sessionHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	hist, err := a.store.GetSessionHistory(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (a *API) runAudits(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	runID := chi.URLParam(r, "runId")
	audits, err := a.store.LoadAudits(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	filtered := make([]pipeline.AuditRecord, 0, len(audits))
	for _, rec := range audits {
		if rec.RunID == runID {
			filtered = append(filtered, rec)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}

func (a *API) streamSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	handleWebSocket(a.sockets, a.allowedOrigins, sessionID)(w, r)
}
