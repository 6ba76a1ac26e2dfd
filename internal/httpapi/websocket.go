// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/noldarim/pipelinecore/internal/logger"
	"github.com/noldarim/pipelinecore/pkg/pipeline"

	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 4096
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
	maxClients     = 1000
)

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		},
	}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// sessionRegistry fans lifecycle events out to every websocket client
// subscribed to a given session id.
type sessionRegistry struct {
	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{}
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{clients: make(map[string]map[*wsClient]struct{})}
}

func (r *sessionRegistry) add(sessionID string, c *wsClient) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.clients[sessionID]
	if len(set) >= maxClients {
		return false
	}
	if set == nil {
		set = make(map[*wsClient]struct{})
		r.clients[sessionID] = set
	}
	set[c] = struct{}{}
	return true
}

func (r *sessionRegistry) remove(sessionID string, c *wsClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients[sessionID], c)
	if len(r.clients[sessionID]) == 0 {
		delete(r.clients, sessionID)
	}
}

func (r *sessionRegistry) broadcast(sessionID string, data []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.clients[sessionID] {
		select {
		case c.send <- data:
		default:
			logger.GetHTTPLogger().Warn().Str("sessionId", sessionID).Msg("dropping event for slow websocket client")
		}
	}
}

// handleWebSocket upgrades the connection and registers it under sessionID
// until the client disconnects.
func handleWebSocket(registry *sessionRegistry, allowedOrigins []string, sessionID string) http.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.GetHTTPLogger().Error().Err(err).Msg("websocket upgrade failed")
			return
		}
		client := &wsClient{conn: conn, send: make(chan []byte, 64)}
		if !registry.add(sessionID, client) {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
			conn.Close()
			return
		}
		go client.writePump()
		client.readPump(registry, sessionID)
	}
}

func (c *wsClient) readPump(registry *sessionRegistry, sessionID string) {
	defer func() {
		registry.remove(sessionID, c)
		close(c.send)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsEvent is the envelope broadcast for every lifecycle notification.
type wsEvent struct {
	Type    string `json:"type"`
	StepID  string `json:"stepId,omitempty"`
	Error   string `json:"error,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// WebSocketListener implements pipeline.Listener, broadcasting each
// notification to every websocket client subscribed to sessionID.
type WebSocketListener struct {
	pipeline.NoopListener
	registry  *sessionRegistry
	sessionID string
}

func newWebSocketListener(registry *sessionRegistry, sessionID string) *WebSocketListener {
	return &WebSocketListener{registry: registry, sessionID: sessionID}
}

func (l *WebSocketListener) emit(ev wsEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	l.registry.broadcast(l.sessionID, data)
}

func (l *WebSocketListener) PipelineStarted(ctx *pipeline.ExecutionContext, p *pipeline.Pipeline) (*pipeline.ExecutionContext, error) {
	l.emit(wsEvent{Type: "pipelineStarted", Payload: p.ID})
	return nil, nil
}

func (l *WebSocketListener) PipelineFinished(ctx *pipeline.ExecutionContext, p *pipeline.Pipeline, result pipeline.ExecutionResult) error {
	l.emit(wsEvent{Type: "pipelineFinished", Payload: map[string]any{"success": result.Success, "paused": result.Paused, "status": result.RunStatus}})
	return nil
}

func (l *WebSocketListener) PipelineStepStarted(ctx *pipeline.ExecutionContext, p *pipeline.Pipeline, step *pipeline.FlowStep) (*pipeline.ExecutionContext, error) {
	l.emit(wsEvent{Type: "stepStarted", StepID: step.ID})
	return nil, nil
}

func (l *WebSocketListener) PipelineStepFinished(ctx *pipeline.ExecutionContext, p *pipeline.Pipeline, step *pipeline.FlowStep, resp pipeline.StepResponse) (*pipeline.ExecutionContext, error) {
	l.emit(wsEvent{Type: "stepFinished", StepID: step.ID, Payload: resp.PrimaryReturn})
	return nil, nil
}

func (l *WebSocketListener) RegisterStepException(ctx *pipeline.ExecutionContext, p *pipeline.Pipeline, step *pipeline.FlowStep, err error) {
	stepID := ""
	if step != nil {
		stepID = step.ID
	}
	l.emit(wsEvent{Type: "stepException", StepID: stepID, Error: err.Error()})
}
