package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/devskill-org/heat-capacitor/capacitor"
	"github.com/devskill-org/heat-capacitor/publish"
)

const maxRequestBody = 1 << 20

// WebServer provides HTTP endpoints for health checking, monitoring and
// on-demand evaluation, plus a WebSocket feed of tick records
type WebServer struct {
	controller *Controller
	server     *http.Server
	handler    http.Handler
	port       int
	startTime  time.Time
	upgrader   websocket.Upgrader
	clients    sync.Map
	broadcast  chan []byte
	done       chan struct{}
	stopOnce   sync.Once
	logger     *slog.Logger
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string       `json:"status"`
	Timestamp  string       `json:"timestamp"`
	Version    string       `json:"version,omitempty"`
	Controller Status       `json:"controller"`
	System     SystemHealth `json:"system"`
}

// SystemHealth represents system-level health information
type SystemHealth struct {
	Uptime     string `json:"uptime"`
	Goroutines int    `json:"goroutines,omitempty"`
}

// errorResponse is the body of a rejected request
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Field string `json:"field,omitempty"`
}

// NewWebServer creates the HTTP API. A non-positive port disables it.
func NewWebServer(controller *Controller, port int, accessLog io.Writer) *WebServer {
	if port <= 0 {
		return nil
	}
	if accessLog == nil {
		accessLog = io.Discard
	}

	ws := &WebServer{
		controller: controller,
		port:       port,
		startTime:  time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		broadcast: make(chan []byte, 256),
		done:      make(chan struct{}),
		logger:    controller.logger.With("component", "web"),
	}

	m := controller.deps.Metrics
	router := mux.NewRouter()
	router.Handle("/api/health", m.WrapHandler("health", http.HandlerFunc(ws.healthHandler))).Methods(http.MethodGet)
	router.Handle("/api/ready", m.WrapHandler("ready", http.HandlerFunc(ws.readinessHandler))).Methods(http.MethodGet)
	router.Handle("/api/status", m.WrapHandler("status", http.HandlerFunc(ws.statusHandler))).Methods(http.MethodGet)
	router.Handle("/api/decision", m.WrapHandler("decision", http.HandlerFunc(ws.decisionHandler))).Methods(http.MethodGet)
	router.Handle("/api/evaluate", m.WrapHandler("evaluate", http.HandlerFunc(ws.evaluateHandler))).Methods(http.MethodPost)
	router.Handle("/api/history", m.WrapHandler("history", http.HandlerFunc(ws.historyHandler))).Methods(http.MethodGet)
	router.HandleFunc("/api/ws", ws.wsHandler)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	ws.handler = handlers.LoggingHandler(accessLog, cors(router))

	ws.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      ws.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return ws
}

// Handler returns the routed API, for tests and embedding
func (ws *WebServer) Handler() http.Handler {
	return ws.handler
}

// Start starts the web server
func (ws *WebServer) Start() error {
	if ws == nil {
		return nil
	}
	select {
	case <-ws.done:
		return fmt.Errorf("web server on port %d was stopped and cannot be restarted", ws.port)
	default:
	}

	go ws.handleBroadcasts()

	go func() {
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ws.logger.Error("web server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully stops the web server
func (ws *WebServer) Stop(ctx context.Context) error {
	if ws == nil {
		return nil
	}

	ws.stopOnce.Do(func() { close(ws.done) })

	ws.clients.Range(func(key, value any) bool {
		if conn, ok := key.(*websocket.Conn); ok {
			conn.Close()
		}
		return true
	})

	return ws.server.Shutdown(ctx)
}

// Broadcast queues a record for all WebSocket clients. It drops the record
// when the queue is full rather than stall a tick.
func (ws *WebServer) Broadcast(r publish.Record) {
	if ws == nil {
		return
	}
	message, err := json.Marshal(map[string]any{
		"type":   "decision",
		"record": r,
	})
	if err != nil {
		ws.logger.Error("failed to marshal record", "error", err)
		return
	}
	select {
	case ws.broadcast <- message:
	default:
		ws.logger.Warn("broadcast queue full, dropping record", "id", r.ID)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// healthHandler handles the /api/health endpoint
func (ws *WebServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := ws.controller.GetStatus()

	health := HealthResponse{
		Status:     "healthy",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Version:    "1.0.0",
		Controller: status,
		System: SystemHealth{
			Uptime:     formatUptime(time.Since(ws.startTime)),
			Goroutines: runtime.NumGoroutine(),
		},
	}

	code := http.StatusOK
	if !status.IsRunning {
		health.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

// readinessHandler handles the /api/ready endpoint. Ready means a target
// has been decided at least once.
func (ws *WebServer) readinessHandler(w http.ResponseWriter, r *http.Request) {
	status := ws.controller.GetStatus()
	ready := status.IsRunning && status.HasDecision

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"ready":     ready,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// statusHandler handles the /api/status endpoint
func (ws *WebServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ws.controller.GetStatus())
}

// decisionHandler returns the decision currently in effect
func (ws *WebServer) decisionHandler(w http.ResponseWriter, r *http.Request) {
	decision, ok := ws.controller.LastDecision()
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no decision yet"})
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// evaluateHandler runs a caller-supplied request through the engine without
// touching controller state
func (ws *WebServer) evaluateHandler(w http.ResponseWriter, r *http.Request) {
	var req capacitor.EvaluationRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := decoder.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	evaluator := ws.controller.Evaluator()
	if b := r.URL.Query().Get("baseline"); b != "" {
		baseline, err := capacitor.ParseBaseline(b)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, rejection(err))
			return
		}
		evaluator.Baseline = baseline
	}

	decision, err := evaluator.Evaluate(req)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, rejection(err))
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func rejection(err error) errorResponse {
	resp := errorResponse{Error: err.Error(), Kind: capacitor.Kind(err)}
	var verr *capacitor.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	return resp
}

// historyHandler returns recent decisions, newest first
func (ws *WebServer) historyHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	history, err := ws.controller.History(r.Context(), limit)
	if err != nil {
		ws.logger.Error("failed to load history", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load history"})
		return
	}
	if history == nil {
		history = []publish.Record{}
	}
	writeJSON(w, http.StatusOK, history)
}

// wsHandler handles WebSocket connections
func (ws *WebServer) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Warn("websocket upgrade error", "error", err)
		return
	}

	// greet before registering so the broadcaster never writes concurrently
	if err := conn.WriteJSON(map[string]any{
		"type":   "status",
		"status": ws.controller.GetStatus(),
	}); err != nil {
		ws.logger.Warn("failed to send initial status", "error", err)
	}

	ws.clients.Store(conn, true)
	ws.logger.Debug("websocket client connected", "clients", ws.clientCount())

	defer func() {
		ws.clients.Delete(conn)
		conn.Close()
		ws.logger.Debug("websocket client disconnected", "clients", ws.clientCount())
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				ws.logger.Warn("websocket error", "error", err)
			}
			break
		}
	}
}

func (ws *WebServer) clientCount() int {
	n := 0
	ws.clients.Range(func(key, value any) bool {
		n++
		return true
	})
	return n
}

// handleBroadcasts sends messages to all connected clients
func (ws *WebServer) handleBroadcasts() {
	for {
		select {
		case message := <-ws.broadcast:
			ws.clients.Range(func(key, value any) bool {
				conn, ok := key.(*websocket.Conn)
				if !ok {
					return true
				}
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					ws.logger.Warn("websocket write error", "error", err)
					conn.Close()
					ws.clients.Delete(conn)
				}
				return true
			})
		case <-ws.done:
			return
		}
	}
}

// formatUptime formats a duration as a string with seconds rounded to integer
func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
