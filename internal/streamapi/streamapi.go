// Package streamapi relays one orchestrator run's event stream to a
// WebSocket client. Grounded on internal/websocket/handler.go's frame
// relay loop and ping/pong keepalive, re-pointed from raw proxied
// client<->backend frames at JSON-encoded orchestrator.Event frames for
// a single run.
package streamapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"elidacore/internal/core"
	"elidacore/internal/orchestrator"
)

// Config controls connection-level behavior.
type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	return c
}

// Handler upgrades a single HTTP request to a WebSocket and streams one
// orchestrator run's events back to the caller.
type Handler struct {
	orch   *orchestrator.Orchestrator
	config Config
}

// New builds a streaming handler bound to an Orchestrator.
func New(orch *orchestrator.Orchestrator, cfg Config) *Handler {
	return &Handler{orch: orch, config: cfg.withDefaults()}
}

// startRequest is the single message the client sends to kick off a run.
type startRequest struct {
	Query     string `json:"query"`
	Principal struct {
		ID                 string `json:"id"`
		Role               string `json:"role"`
		ConfidentialAccess string `json:"confidential_access"`
	} `json:"principal"`
}

// outboundFrame is the JSON shape written for every orchestrator.Event.
type outboundFrame struct {
	RunID     string          `json:"run_id"`
	Type      string          `json:"type"`
	Stage     string          `json:"stage,omitempty"`
	Delta     string          `json:"delta,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// ServeHTTP upgrades the connection, reads one startRequest, starts a
// run, and relays Run.Events() until the run reaches a terminal state or
// the connection closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Error("streamapi: accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	conn.SetReadLimit(h.config.MaxMessageSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var req startRequest
	if err := readJSON(ctx, conn, &req); err != nil {
		slog.Warn("streamapi: failed to read start request", "error", err)
		conn.Close(websocket.StatusUnsupportedData, "expected a JSON start request")
		return
	}

	principal := core.Principal{
		ID:                 req.Principal.ID,
		Role:               core.Role(req.Principal.Role),
		ConfidentialAccess: core.ConfidentialAccess(req.Principal.ConfidentialAccess),
	}

	run, err := h.orch.StartRun(ctx, principal, req.Query)
	if err != nil {
		slog.Error("streamapi: failed to start run", "error", err)
		conn.Close(websocket.StatusInternalError, "failed to start run")
		return
	}

	if h.config.PingInterval > 0 {
		go h.keepAlive(ctx, conn, cancel)
	}

	h.relay(ctx, conn, run)
}

// relay streams run.Events() to conn until the channel closes or ctx is
// cancelled, closing the connection with StatusNormalClosure whichever way
// it ends; a failed write cancels the run instead.
func (h *Handler) relay(ctx context.Context, conn *websocket.Conn, run *orchestrator.Run) {
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "client disconnected")
			return
		case ev, ok := <-run.Events():
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "run finished")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				slog.Warn("streamapi: write failed, cancelling run", "run_id", run.ID, "error", err)
				run.Cancel()
				return
			}
			switch ev.Type {
			case orchestrator.EventRunCompleted, orchestrator.EventRunFailed, orchestrator.EventRunCancelled:
				conn.Close(websocket.StatusNormalClosure, "run finished")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev orchestrator.Event) error {
	frame := outboundFrame{
		RunID:     ev.RunID,
		Type:      string(ev.Type),
		Stage:     string(ev.Stage),
		Delta:     ev.Delta,
		Summary:   ev.Summary,
		EmittedAt: ev.EmittedAt,
	}
	if ev.Err != nil {
		frame.Error = ev.Err.Error()
	}
	if ev.Result != nil {
		b, err := json.Marshal(ev.Result)
		if err != nil {
			return err
		}
		frame.Result = b
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func readJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// keepAlive pings the client on an interval, closing down the context if
// a ping goes unanswered.
func (h *Handler) keepAlive(ctx context.Context, conn *websocket.Conn, stop context.CancelFunc) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.config.PongTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				stop()
				return
			}
		}
	}
}
