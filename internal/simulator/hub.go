package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/hadarisas/Anomaly-detection-system/internal/logger"
	"github.com/hadarisas/Anomaly-detection-system/internal/model"
)

type HubConfig struct {
	MinDelay       time.Duration
	MaxDelay       time.Duration
	WriteTimeout   time.Duration
	// OriginPatterns is passed to websocket.Accept; empty means same-origin only.
	OriginPatterns []string
}

// Hub serves the /ws endpoint. Each connection may run one simulation;
// Broadcast reaches every connection.
type Hub struct {
	log  *logger.Logger
	pipe *Pipeline
	cfg  HubConfig
	seed func() int64

	mu      sync.Mutex
	clients map[*client]struct{}
	status  any // last Announce payload, replayed to new clients
}

type client struct {
	conn    *websocket.Conn
	timeout time.Duration

	mu   sync.Mutex
	stop context.CancelFunc // running simulation, nil when idle
}

func NewHub(log *logger.Logger, pipe *Pipeline, cfg HubConfig) *Hub {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = time.Second
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Hub{
		log: log.With("hub"), pipe: pipe, cfg: cfg,
		seed:    func() int64 { return time.Now().UnixNano() },
		clients: map[*client]struct{}{},
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (c *client) send(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, b)
}

// Broadcast sends v to every connected client; failed writes are logged.
func (h *Hub) Broadcast(ctx context.Context, v any) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		if err := c.send(ctx, v); err != nil {
			h.log.Debug().Err(err).Msg("broadcast write failed")
		}
	}
}

// Announce broadcasts a status message and remembers it for clients that
// connect later.
func (h *Hub) Announce(ctx context.Context, v any) {
	h.mu.Lock()
	h.status = v
	h.mu.Unlock()
	h.Broadcast(ctx, v)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.cfg.OriginPatterns})
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	c := &client{conn: conn, timeout: h.cfg.WriteTimeout}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	status := h.status
	h.mu.Unlock()
	h.log.Info().Str("remote", r.RemoteAddr).Msg("client connected")
	if status != nil {
		_ = c.send(r.Context(), status)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		c.stopSimulation()
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				h.log.Info().Msg("client disconnected")
			} else {
				h.log.Warn().Err(err).Msg("client read failed")
			}
			return
		}
		h.handle(ctx, c, data)
	}
}

func (h *Hub) handle(ctx context.Context, c *client, data []byte) {
	msg := gjson.ParseBytes(data)
	action := msg.Get("action")
	if !gjson.ValidBytes(data) || !msg.IsObject() || !action.Exists() {
		// Anything that is not a command is treated as raw log text.
		h.processRaw(ctx, c, string(data))
		return
	}
	switch action.String() {
	case model.ActionStartSimulation:
		if c.startSimulation(ctx, h) {
			h.log.Info().Msg("simulation started")
		}
	case model.ActionStopSimulation:
		if c.stopSimulation() {
			h.log.Info().Msg("simulation stopped")
			if err := c.send(ctx, map[string]string{"status": "simulation_stopped"}); err != nil {
				h.log.Debug().Err(err).Msg("stop ack failed")
			}
		}
	default:
		h.log.Warn().Str("action", action.String()).Msg("unknown action")
	}
}

func (h *Hub) processRaw(ctx context.Context, c *client, text string) {
	anomalies, err := h.pipe.Process(text)
	if err != nil {
		h.log.Error().Err(err).Msg("process raw logs")
		return
	}
	if len(anomalies) > 0 {
		_ = c.send(ctx, anomalies)
	}
}

// startSimulation is a no-op when one is already running.
func (c *client) startSimulation(ctx context.Context, h *Hub) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return false
	}
	simCtx, cancel := context.WithCancel(ctx)
	c.stop = cancel
	go h.simulate(simCtx, c, NewGenerator(h.seed(), nil))
	return true
}

func (c *client) stopSimulation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop == nil {
		return false
	}
	c.stop()
	c.stop = nil
	return true
}

func (h *Hub) simulate(ctx context.Context, c *client, gen *Generator) {
	for {
		anomalies, err := h.pipe.Process(strings.Join(gen.Tick(), "\n"))
		if err != nil {
			h.log.Error().Err(err).Msg("simulation tick")
		} else if len(anomalies) > 0 {
			if err := c.send(ctx, anomalies); err != nil {
				if ctx.Err() == nil {
					h.log.Warn().Err(err).Msg("simulation write failed")
				}
				return
			}
		}
		t := time.NewTimer(gen.Delay(h.cfg.MinDelay, h.cfg.MaxDelay))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}
