package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"nhooyr.io/websocket"

	"github.com/playok/fleetmon/internal/access"
	"github.com/playok/fleetmon/internal/model"
)

const (
	pingInterval = 30 * time.Second
	pingTimeout  = 10 * time.Second
)

// Hub manages WebSocket connections and pushes freshly ingested samples to
// the clients allowed to see them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	events  chan hubEvent
	done    chan struct{}
	log     logr.Logger
}

// hubEvent joins or removes a client. Both travel on one channel so a
// client's removal is never applied before its join.
type hubEvent struct {
	client *wsClient
	join   bool
}

type wsClient struct {
	hub    *Hub
	conn   *websocket.Conn
	caller model.Caller
	send   chan []byte
	subs   map[string]bool // subscribed hostnames
	mu     sync.Mutex
}

type metricMessage struct {
	Type     string              `json:"type"`
	Hostname string              `json:"hostname"`
	Metric   *model.MetricSample `json:"metric"`
}

// NewHub creates a new WebSocket hub.
func NewHub(log logr.Logger) *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		events:  make(chan hubEvent, 32),
		done:    make(chan struct{}),
		log:     log.WithName("ws"),
	}
}

// Run processes register/unregister events until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-h.events:
			h.mu.Lock()
			if ev.join {
				h.clients[ev.client] = struct{}{}
			} else if _, ok := h.clients[ev.client]; ok {
				delete(h.clients, ev.client)
				close(ev.client.send)
			}
			h.mu.Unlock()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SampleStored fans a new sample out to every client that may see m and
// either subscribed to its hostname or has no subscriptions.
func (h *Hub) SampleStored(m *model.Machine, s *model.MetricSample) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.clients) == 0 {
		return
	}

	data, err := json.Marshal(metricMessage{Type: "metric", Hostname: m.Hostname, Metric: s})
	if err != nil {
		h.log.Error(err, "encode sample", "hostname", m.Hostname)
		return
	}

	for c := range h.clients {
		if !access.CanView(m, c.caller) || !c.wants(m.Hostname) {
			continue
		}
		select {
		case c.send <- data:
		default:
			// client too slow, skip
		}
	}
}

func (c *wsClient) wants(hostname string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 {
		return true // no filter = receive all
	}
	return c.subs[hostname]
}

func (c *wsClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				c.conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

// HandleWS upgrades an authenticated request and manages the connection.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin checks are left to CORS config and the token
	})
	if err != nil {
		h.log.Error(err, "accept")
		return
	}

	client := &wsClient{
		hub:    h,
		conn:   conn,
		caller: callerOf(r),
		send:   make(chan []byte, 64),
		subs:   make(map[string]bool),
	}

	ctx := r.Context()
	select {
	case h.events <- hubEvent{client: client, join: true}:
	case <-ctx.Done():
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}

	go client.pingLoop(ctx)
	go client.writePump(ctx)
	client.readPump(ctx)
}

func (c *wsClient) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.events <- hubEvent{client: c}:
		case <-c.hub.done:
		}
		c.conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var msg struct {
			Type      string   `json:"type"`
			Hostnames []string `json:"hostnames"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.mu.Lock()
			for _, h := range msg.Hostnames {
				c.subs[h] = true
			}
			c.mu.Unlock()
		case "unsubscribe":
			c.mu.Lock()
			for _, h := range msg.Hostnames {
				delete(c.subs, h)
			}
			c.mu.Unlock()
		}
	}
}

func (c *wsClient) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}
