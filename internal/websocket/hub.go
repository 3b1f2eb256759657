// Package websocket pushes live security data to dashboards over
// group-scoped subscriptions. Clients subscribe to the groups they care
// about; the hub fans messages out per group with per-client backpressure.
package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/vigil/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 16,
	WriteBufferSize: 1024 * 16,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// outbound is one message headed to a group. Critical messages are never
// dropped for a slow client; the client is closed instead so it reconnects
// with a clean view.
type outbound struct {
	group    string
	critical bool
	data     []byte
}

// Hub maintains active clients and their group subscriptions.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
	stop       chan struct{}
	stopOnce   sync.Once

	mu sync.RWMutex

	// Dashboard updates coalesce: within the window only the latest
	// snapshot is delivered.
	coalesceMu      sync.Mutex
	pendingSnapshot []byte
	coalesceTimer   *time.Timer
}

const coalesceWindow = 500 * time.Millisecond

// NewHub creates the hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 512),
		stop:       make(chan struct{}),
	}
}

// Run is the hub main loop. Call in a goroutine; Close terminates it.
func (h *Hub) Run() {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Info().Str("client", client.id).Msg("WebSocket client connected")
			client.enqueueMessage(Message{
				Type: MsgWelcome,
				Data: map[string]string{"message": "connected"},
			}, false)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			log.Info().Str("client", client.id).Msg("WebSocket client disconnected")

		case msg := <-h.broadcast:
			h.deliver(msg)

		case <-pingTicker.C:
			data, _ := json.Marshal(Message{Type: MsgPing, Data: map[string]int64{"timestamp": time.Now().Unix()}})
			h.deliver(outbound{group: "", data: data})
		}
	}
}

// Close shuts the hub down and disconnects every client.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// deliver fans one message out to subscribed clients. Group "" means all.
func (h *Hub) deliver(msg outbound) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if msg.group == "" || c.subscribed(msg.group) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(msg.data, msg.critical) {
			// Slow consumer holding critical traffic: disconnect it.
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			log.Warn().Str("client", c.id).Msg("WebSocket client too slow for critical traffic, closing")
		}
	}
}

func (h *Hub) broadcastMessage(group string, critical bool, msg Message) {
	msg.Group = group
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}
	select {
	case h.broadcast <- outbound{group: group, critical: critical, data: data}:
	default:
		log.Warn().Str("type", msg.Type).Msg("WebSocket broadcast channel full, message dropped")
	}
}

// BroadcastDashboard pushes a dashboard snapshot to the dashboard group.
// Bursts within the coalescing window collapse to the newest snapshot.
func (h *Hub) BroadcastDashboard(snapshot interface{}) {
	data, err := json.Marshal(Message{Type: MsgDashboardUpdate, Group: GroupDashboard, Data: snapshot})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal dashboard snapshot")
		return
	}

	h.coalesceMu.Lock()
	defer h.coalesceMu.Unlock()
	h.pendingSnapshot = data
	if h.coalesceTimer != nil {
		return
	}
	h.coalesceTimer = time.AfterFunc(coalesceWindow, func() {
		h.coalesceMu.Lock()
		data := h.pendingSnapshot
		h.pendingSnapshot = nil
		h.coalesceTimer = nil
		h.coalesceMu.Unlock()
		if data == nil {
			return
		}
		select {
		case h.broadcast <- outbound{group: GroupDashboard, data: data}:
		default:
			log.Warn().Msg("WebSocket broadcast channel full, dashboard update dropped")
		}
	})
}

// BroadcastSecurityEvent pushes a persisted event to every matching events
// group. Security events are critical: they are never silently dropped.
func (h *Hub) BroadcastSecurityEvent(e *models.SecurityEvent) {
	summary := e.Summarize()
	h.mu.RLock()
	groups := map[string]bool{}
	for c := range h.clients {
		for g := range c.groupSet() {
			if strings.HasPrefix(g, GroupEventsPrefix) {
				groups[g] = true
			}
		}
	}
	h.mu.RUnlock()

	for g := range groups {
		minRisk := models.RiskLevel(strings.TrimPrefix(g, GroupEventsPrefix))
		if minRisk != "" && minRisk.Exceeds(e.RiskLevel) {
			continue
		}
		h.broadcastMessage(g, true, Message{Type: MsgSecurityEvent, Data: summary})
	}
}

// BroadcastSystemStatus pushes component health to the system_status group.
func (h *Hub) BroadcastSystemStatus(status interface{}) {
	h.broadcastMessage(GroupSystemStatus, false, Message{Type: MsgSystemStatusUpdate, Data: status})
}

// BroadcastCorrelation pushes a detected correlation to the dashboard group.
// Correlations are critical traffic.
func (h *Hub) BroadcastCorrelation(c *models.Correlation) {
	h.broadcastMessage(GroupDashboard, true, Message{Type: MsgCorrelationDetected, Data: c})
}

// BroadcastScanProgress pushes progress for one scan to its scan group.
func (h *Hub) BroadcastScanProgress(scanID string, progress interface{}) {
	h.broadcastMessage(GroupScanPrefix+scanID, false, Message{Type: MsgScanProgress, Data: progress})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleNegotiate describes the socket endpoint and its groups.
func (h *Hub) HandleNegotiate(w http.ResponseWriter, r *http.Request) {
	resp := NegotiateResponse{
		URL:      "/hubs/scan-progress",
		Protocol: "json",
		AvailableGroups: []string{
			GroupDashboard,
			GroupSystemStatus,
			GroupEventsPrefix + "<minimum risk>",
			GroupScanPrefix + "<scan id>",
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// HandleWebSocket upgrades the connection and registers the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	client := newClient(h, conn)

	// Subscriptions can also arrive as query parameters for clients that
	// cannot send a subscribe frame before their first read.
	for _, g := range r.URL.Query()["group"] {
		client.subscribe(g)
	}

	h.register <- client
	go client.writePump()
	go client.readPump()
}
