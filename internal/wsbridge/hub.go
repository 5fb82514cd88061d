// Package wsbridge streams launch lifecycle events to websocket clients.
package wsbridge

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	launchagent "github.com/httprunner/LaunchAgent"
	"github.com/httprunner/LaunchAgent/internal/device"
	"github.com/httprunner/LaunchAgent/internal/events"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 256
)

var upgrader = websocket.Upgrader{
	// local tooling only
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is one JSON frame sent to clients.
type Message struct {
	Type     string    `json:"type"`
	Session  string    `json:"session,omitempty"`
	Host     string    `json:"host,omitempty"`
	Serial   string    `json:"serial,omitempty"`
	Task     string    `json:"task,omitempty"`
	Fraction float64   `json:"fraction,omitempty"`
	Error    string    `json:"error,omitempty"`
	PIDs     []int     `json:"pids,omitempty"`
	At       time.Time `json:"at"`
}

// Hub fans messages out to every connected client. Slow clients drop frames
// instead of blocking the launch.
type Hub struct {
	host string

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// NewHub returns an empty hub; host tags every message.
func NewHub(host string) *Hub {
	return &Hub{host: host, clients: make(map[*client]struct{})}
}

// Handler serves the websocket endpoint at /events.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", h.handleWebSocket)
	return mux
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer), hub: h}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Debug().Str("remote", r.RemoteAddr).Msg("event client connected")

	go c.writePump()
	go c.readPump()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends msg to every client.
func (h *Hub) Broadcast(msg Message) {
	if msg.At.IsZero() {
		msg.At = time.Now()
	}
	if msg.Host == "" {
		msg.Host = h.host
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("marshal event failed")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Warn().Msg("event client too slow, frame dropped")
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// Hooks returns session hooks that broadcast lifecycle messages.
func (h *Hub) Hooks() launchagent.Hooks {
	return launchagent.Hooks{
		OnStart: func(s *launchagent.Session) {
			h.Broadcast(Message{Type: "session_started", Session: s.ID})
		},
		OnDeviceReady: func(s *launchagent.Session, desc device.Descriptor) {
			h.Broadcast(Message{Type: "device_ready", Session: s.ID, Serial: desc.Serial})
		},
		OnTaskProgress: func(s *launchagent.Session, serial, taskID string, fraction float64) {
			h.Broadcast(Message{Type: "task_progress", Session: s.ID, Serial: serial, Task: taskID, Fraction: fraction})
		},
		OnComplete: func(s *launchagent.Session, err error) {
			msg := Message{Type: "session_completed", Session: s.ID, Fraction: 1}
			if err != nil {
				msg.Error = err.Error()
				msg.Fraction = 0
			}
			h.Broadcast(msg)
		},
	}
}

// Attach forwards device and client events from d.
func (h *Hub) Attach(d *events.Dispatcher) (detach func()) {
	return d.Subscribe(func(evt events.Event) {
		h.Broadcast(Message{Type: string(evt.Kind), Serial: evt.Serial, PIDs: evt.PIDs, At: evt.At})
	})
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})
	for {
		// clients only listen; reading keeps pongs and close frames flowing
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("event client read failed")
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
