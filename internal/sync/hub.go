// Package sync fans edit events out to TCP and WebSocket clients.
package sync

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 2 * time.Second
	// sendBuffer is how many broadcasts a client may fall behind before it
	// is dropped.
	sendBuffer = 64
)

// client owns one connection. Only its writer goroutine writes to the
// connection once it is registered.
type client struct {
	transport string
	remote    string
	send      chan []byte
	write     func([]byte) error
	close     func() error
	done      chan struct{}
	once      sync.Once
}

func (c *client) run(logger *slog.Logger) {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			if err := c.write(b); err != nil {
				logger.Debug("dropping client", "transport", c.transport, "remote", c.remote, "err", err)
				c.shutdown()
				return
			}
		}
	}
}

func (c *client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.close()
	})
}

type Hub struct {
	mu      sync.Mutex
	clients map[any]*client // net.Conn or *websocket.Conn
	logger  *slog.Logger
}

type Stats struct {
	TCPClients int `json:"tcp_clients"`
	WSClients  int `json:"ws_clients"`
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[any]*client),
		logger:  logger.With("component", "sync"),
	}
}

func (h *Hub) register(key any, c *client) {
	h.mu.Lock()
	h.clients[key] = c
	h.mu.Unlock()
	go c.run(h.logger)
}

func (h *Hub) unregister(key any) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.clients[key]
	delete(h.clients, key)
	return c
}

func (h *Hub) Add(conn net.Conn) {
	h.register(conn, &client{
		transport: "tcp",
		remote:    conn.RemoteAddr().String(),
		send:      make(chan []byte, sendBuffer),
		write: func(b []byte) error {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			w := bufio.NewWriter(conn)
			if _, err := w.Write(b); err != nil {
				return err
			}
			return w.Flush()
		},
		close: conn.Close,
		done:  make(chan struct{}),
	})
}

func (h *Hub) Remove(conn net.Conn) {
	if c := h.unregister(conn); c != nil {
		c.shutdown()
		return
	}
	_ = conn.Close()
}

func (h *Hub) AddWS(ws *websocket.Conn) {
	h.register(ws, &client{
		transport: "websocket",
		remote:    ws.RemoteAddr().String(),
		send:      make(chan []byte, sendBuffer),
		write: func(b []byte) error {
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			return ws.WriteMessage(websocket.TextMessage, b)
		},
		close: ws.Close,
		done:  make(chan struct{}),
	})
}

func (h *Hub) RemoveWS(ws *websocket.Conn) {
	if c := h.unregister(ws); c != nil {
		c.shutdown()
		return
	}
	_ = ws.Close()
}

// BroadcastJSON queues v as one JSON line for every client and never waits
// on a connection. A client whose queue is full is dropped.
func (h *Hub) BroadcastJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("marshal broadcast", "err", err)
		return
	}
	b = append(b, '\n')

	var slow []*client
	h.mu.Lock()
	for key, c := range h.clients {
		select {
		case c.send <- b:
		default:
			slow = append(slow, c)
			delete(h.clients, key)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow client", "transport", c.transport, "remote", c.remote)
		c.shutdown()
	}
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	var st Stats
	for _, c := range h.clients {
		if c.transport == "tcp" {
			st.TCPClients++
		} else {
			st.WSClients++
		}
	}
	return st
}

type welcome struct {
	Type      string `json:"type"`
	Transport string `json:"transport"`
	Clients   int    `json:"clients"`
}

func (h *Hub) welcome(transport string) []byte {
	st := h.Stats()
	b, _ := json.Marshal(welcome{Type: "welcome", Transport: transport, Clients: st.TCPClients + st.WSClients})
	return append(b, '\n')
}
