// Package notify pushes new-chapter announcements to registered UDP clients.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
)

const (
	RegisterMessageType   = "register"
	NewChapterMessageType = "new_chapter"
)

type RegisterMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
}

type NewChapterMessage struct {
	Type     string `json:"type"`
	MangaID  string `json:"manga_id"`
	Chapter  int    `json:"chapter"`
	Title    string `json:"title,omitempty"`
	RecordID string `json:"record_id,omitempty"`
}

type Client struct {
	ID   string
	Addr *net.UDPAddr
}

type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

func (r *Registry) Register(id string, addr *net.UDPAddr) {
	if id == "" || addr == nil {
		return
	}
	r.mu.Lock()
	r.clients[id] = Client{ID: id, Addr: addr}
	r.mu.Unlock()
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.clients, id)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *Registry) Snapshot() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// Notifier is implemented by *Server.
type Notifier interface {
	BroadcastNewChapter(msg NewChapterMessage)
}

type Server struct {
	addr     string
	registry *Registry
	logger   *slog.Logger

	mu   sync.RWMutex
	conn *net.UDPConn
}

func NewServer(addr string, registry *Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Server{addr: addr, registry: registry, logger: logger.With("component", "notify")}
}

// Run listens on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, conn)
}

// Serve reads register messages from conn. It owns conn and closes it
// when ctx is done.
func (s *Server) Serve(ctx context.Context, conn *net.UDPConn) error {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	s.logger.Info("listening", "addr", conn.LocalAddr().String())

	buffer := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		msg, err := parseRegisterMessage(buffer[:n])
		if err != nil {
			s.logger.Warn("invalid message", "remote", addr.String(), "err", err)
			continue
		}
		if msg.Type != RegisterMessageType {
			continue
		}
		s.registry.Register(msg.ClientID, addr)
		s.logger.Info("registered client", "client_id", msg.ClientID, "remote", addr.String())
	}
}

func (s *Server) BroadcastNewChapter(msg NewChapterMessage) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		s.logger.Debug("not running, dropping broadcast", "manga_id", msg.MangaID, "chapter", msg.Chapter)
		return
	}

	msg.Type = NewChapterMessageType
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("marshal broadcast", "err", err)
		return
	}

	for _, client := range s.registry.Snapshot() {
		s.sendWithRetry(conn, client, payload)
	}
}

// sendWithRetry tries a client twice and forgets it after the second failure.
func (s *Server) sendWithRetry(conn *net.UDPConn, client Client, payload []byte) {
	err := retry.Do(
		func() error { return sendOnce(conn, client, payload) },
		retry.Attempts(2),
		retry.Delay(10*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		s.logger.Warn("notify failed, removing client", "client_id", client.ID, "remote", client.Addr.String(), "err", err)
		s.registry.Remove(client.ID)
	}
}

func sendOnce(conn *net.UDPConn, client Client, payload []byte) error {
	if client.Addr == nil {
		return errors.New("missing client address")
	}
	_, err := conn.WriteToUDP(payload, client.Addr)
	return err
}

func parseRegisterMessage(data []byte) (RegisterMessage, error) {
	var msg RegisterMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, err
	}
	if msg.ClientID == "" || msg.Type == "" {
		return msg, errors.New("missing required fields")
	}
	return msg, nil
}
