package sync

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"time"
)

type Server struct {
	Addr string
	Hub  *Hub
}

func NewServer(addr string, hub *Hub) *Server {
	return &Server{Addr: addr, Hub: hub}
}

// Run listens on s.Addr until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts clients on ln. Each client gets a welcome line and then
// every broadcast; anything it sends is read and discarded.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log := s.Hub.logger.With("transport", "tcp")
	log.Info("listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn("accept", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		go s.handle(conn, log)
	}
}

func (s *Server) handle(c net.Conn, log *slog.Logger) {
	_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.Write(s.Hub.welcome("tcp")); err != nil {
		log.Debug("welcome failed", "remote", c.RemoteAddr().String(), "err", err)
		_ = c.Close()
		return
	}
	s.Hub.Add(c)
	log.Info("client connected", "remote", c.RemoteAddr().String())
	defer func() {
		s.Hub.Remove(c)
		log.Info("client disconnected", "remote", c.RemoteAddr().String())
	}()

	sc := bufio.NewScanner(c)
	for sc.Scan() {
	}
}
