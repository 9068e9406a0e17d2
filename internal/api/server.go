package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ckoons/argo/internal/log"
)

// Server wraps a Handler with an http.Server for lifecycle management. The
// listener is created before the server so an auto-assigned port (":0") is
// knowable before Start blocks.
type Server struct {
	handler  *Handler
	server   *http.Server
	listener net.Listener
	port     int
}

// ServerConfig configures the API server.
type ServerConfig struct {
	Addr       string
	Handler    Config
	ReadTimeout time.Duration
}

// NewServer binds Addr and wires Handler.Routes() onto an http.Server. Use
// Port() after construction to learn the actual port when Addr ends in :0.
func NewServer(cfg ServerConfig) (*Server, error) {
	handler := NewHandler(cfg.Handler)

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	return &Server{
		handler:  handler,
		listener: listener,
		port:     port,
		server: &http.Server{
			Handler:           handler.Routes(),
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			// SSE responses are long-lived; no write timeout.
		},
	}, nil
}

// Start blocks serving connections until Stop is called or it fails.
func (s *Server) Start() error {
	log.Info(log.CatAPI, "starting HTTP API server", "addr", s.listener.Addr().String(), "port", s.port)
	err := s.server.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down, letting in-flight requests (and
// SSE streams) drain until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatAPI, "stopping HTTP API server")
	return s.server.Shutdown(ctx)
}

// Port returns the actual listening port.
func (s *Server) Port() int {
	return s.port
}
