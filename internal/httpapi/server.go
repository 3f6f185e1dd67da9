package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/lemoz/project-control-center-sub001/internal/log"
)

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	server   *http.Server
	listener net.Listener
	port     int
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Addr is the address to listen on (e.g. "127.0.0.1:7777"). Port 0
	// asks the OS for a free port; use Port() after NewServer.
	Addr string
	// Handler serves the routes (required).
	Handler *Handler
	// CORSOrigins is the browser-origin allowlist. Empty means no
	// cross-origin access.
	CORSOrigins []string
	// ReadTimeout is the maximum duration for reading a request.
	ReadTimeout time.Duration
}

// NewServer creates the API server and binds its listener.
func NewServer(cfg ServerConfig) (*Server, error) {
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
		listener: listener,
		port:     port,
		server: &http.Server{
			Handler:           corsMiddleware(cfg.CORSOrigins, cfg.Handler.Routes()),
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			// No write timeout; SSE connections stay open indefinitely.
			WriteTimeout: 0,
		},
	}, nil
}

// Start serves requests. It blocks until the server stops or fails.
func (s *Server) Start() error {
	log.Info(log.CatHTTP, "API server listening", "addr", s.listener.Addr().String(), "port", s.port)
	return s.server.Serve(s.listener)
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatHTTP, "stopping API server")
	return s.server.Shutdown(ctx)
}

// Port returns the bound port. Useful when configured with port 0.
func (s *Server) Port() int {
	return s.port
}

// corsMiddleware allows cross-origin requests only from the configured
// origins. Requests without an Origin header pass through untouched.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
