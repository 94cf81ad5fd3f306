// Package ipc exposes the host to external processes over a WebSocket
// JSON-RPC bridge. Connected clients can submit codes for execution,
// cancel channels and register themselves as code interceptors; codes a
// client submits while it is handling an interception are classified at
// the highest priority so they cannot deadlock behind the intercepted
// code.
package ipc

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"reprapd/pkg/gcode"
	"reprapd/pkg/interceptor"
	"reprapd/pkg/log"
	"reprapd/pkg/metrics"
	"reprapd/pkg/sched"
)

// Submitter feeds a code into the execution pipeline. Satisfied by
// *pipeline.Pipeline.
type Submitter interface {
	Execute(ctx context.Context, code *gcode.Code) (gcode.Result, error)
}

// Config wires the IPC server to the host.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":7125".
	Addr string

	// Pipeline executes submitted codes.
	Pipeline Submitter

	// Registry holds remote interceptor registrations.
	Registry *interceptor.Registry

	// Scheduler serves channel cancellation requests.
	Scheduler *sched.Scheduler

	// InterceptTimeout bounds how long an unresponsive client may stall
	// an intercepted code before it passes through. Zero means 10s.
	InterceptTimeout time.Duration

	// Metrics, when set, is served at /metrics in Prometheus text
	// format.
	Metrics *metrics.Registry

	Logger *log.Logger
}

// Server is the WebSocket IPC endpoint.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *log.Logger

	httpServer *http.Server

	mu      sync.RWMutex
	clients map[string]*client
}

// NewServer creates an IPC server. Call Handler to mount it or
// ListenAndServe to run it standalone.
func NewServer(cfg Config) *Server {
	if cfg.InterceptTimeout == 0 {
		cfg.InterceptTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.GetLogger("ipc")
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler serving the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", s.handleWebSocket)
	if s.cfg.Metrics != nil {
		mux.HandleFunc("/metrics", s.handleMetrics)
	}
	return mux
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if _, err := io.WriteString(w, s.cfg.Metrics.Render()); err != nil {
		s.logger.WithError(err).Warn("metrics write failed")
	}
}

// ListenAndServe runs the server until Close.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{Addr: s.cfg.Addr, Handler: s.Handler()}
	s.logger.Info("ipc server listening on %s", s.cfg.Addr)
	return s.httpServer.ListenAndServe()
}

// Close disconnects all clients and stops the listener.
func (s *Server) Close() error {
	s.mu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.clients = make(map[string]*client)
	s.mu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{
		id:      uuid.NewString(),
		server:  s,
		conn:    conn,
		sendCh:  make(chan any, 64),
		done:    make(chan struct{}),
		pending: make(map[string]chan interceptReply),
	}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.logger.Info("client %s connected", c.id)

	go c.writePump()
	c.readPump()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	if reg := c.takeRegistration(); reg != nil && s.cfg.Registry != nil {
		s.cfg.Registry.Unregister(reg)
	}
	s.logger.Info("client %s disconnected", c.id)
}
