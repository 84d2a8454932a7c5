package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luhtfiimanal/serial-bridge/internal/device"
	"github.com/luhtfiimanal/serial-bridge/internal/metrics"
	"github.com/rs/zerolog"
)

// Devices is the part of the device registry the router drives.
type Devices interface {
	Enumerate(ctx context.Context) ([]device.Info, error)
	Attach(ctx context.Context, id string, sink device.Sink, origin string) (*device.Session, error)
	Write(ctx context.Context, id, payload, origin string) error
	Configure(ctx context.Context, id string, baudRate int) error
	ForceClose(ctx context.Context, id string) error
}

// Options configures a Server.
type Options struct {
	Devices         Devices
	Metrics         *metrics.Metrics // nil disables /metrics
	StaticDir       string           // served at / when set
	SinkBuffer      int
	ShutdownTimeout time.Duration
	Logger          zerolog.Logger
}

// Server is the HTTP front end of the bridge.
type Server struct {
	opts     Options
	devices  Devices
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	handler  http.Handler

	mu       sync.Mutex
	server   *http.Server
	stopping chan struct{}
	stopOnce sync.Once
}

// NewServer creates a server. It does not listen until Serve is called.
func NewServer(opts Options) (*Server, error) {
	if opts.Devices == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if opts.SinkBuffer <= 0 {
		opts.SinkBuffer = DefaultSinkBuffer
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		opts:     opts,
		devices:  opts.Devices,
		logger:   opts.Logger.With().Str("component", "api").Logger(),
		stopping: make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/devices", s.handleList)
	mux.HandleFunc("GET /api/devices/{id}/read", s.handleRead)
	mux.HandleFunc("GET /api/devices/{id}/ws", s.handleWebSocket)
	mux.HandleFunc("POST /api/devices/{id}/write", s.handleWrite)
	mux.HandleFunc("POST /api/devices/{id}/baud", s.handleBaud)
	mux.HandleFunc("POST /api/devices/{id}/close", s.handleClose)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	}
	if s.opts.StaticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.opts.StaticDir)))
	}
	return mux
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully. Open streams are ended before the listener is drained.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting HTTP server")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	return s.Stop()
}

// Stop ends every stream and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() { close(s.stopping) })

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.logger.Info().Msg("Shutting down HTTP server")
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}
