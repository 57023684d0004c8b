// Package server exposes VoxBridge over HTTP: the client WebSocket endpoint
// at /v1/stream plus health probes and the Prometheus scrape endpoint.
//
// Each accepted WebSocket gets its own read loop that decodes envelopes and
// hands them to the orchestrator; the hub owns all writes. A malformed or
// misaddressed frame is dropped with a warning, never a disconnect. When the
// socket closes, for any reason, the loop ends the session so engines and
// registry entry unwind together.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/envelope"
	"github.com/voxbridge/voxbridge/internal/health"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/orchestrator"
)

// maxFrameBytes caps one inbound WebSocket frame. A 100 ms chunk of 48 kHz
// PCM16 is under 10 KiB even base64-inflated, so 1 MiB is generous headroom.
const maxFrameBytes = 1 << 20

// readHeaderTimeout bounds how long a client may dribble request headers.
const readHeaderTimeout = 10 * time.Second

// Server is the HTTP front of the process. Create with [New], start with
// [Server.ListenAndServe], stop with [Server.Shutdown].
type Server struct {
	cfg     config.ServerConfig
	orch    *orchestrator.Orchestrator
	metrics *observe.Metrics

	handler http.Handler
	httpSrv *http.Server
	wg      sync.WaitGroup
}

// Option configures a Server during construction.
type Option func(*Server)

// WithMetrics attaches a metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New builds the route table and the underlying [http.Server]. The health
// handler backs /healthz and /readyz; /metrics serves the Prometheus
// registry the OTel exporter feeds.
func New(cfg config.ServerConfig, orch *orchestrator.Orchestrator, h *health.Handler, opts ...Option) *Server {
	s := &Server{cfg: cfg, orch: orch}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	plain := http.NewServeMux()
	h.Register(plain)
	plain.Handle("GET /metrics", promhttp.Handler())

	// The WebSocket route bypasses the HTTP metrics middleware: the upgrade
	// needs to hijack the ResponseWriter, and the stream has its own
	// session-level instrumentation.
	mux := http.NewServeMux()
	mux.Handle("/", observe.Middleware(s.metrics)(plain))
	mux.HandleFunc("GET /v1/stream", s.handleStream)

	s.handler = mux
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the root route table. Tests mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe blocks serving HTTP (or HTTPS when TLS is configured) until
// [Server.Shutdown] is called or the listener fails. A clean shutdown
// returns nil.
func (s *Server) ListenAndServe() error {
	var err error
	if t := s.cfg.TLS; t != nil {
		err = s.httpSrv.ListenAndServeTLS(t.CertFile, t.KeyFile)
	} else {
		err = s.httpSrv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown ends every live session, stops the listener and waits for
// in-flight handlers. ctx bounds the whole pass.
func (s *Server) Shutdown(ctx context.Context) error {
	s.orch.Shutdown(ctx)
	err := s.httpSrv.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// handleStream upgrades the connection, mints a session and runs the read
// loop until the socket dies. Ending the session afterwards is idempotent
// with every other teardown path.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("server: websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c.SetReadLimit(maxFrameBytes)

	sess, err := s.orch.Connect(c)
	if err != nil {
		slog.Error("server: session setup failed", "remote", r.RemoteAddr, "error", err)
		_ = c.Close(websocket.StatusInternalError, "session setup failed")
		return
	}
	slog.Info("server: client connected", "session_id", sess.ID, "remote", r.RemoteAddr)

	s.wg.Add(1)
	defer s.wg.Done()

	s.readLoop(r.Context(), c, sess.ID)
	s.orch.EndSession(sess.ID)
}

// readLoop decodes inbound frames and dispatches them until the connection
// closes or ctx is cancelled.
func (s *Server) readLoop(ctx context.Context, c *websocket.Conn, sessionID string) {
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				slog.Info("server: client disconnected", "session_id", sessionID)
			default:
				slog.Debug("server: read loop ended", "session_id", sessionID, "error", err)
			}
			return
		}

		env, err := envelope.Decode(data)
		if err != nil {
			slog.Warn("server: dropping malformed frame", "session_id", sessionID, "error", err)
			continue
		}
		if env.SessionID != sessionID {
			slog.Warn("server: dropping frame addressed to another session",
				"session_id", sessionID, "claimed", env.SessionID)
			continue
		}
		s.orch.Dispatch(ctx, env)
	}
}
