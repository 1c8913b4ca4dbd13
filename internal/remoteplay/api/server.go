// Package api exposes a session over HTTP: status and frame polling, keyframe
// export, controller input, and live streams over chunked HTTP, WebSocket and
// WebRTC.
package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dchest/uniuri"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/controller"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/engine"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/pipeline"
)

//go:embed all:static
var staticFiles embed.FS

const (
	DefaultAddr      = "127.0.0.1:28091"
	DefaultFrameRate = 60
	tokenLength      = 32
	shutdownTimeout  = 2 * time.Second
)

// Session is the part of a session the server needs. *session.Session
// satisfies it.
type Session interface {
	ID() string
	IsConnected() bool
	Quit() (bool, engine.Event)
	Stats() pipeline.StatsSnapshot
	Frame() ([]byte, uint64)
	Keyframe() []byte
	FrameSequence() uint64
	FrameSize() int
	KeyframeSize() int
	HasKeyframe() bool
	RequestRefresh() error
	SetControllerState(controller.State) error
	Controller() *controller.Controller
	Broadcaster() *pipeline.Broadcaster
}

// Config configures the server.
type Config struct {
	Addr string
	// Token, when set, must be presented as a bearer token or ?token= query.
	Token string
	// FrameRate paces WebRTC sample durations.
	FrameRate int
	Logger    *slog.Logger
}

// Server serves one session.
type Server struct {
	sess   Session
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux

	httpServer *http.Server

	peersMu sync.Mutex
	peers   map[string]*webrtc.PeerConnection
}

// GenerateToken returns a random access token.
func GenerateToken() string {
	return uniuri.NewLen(tokenLength)
}

// NewServer creates a server for sess.
func NewServer(sess Session, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = DefaultFrameRate
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		sess:   sess,
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		peers:  make(map[string]*webrtc.PeerConnection),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/frame", s.handleFrame)
	s.mux.HandleFunc("/api/keyframe", s.handleKeyframe)
	s.mux.HandleFunc("/api/refresh", s.handleRefresh)
	s.mux.HandleFunc("/api/controller", s.handleController)
	s.mux.HandleFunc("/api/press", s.handlePress)
	s.mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)
	s.mux.HandleFunc("/stream.h264", s.handleH264Stream)
	s.mux.HandleFunc("/ws", s.handleWebSocket)

	static, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	s.mux.Handle("/", http.FileServer(http.FS(static)))
}

// Handler returns the HTTP handler with auth and request logging applied.
func (s *Server) Handler() http.Handler {
	return s.loggingMiddleware(s.authMiddleware(s.mux))
}

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.cfg.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully, closing
// any WebRTC peers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  0, // No read timeout for streaming connections
		WriteTimeout: 0, // No write timeout for streaming connections
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", "addr", ln.Addr().String())
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "serve")
	case <-ctx.Done():
	}

	s.closePeers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP server shutdown error", "error", err)
		// Streaming handlers do not return on their own; force them closed.
		if err := s.httpServer.Close(); err != nil {
			s.logger.Warn("HTTP server close error", "error", err)
		}
	}
	s.logger.Info("API server stopped")
	return nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.cfg.Token == "" {
		return next
	}
	want := []byte(s.cfg.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="remoteplay"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lw, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.status,
			"bytes", lw.length,
			"duration", time.Since(start),
			"remote", r.RemoteAddr)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (w *loggingResponseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.length += n
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
