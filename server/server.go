// Package server hosts the local test server: it serves project files to
// browsers (instrumenting eligible sources on the way out), accepts result
// messages from in-browser suites over HTTP and WebSocket, and exposes
// health and metrics endpoints.
package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/sync/semaphore"

	"github.com/gantrylabs/gantry/coverage"
	"github.com/gantrylabs/gantry/metrics"
)

const (
	// ClientPath is where the embedded in-browser harness page is served.
	ClientPath = "/__gantry/client.html"

	staticCacheSize = 512
	maxMessageBytes = 32 << 20
)

// Config holds the test server's settings.
type Config struct {
	// Port is the main HTTP port. Zero picks an ephemeral port.
	Port int
	// SocketPort carries the dedicated WebSocket result channel. Zero
	// disables it; browsers then post results over HTTP.
	SocketPort int
	// BasePath is the directory served to browsers.
	BasePath string
	// MaxConcurrentRequests bounds in-flight static file requests. Zero or
	// negative means unlimited.
	MaxConcurrentRequests int64

	Log log.Logger
}

// Server is the local test server.
type Server struct {
	cfg      Config
	log      log.Logger
	hooks    *coverage.Hooks
	dispatch *dispatcher
	cache    *lru.Cache
	sem      *semaphore.Weighted
	handler  http.Handler

	mu       sync.Mutex
	started  bool
	ln       net.Listener
	socketLn net.Listener
	httpSrv  *http.Server
	sockSrv  *http.Server
}

// New builds a server. hooks may be nil, in which case files are served
// verbatim.
func New(cfg Config, hooks *coverage.Hooks) (*Server, error) {
	logger := cfg.Log
	if logger == nil {
		logger = log.Root()
	}
	cache, err := lru.New(staticCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		log:      logger,
		hooks:    hooks,
		dispatch: newDispatcher(logger),
		cache:    cache,
	}
	if cfg.MaxConcurrentRequests > 0 {
		s.sem = semaphore.NewWeighted(cfg.MaxConcurrentRequests)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost},
	})
	s.handler = c.Handler(s.routes())
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/session/{id}/messages", s.handleMessages).Methods(http.MethodPost)
	r.HandleFunc("/session/{id}/socket", s.handleSocket).Methods(http.MethodGet)
	r.HandleFunc(ClientPath, s.handleClientPage).Methods(http.MethodGet)
	r.PathPrefix("/").Handler(s.limit(http.HandlerFunc(s.handleStatic))).Methods(http.MethodGet, http.MethodHead)
	return r
}

// Handler exposes the fully wrapped route tree.
func (s *Server) Handler() http.Handler { return s.handler }

// Subscribe registers for result messages addressed to sessionID.
func (s *Server) Subscribe(sessionID string) (<-chan Message, func()) {
	return s.dispatch.Subscribe(sessionID)
}

// Start binds the configured ports and begins serving. Binding happens
// synchronously so port collisions surface here rather than on first use.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server already started")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return errors.Wrap(err, "binding test server port")
	}
	s.ln = ln
	s.httpSrv = &http.Server{Handler: s.handler}
	go s.serve(s.httpSrv, ln, "test server")

	if s.cfg.SocketPort > 0 {
		socketLn, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.SocketPort))
		if err != nil {
			ln.Close() //nolint:errcheck
			s.ln, s.httpSrv = nil, nil
			return errors.Wrap(err, "binding socket port")
		}
		s.socketLn = socketLn
		s.sockSrv = &http.Server{Handler: http.HandlerFunc(s.handleSocket)}
		go s.serve(s.sockSrv, socketLn, "socket server")
	}

	s.started = true
	s.log.Info("Test server listening",
		"url", fmt.Sprintf("http://localhost:%d/", ln.Addr().(*net.TCPAddr).Port),
		"socketPort", s.cfg.SocketPort)
	return nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener, name string) {
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		s.log.Error("Server exited", "server", name, "err", err)
	}
}

// Stop shuts both listeners down and settles every message subscriber.
// Stopping a server that never started is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	var firstErr error
	for _, srv := range []*http.Server{s.httpSrv, s.sockSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.httpSrv, s.sockSrv = nil, nil
	s.ln, s.socketLn = nil, nil
	s.dispatch.closeAll()
	return firstErr
}

// URL is the address browsers use to reach the server.
func (s *Server) URL() string {
	return fmt.Sprintf("http://localhost:%d/", s.Port())
}

// Port is the bound main port, or the configured one before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().(*net.TCPAddr).Port
	}
	return s.cfg.Port
}

// SocketPort is the bound WebSocket port, or zero when disabled.
func (s *Server) SocketPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.socketLn != nil {
		return s.socketLn.Addr().(*net.TCPAddr).Port
	}
	return s.cfg.SocketPort
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.sem != nil {
			if err := s.sem.Acquire(r.Context(), 1); err != nil {
				http.Error(w, "server busy", http.StatusServiceUnavailable)
				return
			}
			defer s.sem.Release(1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK")) //nolint:errcheck
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}
	msgs, err := decodeMessages(sessionID, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, msg := range msgs {
		metrics.RecordSessionMessage(msg.Name)
		s.dispatch.Publish(msg)
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleSocket serves the WebSocket result channel. On the main port the
// session id comes from the route; on the dedicated socket port clients pass
// it as a query parameter.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if sessionID == "" {
		sessionID = r.URL.Query().Get("sessionId")
	}
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "sessionId", sessionID, "err", err)
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("WebSocket closed", "sessionId", sessionID, "err", err)
			}
			return
		}
		msgs, err := decodeMessages(sessionID, data)
		if err != nil {
			s.log.Warn("Bad socket message", "sessionId", sessionID, "err", err)
			continue
		}
		for _, msg := range msgs {
			metrics.RecordSessionMessage(msg.Name)
			s.dispatch.Publish(msg)
		}
	}
}

type cachedFile struct {
	data         []byte
	instrumented bool
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	rel := path.Clean("/" + r.URL.Path)
	fp := filepath.Join(s.cfg.BasePath, filepath.FromSlash(rel))

	info, err := os.Stat(fp)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	entry, err := s.readStatic(fp, info)
	if err != nil {
		s.log.Error("Reading static file failed", "path", fp, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	metrics.RecordServedFile(entry.instrumented)
	http.ServeContent(w, r, fp, info.ModTime(), bytes.NewReader(entry.data))
}

// readStatic loads and optionally instruments a file, caching the result
// keyed by path, mtime, size and instrumentation state.
func (s *Server) readStatic(fp string, info os.FileInfo) (cachedFile, error) {
	instrument := s.hooks != nil && s.hooks.Eligible(coverage.HookServe, fp)
	key := fmt.Sprintf("%s|%d|%d|%t", fp, info.ModTime().UnixNano(), info.Size(), instrument)
	if v, ok := s.cache.Get(key); ok {
		return v.(cachedFile), nil
	}

	data, err := os.ReadFile(fp)
	if err != nil {
		return cachedFile{}, err
	}
	if instrument {
		data = s.hooks.Transform(coverage.HookServe, fp, data)
	}

	entry := cachedFile{data: data, instrumented: instrument}
	s.cache.Add(key, entry)
	return entry, nil
}
