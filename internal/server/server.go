// Package server is the HTTP backend used by the procedure editor. It serves
// workspace files, validation, runs and a minimal LSP bridge.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mpataki/tactus/internal/orchestrator"
	"github.com/mpataki/tactus/internal/workspace"
)

const (
	SessionHeader  = "X-Tactus-Session"
	defaultSession = "default"
	serviceName    = "tactus-ide-backend"
)

type Options struct {
	Runtime *orchestrator.Runtime
	// Root is the workspace every new session starts in. Defaults to cwd.
	Root string
	// RunTimeout bounds POST /api/run. Defaults to 30s.
	RunTimeout time.Duration
	Logger     zerolog.Logger
}

type Server struct {
	rt         *orchestrator.Runtime
	root       string
	runTimeout time.Duration
	log        zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// session is the per-client editor state.
type session struct {
	mu   sync.Mutex
	ws   *workspace.Workspace
	docs map[string]string
}

type sessionKey struct{}

func New(opts Options) (*Server, error) {
	if opts.Runtime == nil {
		return nil, errors.New("server: runtime is required")
	}
	root := opts.Root
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		root = cwd
	}
	if _, err := workspace.Open(root); err != nil {
		return nil, err
	}
	timeout := opts.RunTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Server{
		rt:         opts.Runtime,
		root:       root,
		runTimeout: timeout,
		log:        opts.Logger,
		sessions:   make(map[string]*session),
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/workspace/cwd", s.handleCwd)
	mux.HandleFunc("GET /api/workspace", s.handleGetWorkspace)
	mux.HandleFunc("POST /api/workspace", s.handleSetWorkspace)
	mux.HandleFunc("GET /api/tree", s.handleTree)
	mux.HandleFunc("GET /api/file", s.handleReadFile)
	mux.HandleFunc("POST /api/file", s.handleWriteFile)

	mux.HandleFunc("POST /api/validate", s.handleValidate)
	mux.HandleFunc("POST /api/run", s.handleRun)
	mux.HandleFunc("GET /api/run/stream", s.handleRunStream)

	mux.HandleFunc("POST /api/lsp", s.handleLSP)
	mux.HandleFunc("POST /api/lsp/notification", s.handleLSPNotification)

	return s.withSession(cors(mux))
}

// ListenAndServe blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, host string, port int) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", srv.Addr).Msg("ide backend listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(SessionHeader)
		if id == "" {
			id = defaultSession
		}
		sess, err := s.session(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
	})
}

func (s *Server) session(id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	ws, err := workspace.Open(s.root)
	if err != nil {
		return nil, err
	}
	sess := &session{ws: ws, docs: make(map[string]string)}
	s.sessions[id] = sess
	return sess, nil
}

func sessionFrom(ctx context.Context) *session {
	return ctx.Value(sessionKey{}).(*session)
}

func (sess *session) workspace() *workspace.Workspace {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.ws
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+SessionHeader)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid JSON: " + err.Error())
	}
	return nil
}
