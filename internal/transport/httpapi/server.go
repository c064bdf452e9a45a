// Package httpapi serves the JSON control API.
//
//	POST /v1/command   body: dispatch.Command, reply: dispatch.Response
//	GET  /v1/state     getState shorthand
//	GET  /healthz      liveness plus supervisor snapshot
//	/debug/pprof/      optional
//
// With a token configured every route requires "Authorization: Bearer <token>".
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"
	"time"

	"tabrotate/internal/dispatch"
	logx "tabrotate/pkg/logx"
)

const (
	DefaultAddr  = "127.0.0.1:7317"
	maxBodyBytes = 1 << 20
)

var ErrInsecureBind = errors.New("refusing non-loopback listen without token")

type Handler interface {
	Handle(ctx context.Context, origin dispatch.Origin, cmd dispatch.Command) dispatch.Response
}

// HealthFunc returns extra data for /healthz; may be nil.
type HealthFunc func() any

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
	Pprof         bool
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = DefaultAddr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// Server manages the listener lifecycle; Apply may be called on every reload.
type Server struct {
	h      Handler
	health HealthFunc
	log    logx.Logger

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	addr string
	cfg  Config
}

func New(h Handler, health HealthFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{h: h, health: health, log: log.With(logx.String("comp", "httpapi"))}
}

// Apply starts, restarts or stops the listener to match cfg.
func (s *Server) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		return nil
	}
	if err := checkBind(cfg); err != nil {
		s.stopLocked(ctx)
		return err
	}
	if s.srv != nil && s.cfg == cfg {
		return nil
	}
	s.stopLocked(ctx)
	return s.startLocked(cfg)
}

func checkBind(cfg Config) error {
	if cfg.Token != "" || cfg.AllowInsecure {
		return nil
	}
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return fmt.Errorf("http addr %q: %w", cfg.Addr, err)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInsecureBind, cfg.Addr)
}

func (s *Server) startLocked(cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(cfg),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()
	s.cfg = cfg

	addr := s.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("http server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("http api enabled", logx.String("addr", addr), logx.Bool("auth", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))
	return nil
}

// Stop gracefully shuts down the listener.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr, s.cfg = nil, nil, "", Config{}

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("http shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	_ = ln.Close()
	s.log.Info("http api disabled", logx.String("addr", addr))
}

// Addr reports the actual listen address if running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler builds the routed, authenticated handler for cfg.
func (s *Server) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/command", s.handleCommand)
	mux.HandleFunc("GET /v1/state", s.handleState)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return s.recoverer(requireToken(cfg.Token, mux))
}

func requireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeJSON(w, http.StatusUnauthorized, dispatch.Response{Status: dispatch.StatusError, Message: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error("http handler panicked", logx.String("path", r.URL.Path), logx.Any("panic", rec))
				writeJSON(w, http.StatusInternalServerError, dispatch.Response{Status: dispatch.StatusError, Message: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd dispatch.Command
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, dispatch.Response{Status: dispatch.StatusError, Message: "invalid command: " + err.Error()})
		return
	}
	resp := s.h.Handle(r.Context(), origin(r), cmd)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	resp := s.h.Handle(r.Context(), origin(r), dispatch.Command{Action: dispatch.ActionGetState})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"ok": true}
	if s.health != nil {
		body["supervisor"] = s.health()
	}
	writeJSON(w, http.StatusOK, body)
}

func origin(r *http.Request) dispatch.Origin {
	actor := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		actor = host
	}
	return dispatch.Origin{Transport: "http", Actor: actor}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
