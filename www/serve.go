package www

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"node.town/livespeak/proto"
	"node.town/livespeak/session"
)

// Engine is what the transport needs from the session engine.
type Engine interface {
	proto.Handler
	Sessions() []session.Snapshot
}

type Options struct {
	IdentityHeader string
	RateLimit      float64
	RateBurst      int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxFrameBytes  int64
}

type Server struct {
	Router *chi.Mux

	engine   Engine
	logger   *log.Logger
	opts     Options
	upgrader websocket.Upgrader

	mu    sync.Mutex
	sinks map[*wsSink]struct{}
}

func New(engine Engine, logger *log.Logger, opts Options) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if opts.IdentityHeader == "" {
		opts.IdentityHeader = "X-Speaker-Identity"
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 50
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 100
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 1 << 20
	}

	s := &Server{
		engine: engine,
		logger: logger,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sinks: make(map[*wsSink]struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/sessions", s.handleSessions)
	r.Get("/ws", s.handleSocket)
	s.Router = r
	return s
}

// Serve listens on addr until ctx is cancelled. Open websockets survive
// the HTTP shutdown so the engine can still flush summaries to them; call
// CloseConnections afterwards.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) CloseConnections() {
	s.mu.Lock()
	sinks := make([]*wsSink, 0, len(s.sinks))
	for sink := range s.sinks {
		sinks = append(sinks, sink)
	}
	s.mu.Unlock()

	for _, sink := range sinks {
		sink.Close()
	}
}

type health struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, health{Status: "ok", Sessions: len(s.engine.Sessions())})
}

// SessionView is the JSON shape of one entry in GET /sessions.
type SessionView struct {
	ID             string    `json:"id"`
	Identity       string    `json:"identity"`
	State          string    `json:"state"`
	Provider       string    `json:"provider"`
	Encoding       string    `json:"encoding"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	TimeBudgetMs   int64     `json:"timeBudgetMs"`
	IdleTimeoutMs  int64     `json:"idleTimeoutMs"`
	NextChunkSeq   int64     `json:"nextChunkSeq"`
	Segments       int       `json:"segments"`
	Highlights     int       `json:"highlights"`
	Detached       bool      `json:"detached"`
}

func NewSessionView(snap session.Snapshot) SessionView {
	return SessionView{
		ID:             snap.ID,
		Identity:       snap.Identity,
		State:          string(snap.State),
		Provider:       snap.Config.Provider,
		Encoding:       snap.Config.Encoding,
		StartedAt:      snap.StartedAt,
		LastActivityAt: snap.LastActivityAt,
		TimeBudgetMs:   snap.Config.TimeBudget.Milliseconds(),
		IdleTimeoutMs:  snap.Config.IdleTimeout.Milliseconds(),
		NextChunkSeq:   snap.NextChunkSeq,
		Segments:       snap.Segments,
		Highlights:     snap.Highlights,
		Detached:       !snap.DetachedAt.IsZero(),
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	snaps := s.engine.Sessions()
	views := make([]SessionView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, NewSessionView(snap))
	}
	writeJSON(w, views)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimSpace(r.Header.Get(s.opts.IdentityHeader))
	if identity == "" {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	logger := s.logger.With("identity", identity, "remote", r.RemoteAddr)
	sink := newWSSink(ws, s.opts.WriteTimeout)
	s.track(sink)
	defer s.untrack(sink)

	conn := proto.NewConn(s.engine, identity, sink, logger)
	defer func() {
		conn.Close(context.Background())
		sink.Close()
		logger.Info("disconnected")
	}()

	ws.SetReadLimit(s.opts.MaxFrameBytes)
	ws.SetReadDeadline(time.Now().Add(2 * s.opts.PingInterval))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(2 * s.opts.PingInterval))
	})

	done := make(chan struct{})
	defer close(done)
	go s.keepAlive(sink, logger, done)

	logger.Info("connected")
	limiter := rate.NewLimiter(rate.Limit(s.opts.RateLimit), s.opts.RateBurst)
	ctx := r.Context()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
			) {
				logger.Warn("read", "error", err)
			}
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if err := conn.Handle(ctx, data); err != nil {
			logger.Debug("frame rejected", "error", err)
		}
	}
}

func (s *Server) keepAlive(sink *wsSink, logger *log.Logger, done <-chan struct{}) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := sink.ping(); err != nil {
				logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) track(sink *wsSink) {
	s.mu.Lock()
	s.sinks[sink] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(sink *wsSink) {
	s.mu.Lock()
	delete(s.sinks, sink)
	s.mu.Unlock()
}
