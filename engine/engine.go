// Package engine ties the session store, ingestion pipeline, providers and
// client sinks together and owns every terminal transition.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"node.town/livespeak/ingest"
	"node.town/livespeak/proto"
	"node.town/livespeak/session"
	"node.town/livespeak/stt"
)

type Options struct {
	// Defaults fill in whatever the client leaves out of start-session.
	Defaults session.Config
	// DisconnectGrace of zero expires a session as soon as its channel
	// goes away.
	DisconnectGrace time.Duration
}

type Engine struct {
	store    *session.Store
	pipeline *ingest.Pipeline
	catalog  *stt.Catalog
	registry *proto.Registry
	logger   *log.Logger
	opts     Options

	startMu sync.Mutex
}

func New(
	store *session.Store,
	pipeline *ingest.Pipeline,
	catalog *stt.Catalog,
	registry *proto.Registry,
	logger *log.Logger,
	opts Options,
) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	if opts.Defaults.Provider == "" {
		opts.Defaults.Provider = "mock"
	}
	if opts.Defaults.Encoding == "" {
		opts.Defaults.Encoding = ingest.EncodingRaw
	}
	return &Engine{
		store:    store,
		pipeline: pipeline,
		catalog:  catalog,
		registry: registry,
		logger:   logger,
		opts:     opts,
	}
}

// Start creates a session, or reattaches the caller's channel when the
// session is already ACTIVE for the same identity.
func (e *Engine) Start(
	ctx context.Context,
	identity string,
	sessionID string,
	cfg proto.StartConfig,
	sink proto.Sink,
) (string, bool, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	scfg, err := e.sessionConfig(cfg)
	if err != nil {
		return "", false, err
	}

	e.startMu.Lock()
	defer e.startMu.Unlock()

	_, created, err := e.store.Create(sessionID, identity, scfg)
	if err != nil {
		return "", false, err
	}
	if !created {
		if err := e.store.Attach(sessionID); err != nil {
			return "", false, err
		}
		e.registry.Bind(sessionID, sink)
		e.logger.Info("resumed", "session", sessionID, "identity", identity)
		return sessionID, true, nil
	}

	provider, err := e.catalog.Open(ctx, scfg.Provider, sessionID)
	if err != nil {
		e.store.Remove(sessionID)
		if errors.Is(err, stt.ErrUnknownProvider) {
			return "", false, fmt.Errorf("%w: %v", proto.ErrBadFrame, err)
		}
		return "", false, fmt.Errorf("failed to open provider: %w", err)
	}
	e.registry.Bind(sessionID, sink)
	e.pipeline.Open(sessionID, scfg.Encoding, provider)

	e.logger.Info(
		"started",
		"session", sessionID,
		"identity", identity,
		"provider", scfg.Provider,
		"encoding", scfg.Encoding,
		"budget", scfg.TimeBudget,
		"idle", scfg.IdleTimeout,
	)
	return sessionID, false, nil
}

func (e *Engine) Audio(ctx context.Context, sessionID string, chunkSeq int64, audio []byte) error {
	return e.pipeline.Ingest(sessionID, chunkSeq, audio)
}

// End completes a session on the client's request. Losing a race against
// the sweeper is not an error; the winner already emitted the summary.
func (e *Engine) End(ctx context.Context, sessionID string) error {
	err := e.Terminate(sessionID, session.StateCompleted, session.CauseClientEnd)
	if errors.Is(err, session.ErrInvalidTransition) {
		return nil
	}
	return err
}

// Disconnect releases a channel's hold on a session. Sessions already
// rebound to another channel are left alone.
func (e *Engine) Disconnect(ctx context.Context, sessionID string, sink proto.Sink) {
	if !e.registry.Unbind(sessionID, sink) {
		return
	}
	if e.opts.DisconnectGrace <= 0 {
		err := e.Terminate(sessionID, session.StateExpired, session.CauseDisconnect)
		if err != nil && !errors.Is(err, session.ErrInvalidTransition) && !errors.Is(err, session.ErrNotFound) {
			e.logger.Warn("failed to expire on disconnect", "session", sessionID, "error", err)
		}
		return
	}
	if err := e.store.Detach(sessionID); err == nil {
		e.logger.Info("detached", "session", sessionID, "grace", e.opts.DisconnectGrace)
	}
}

// Terminate performs the one terminal transition of a session, stops its
// lane and tries to deliver the summary.
func (e *Engine) Terminate(sessionID string, target session.State, cause session.Cause) error {
	summary, err := e.store.Transition(sessionID, target, cause)
	if err != nil {
		return err
	}
	e.pipeline.Close(sessionID)
	e.logger.Info(
		"ended",
		"session", sessionID,
		"reason", target.Reason(),
		"cause", cause,
		"duration", summary.Duration,
		"segments", summary.Segments,
	)
	e.deliver(sessionID)
	return nil
}

// Redeliver retries a summary that could not be sent at transition time.
func (e *Engine) Redeliver(sessionID string) bool {
	return e.deliver(sessionID)
}

// deliver sends the summary at most once. A send already in flight holds
// the store's claim, so concurrent callers back off.
func (e *Engine) deliver(id string) bool {
	summary, ok := e.store.ClaimDelivery(id)
	if !ok {
		return false
	}
	if err := e.registry.Emit(id, proto.NewSessionSummary(summary)); err != nil {
		e.store.ReleaseDelivery(id)
		e.logger.Debug("summary not delivered", "session", id, "error", err)
		return false
	}
	e.store.MarkDelivered(id)
	e.registry.Unbind(id, nil)
	e.store.Remove(id)
	return true
}

// Shutdown completes every ACTIVE session, flushes summaries still waiting
// for delivery and stops the pipeline.
func (e *Engine) Shutdown(ctx context.Context) {
	for _, snap := range e.store.ListActive() {
		err := e.Terminate(snap.ID, session.StateCompleted, session.CauseShutdown)
		if err != nil && !errors.Is(err, session.ErrInvalidTransition) {
			e.logger.Warn("failed to complete on shutdown", "session", snap.ID, "error", err)
		}
	}
	for _, snap := range e.store.List() {
		if snap.Summary != nil && !snap.Delivered {
			e.Redeliver(snap.ID)
		}
	}
	e.pipeline.Shutdown()
	e.logger.Info("shutdown", "remaining", len(e.store.List()))
}

// Sessions lists ACTIVE sessions for the HTTP listing.
func (e *Engine) Sessions() []session.Snapshot {
	return e.store.ListActive()
}

func (e *Engine) sessionConfig(cfg proto.StartConfig) (session.Config, error) {
	out := e.opts.Defaults
	if cfg.TimeBudgetMs < 0 || cfg.IdleTimeoutMs < 0 {
		return session.Config{}, fmt.Errorf("%w: negative duration in config", proto.ErrBadFrame)
	}
	if cfg.TimeBudgetMs > 0 {
		out.TimeBudget = time.Duration(cfg.TimeBudgetMs) * time.Millisecond
	}
	if cfg.IdleTimeoutMs > 0 {
		out.IdleTimeout = time.Duration(cfg.IdleTimeoutMs) * time.Millisecond
	}
	if cfg.Provider != "" {
		out.Provider = strings.ToLower(cfg.Provider)
	}
	if cfg.Encoding != "" {
		out.Encoding = strings.ToLower(cfg.Encoding)
	}
	if !ingest.ValidEncoding(out.Encoding) {
		return session.Config{}, fmt.Errorf("%w: unsupported encoding %q", proto.ErrBadFrame, out.Encoding)
	}
	return out, nil
}
