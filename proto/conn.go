package proto

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"node.town/livespeak/session"
)

// Handler is the engine surface the protocol layer drives. It never
// touches session state directly.
type Handler interface {
	Start(
		ctx context.Context,
		identity string,
		sessionID string,
		cfg StartConfig,
		sink Sink,
	) (string, bool, error)
	Audio(ctx context.Context, sessionID string, chunkSeq int64, audio []byte) error
	End(ctx context.Context, sessionID string) error
	Disconnect(ctx context.Context, sessionID string, sink Sink)
}

// Conn dispatches frames from one client channel and remembers which
// sessions that channel started so they can be released on disconnect.
// Sessions it saw end stay known so late frames get ErrTerminal.
type Conn struct {
	handler  Handler
	identity string
	sink     Sink
	logger   *log.Logger

	mu    sync.Mutex
	owned map[string]struct{}
	ended map[string]struct{}
}

func NewConn(handler Handler, identity string, sink Sink, logger *log.Logger) *Conn {
	if logger == nil {
		logger = log.Default()
	}
	return &Conn{
		handler:  handler,
		identity: identity,
		sink:     sink,
		logger:   logger,
		owned:    make(map[string]struct{}),
		ended:    make(map[string]struct{}),
	}
}

// Handle decodes and dispatches one frame. Errors worth telling the client
// about are sent as error events and also returned.
func (c *Conn) Handle(ctx context.Context, data []byte) error {
	f, err := Decode(data)
	if err != nil {
		c.reply(f.SessionID, err)
		return err
	}

	switch f.Type {
	case TypeStartSession:
		var cfg StartConfig
		if f.Config != nil {
			cfg = *f.Config
		}
		id, resumed, err := c.handler.Start(ctx, c.identity, f.SessionID, cfg, c.sink)
		if err != nil {
			c.reply(f.SessionID, err)
			return err
		}
		c.mu.Lock()
		c.owned[id] = struct{}{}
		delete(c.ended, id)
		c.mu.Unlock()
		c.send(SessionStarted{Type: TypeSessionStarted, SessionID: id, Resumed: resumed})

	case TypeAudioChunk:
		if !c.owns(f.SessionID) {
			err := c.unowned(f.SessionID)
			c.reply(f.SessionID, err)
			return err
		}
		err := c.settle(f.SessionID, c.handler.Audio(ctx, f.SessionID, *f.ChunkSeq, f.AudioBytes))
		if err != nil && surfaced(err) {
			c.reply(f.SessionID, err)
			return err
		}

	case TypeEndSession:
		if !c.owns(f.SessionID) {
			err := c.unowned(f.SessionID)
			c.reply(f.SessionID, err)
			return err
		}
		if err := c.settle(f.SessionID, c.handler.End(ctx, f.SessionID)); err != nil {
			c.reply(f.SessionID, err)
			return err
		}
		c.markEnded(f.SessionID)
	}
	return nil
}

// Close releases every session this channel still owns.
func (c *Conn) Close(ctx context.Context) {
	c.mu.Lock()
	owned := make([]string, 0, len(c.owned))
	for id := range c.owned {
		owned = append(owned, id)
	}
	c.owned = make(map[string]struct{})
	c.mu.Unlock()

	for _, id := range owned {
		c.handler.Disconnect(ctx, id, c.sink)
	}
}

func (c *Conn) owns(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.owned[sessionID]
	return ok
}

// unowned is the error for a frame on a session this channel does not
// hold. Sessions started on another channel look the same as unknown ones.
func (c *Conn) unowned(sessionID string) error {
	c.mu.Lock()
	_, ended := c.ended[sessionID]
	c.mu.Unlock()
	if ended {
		return fmt.Errorf("%w: %s", session.ErrTerminal, sessionID)
	}
	return fmt.Errorf("%w: %s", session.ErrNotFound, sessionID)
}

func (c *Conn) markEnded(sessionID string) {
	c.mu.Lock()
	delete(c.owned, sessionID)
	c.ended[sessionID] = struct{}{}
	c.mu.Unlock()
}

// settle records sessions that ended behind this channel's back. An owned
// session missing from the store was terminated and already reclaimed.
func (c *Conn) settle(sessionID string, err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.markEnded(sessionID)
		return fmt.Errorf("%w: %s", session.ErrTerminal, sessionID)
	case errors.Is(err, session.ErrTerminal):
		c.markEnded(sessionID)
	}
	return err
}

func (c *Conn) reply(sessionID string, err error) {
	c.logger.Debug("reject", "session", sessionID, "error", err)
	c.send(ErrorEvent{
		Type:      TypeError,
		SessionID: sessionID,
		Code:      Code(err),
		Message:   err.Error(),
	})
}

func (c *Conn) send(ev Event) {
	if err := c.sink.Send(ev); err != nil {
		c.logger.Warn("failed to send event", "type", ev.EventType(), "error", err)
	}
}

// surfaced reports whether an audio error is reported back as an error
// event. Chunk-level problems are either diagnosed by the pipeline or
// dropped silently.
func surfaced(err error) bool {
	return errors.Is(err, session.ErrNotFound) ||
		errors.Is(err, session.ErrTerminal) ||
		errors.Is(err, session.ErrIdentityMismatch)
}

// Code maps an error onto the wire error code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrBadFrame):
		return CodeBadFrame
	case errors.Is(err, session.ErrNotFound):
		return CodeSessionNotFound
	case errors.Is(err, session.ErrTerminal):
		return CodeSessionTerminal
	case errors.Is(err, session.ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, session.ErrIdentityMismatch):
		return CodeIdentityMismatch
	default:
		return CodeInternal
	}
}
