package stt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const streamWriteDeadline = 10 * time.Second

// streamDriver is one vendor's live websocket dialect.
type streamDriver interface {
	name() string
	// dial opens the socket and performs any handshake the vendor needs
	// before audio may be sent.
	dial(ctx context.Context) (*websocket.Conn, error)
	// parse turns one text message into a delta. ok is false for
	// messages that carry no transcript.
	parse(payload []byte, logger *log.Logger) (delta Delta, ok bool)
	keepAliveInterval() time.Duration
	keepAlive(c *streamConn) error
	// finish tells the vendor no more audio is coming.
	finish(c *streamConn) error
}

type streamOptions struct {
	ResultWait   time.Duration
	Retries      int
	RetryBackoff time.Duration
}

// streamSession keeps one live websocket per test session. The socket is
// dialed on the first chunk and redialed when a write fails.
type streamSession struct {
	driver streamDriver
	opts   streamOptions
	logger *log.Logger

	mu   sync.Mutex
	conn *streamConn
}

type streamConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	sent    int
	results chan Delta
	done    chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func newStreamSession(driver streamDriver, opts streamOptions, logger *log.Logger) *streamSession {
	return &streamSession{driver: driver, opts: opts, logger: logger}
}

func (s *streamSession) Transcribe(
	ctx context.Context,
	sessionID string,
	chunkSeq int64,
	audio []byte,
) (Delta, error) {
	var lastErr error
	for attempt := 0; attempt <= s.opts.Retries; attempt++ {
		if attempt > 0 {
			s.logger.Warn(
				"retry",
				"chunk",
				chunkSeq,
				"attempt",
				attempt,
				"error",
				lastErr,
			)
			select {
			case <-ctx.Done():
				return Delta{}, &ProviderError{
					Provider: s.driver.name(),
					ChunkSeq: chunkSeq,
					Err:      ctx.Err(),
				}
			case <-time.After(s.opts.RetryBackoff * time.Duration(attempt)):
			}
		}

		conn, err := s.connect(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if err := conn.sendAudio(audio); err != nil {
			lastErr = fmt.Errorf("failed to send audio: %w", err)
			s.drop(conn)
			continue
		}
		return conn.collect(ctx, s.opts.ResultWait), nil
	}

	return Delta{}, &ProviderError{
		Provider: s.driver.name(),
		ChunkSeq: chunkSeq,
		Err:      lastErr,
	}
}

func (s *streamSession) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := s.driver.finish(conn)
	conn.close()
	s.logger.Info("closed", "kind", s.driver.name())
	if err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	return nil
}

func (s *streamSession) connect(ctx context.Context) (*streamConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		select {
		case <-s.conn.done:
			s.conn.close()
			s.conn = nil
		default:
			return s.conn, nil
		}
	}

	ws, err := s.driver.dial(ctx)
	if err != nil {
		return nil, err
	}

	conn := &streamConn{
		ws:      ws,
		results: make(chan Delta, 64),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	go s.readLoop(conn)
	go s.keepAlive(conn)

	s.logger.Info("open", "kind", s.driver.name())
	s.conn = conn
	return conn, nil
}

func (s *streamSession) drop(conn *streamConn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.close()
}

func (s *streamSession) keepAlive(c *streamConn) {
	ticker := time.NewTicker(s.driver.keepAliveInterval())
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := s.driver.keepAlive(c); err != nil {
				s.logger.Error("failed to send keepalive", "error", err)
				return
			}
		}
	}
}

func (s *streamSession) readLoop(c *streamConn) {
	defer close(c.done)

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
			) {
				select {
				case <-c.stop:
				default:
					s.logger.Error("read", "error", err)
				}
			}
			return
		}

		delta, ok := s.driver.parse(payload, s.logger)
		if !ok || delta.Empty() {
			continue
		}
		if delta.Final {
			s.logger.Info("hear", "txt", delta.Text)
		} else {
			s.logger.Debug("hear", "tmp", delta.Text)
		}

		select {
		case c.results <- delta:
		default:
			s.logger.Warn("result buffer full, dropping", "txt", delta.Text)
		}
	}
}

func (c *streamConn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(streamWriteDeadline))
	return c.ws.WriteMessage(messageType, data)
}

func (c *streamConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(streamWriteDeadline))
	return c.ws.WriteJSON(v)
}

func (c *streamConn) ping() error {
	return c.ws.WriteControl(
		websocket.PingMessage,
		nil,
		time.Now().Add(streamWriteDeadline),
	)
}

func (c *streamConn) sendAudio(audio []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(streamWriteDeadline))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return err
	}
	c.sent++
	return nil
}

// audioSent is the number of binary messages written so far.
func (c *streamConn) audioSent() int {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sent
}

func (c *streamConn) close() {
	c.once.Do(func() {
		close(c.stop)
		c.ws.Close()
	})
}

// collect waits up to wait for the next final result. If none arrives the
// latest interim is returned, which may be empty.
func (c *streamConn) collect(ctx context.Context, wait time.Duration) Delta {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var interim Delta
	for {
		select {
		case delta := <-c.results:
			if delta.Final {
				return delta
			}
			interim = delta
		case <-timer.C:
			return interim
		case <-c.done:
			return interim
		case <-ctx.Done():
			return interim
		}
	}
}
