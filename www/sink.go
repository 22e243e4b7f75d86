package www

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"node.town/livespeak/proto"
)

var errSinkClosed = errors.New("channel closed")

// wsSink serializes writes to one websocket. Events arrive from the
// session lanes, the sweeper and the read loop concurrently.
type wsSink struct {
	ws      *websocket.Conn
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newWSSink(ws *websocket.Conn, timeout time.Duration) *wsSink {
	return &wsSink{ws: ws, timeout: timeout}
}

func (s *wsSink) Send(ev proto.Event) error {
	data, err := proto.Encode(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}
	s.ws.SetWriteDeadline(time.Now().Add(s.timeout))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSink) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}
	return s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.timeout))
}

func (s *wsSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.ws.Close()
}
