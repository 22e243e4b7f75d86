package www

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"node.town/livespeak/engine"
	"node.town/livespeak/grammar"
	"node.town/livespeak/ingest"
	"node.town/livespeak/proto"
	"node.town/livespeak/session"
	"node.town/livespeak/stt"
)

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	logger := log.New(io.Discard)
	store := session.NewStore(nil)
	registry := proto.NewRegistry()
	pipeline := ingest.New(store, grammar.NewRules(), registry, logger, ingest.Options{})
	catalog := stt.NewCatalog()
	catalog.Register("mock", stt.MockConstructor(stt.MockOptions{}))
	eng := engine.New(store, pipeline, catalog, registry, logger, engine.Options{
		Defaults: session.Config{TimeBudget: time.Minute, IdleTimeout: time.Minute},
	})

	srv := New(eng, logger, Options{PingInterval: time.Second})
	ts := httptest.NewServer(srv.Router)
	t.Cleanup(func() {
		srv.CloseConnections()
		ts.Close()
		pipeline.Shutdown()
	})
	return ts, eng
}

func dial(t *testing.T, ts *httptest.Server, identity string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	headers := http.Header{}
	headers.Set("X-Speaker-Identity", identity)
	ws, _, err := websocket.DefaultDialer.Dial(url, headers)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

type frame map[string]any

func readUntil(t *testing.T, ws *websocket.Conn, typ string) frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if f["type"] == typ {
			return f
		}
	}
}

func TestSocketRequiresIdentity(t *testing.T) {
	ts, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial without identity to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", resp)
	}
}

func TestSocketSessionLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)
	ws := dial(t, ts, "alice")

	ws.WriteJSON(frame{
		"type":      "start-session",
		"sessionId": "s1",
		"config":    frame{"timeBudgetMs": 30000, "idleTimeoutMs": 10000},
	})
	started := readUntil(t, ws, "session-started")
	if started["sessionId"] != "s1" || started["resumed"] != false {
		t.Fatalf("unexpected session-started %v", started)
	}

	audio := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("x", 40)))
	for seq := 0; seq < 2; seq++ {
		ws.WriteJSON(frame{"type": "audio-chunk", "sessionId": "s1", "chunkSeq": seq, "audio": audio})
	}
	for seq := 0; seq < 2; seq++ {
		delta := readUntil(t, ws, "transcript-delta")
		if delta["seq"] != float64(seq) {
			t.Errorf("delta seq = %v, want %d", delta["seq"], seq)
		}
	}

	resp, err := http.Get(ts.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET /sessions error: %v", err)
	}
	var views []SessionView
	json.NewDecoder(resp.Body).Decode(&views)
	resp.Body.Close()
	if len(views) != 1 || views[0].ID != "s1" || views[0].Identity != "alice" || views[0].TimeBudgetMs != 30000 {
		t.Errorf("unexpected sessions %+v", views)
	}

	ws.WriteJSON(frame{"type": "end-session", "sessionId": "s1"})
	summary := readUntil(t, ws, "session-summary")
	if summary["reason"] != "completed" || summary["cause"] != "client_end" {
		t.Errorf("unexpected summary %v", summary)
	}

	ws.WriteJSON(frame{"type": "audio-chunk", "sessionId": "s1", "chunkSeq": 2, "audio": audio})
	errEvent := readUntil(t, ws, "error")
	if errEvent["code"] != proto.CodeSessionTerminal {
		t.Errorf("unexpected error event %v", errEvent)
	}
}

func TestSocketBadFrame(t *testing.T) {
	ts, _ := newTestServer(t)
	ws := dial(t, ts, "alice")

	ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`))
	errEvent := readUntil(t, ws, "error")
	if errEvent["code"] != proto.CodeBadFrame {
		t.Errorf("unexpected error event %v", errEvent)
	}
}

func TestDisconnectExpiresSession(t *testing.T) {
	ts, eng := newTestServer(t)
	ws := dial(t, ts, "alice")

	ws.WriteJSON(frame{"type": "start-session", "sessionId": "s1"})
	readUntil(t, ws, "session-started")
	ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(eng.Sessions()) != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(eng.Sessions()); n != 0 {
		t.Errorf("expected no active sessions after disconnect, got %d", n)
	}
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	defer resp.Body.Close()

	var h health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.StatusCode != http.StatusOK || h.Status != "ok" {
		t.Errorf("unexpected health %d %+v", resp.StatusCode, h)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}
