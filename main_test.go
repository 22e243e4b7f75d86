package main

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"

	"node.town/livespeak/config"
	"node.town/livespeak/proto"
	"node.town/livespeak/stt"
	"node.town/livespeak/www"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	v := viper.New()
	config.Init(v)
	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	return cfg
}

func TestSplitSpans(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		spans []proto.Span
		want  []piece
	}{
		{
			name: "no spans",
			text: "the weather is nice",
			want: []piece{{Text: "the weather is nice"}},
		},
		{
			name:  "middle span",
			text:  "he go home",
			spans: []proto.Span{{Start: 3, End: 5}},
			want:  []piece{{Text: "he "}, {Text: "go", Flagged: true}, {Text: " home"}},
		},
		{
			name:  "unsorted and overlapping",
			text:  "the the a apple",
			spans: []proto.Span{{Start: 8, End: 9}, {Start: 0, End: 7}, {Start: 4, End: 7}},
			want: []piece{
				{Text: "the the", Flagged: true},
				{Text: " "},
				{Text: "a", Flagged: true},
				{Text: " apple"},
			},
		},
		{
			name:  "clamped",
			text:  "i",
			spans: []proto.Span{{Start: -1, End: 10}},
			want:  []piece{{Text: "i", Flagged: true}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitSpans(tt.text, tt.spans)
			if len(got) != len(tt.want) {
				t.Fatalf("splitSpans() = %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("piece %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestNewAppRegistersProviders(t *testing.T) {
	a := newApp(testConfig(t), quietLoggers(), stt.MockOptions{})
	t.Cleanup(a.pipeline.Shutdown)

	modes := a.catalog.Modes()
	if len(modes) != 3 || modes[0] != "deepgram" || modes[1] != "mock" || modes[2] != "speechmatics" {
		t.Errorf("Modes() = %v", modes)
	}

	for _, mode := range []string{"deepgram", "speechmatics"} {
		if _, err := a.catalog.Open(context.Background(), mode, "s1"); err == nil {
			t.Errorf("%s without an api key should fail to open", mode)
		}
	}
}

func TestSessionsTable(t *testing.T) {
	a := newApp(testConfig(t), quietLoggers(), stt.MockOptions{})
	t.Cleanup(a.pipeline.Shutdown)
	ts := httptest.NewServer(a.server.Router)
	t.Cleanup(ts.Close)

	sink := &demoSink{events: make(chan proto.Event, 8)}
	if _, _, err := a.engine.Start(context.Background(), "alice", "s-table", proto.StartConfig{}, sink); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	views, err := fetchSessions(ts.Client(), ts.URL)
	if err != nil {
		t.Fatalf("fetchSessions() error: %v", err)
	}
	if len(views) != 1 || views[0].ID != "s-table" {
		t.Fatalf("unexpected views %+v", views)
	}

	var out bytes.Buffer
	writeSessionsTable(&out, views, views[0].StartedAt.Add(90*time.Second))
	table := out.String()
	for _, want := range []string{"s-table", "alice", "mock", "1m30s / 15m0s"} {
		if !strings.Contains(table, want) {
			t.Errorf("table missing %q:\n%s", want, table)
		}
	}
}

func TestFetchSessionsError(t *testing.T) {
	ts := httptest.NewServer(www.New(nil, quietLoggers().http, www.Options{}).Router)
	ts.Close()

	if _, err := fetchSessions(ts.Client(), ts.URL); err == nil {
		t.Error("expected an error from a closed server")
	}
}

func TestRenderSummary(t *testing.T) {
	out := renderSummary(proto.SessionSummary{
		Reason:     "completed",
		Cause:      "client_end",
		DurationMs: 4000,
		Stats:      proto.Stats{Segments: 2, Words: 9, Highlights: 1, ChunksAccepted: 3},
	})
	for _, want := range []string{"completed", "client_end", "4s", "9 words"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestOpenLogFile(t *testing.T) {
	logger = log.New(io.Discard)
	path := filepath.Join(t.TempDir(), "livespeak.log")

	closeLog, err := openLogFile(path)
	if err != nil {
		t.Fatalf("openLogFile() error: %v", err)
	}
	logger.Info("hello", "session", "s1")
	closeLog()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if !strings.Contains(string(data), "hello") || !strings.Contains(string(data), "session=s1") {
		t.Errorf("log file missing entry: %q", data)
	}
}
