package main

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"node.town/livespeak/config"
	"node.town/livespeak/proto"
	"node.town/livespeak/stt"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a mock session in-process and print the annotated transcript",
	Run:   runDemo,
}

func init() {
	demoCmd.Flags().Int("chunks", 8, "Number of audio chunks to send")
	demoCmd.Flags().Int("chunk-size", 40, "Bytes per chunk; below 32 the mock returns interim text")
	demoCmd.Flags().Int64Slice("fail-on", nil, "Chunk sequence numbers the mock provider fails on")
}

var (
	seqStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Width(5)
	flagStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#ff8800")).
			Underline(true)
	interimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666")).
			Italic(true)
	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#5f87af")).
			MarginLeft(5)
	diagStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d70000"))
	summaryStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#ff8800")).
			Padding(0, 1).
			MarginTop(1)
)

type demoSink struct {
	events chan proto.Event
}

func (s *demoSink) Send(ev proto.Event) error {
	s.events <- ev
	return nil
}

func runDemo(cmd *cobra.Command, args []string) {
	chunks, _ := cmd.Flags().GetInt("chunks")
	size, _ := cmd.Flags().GetInt("chunk-size")
	failOn, _ := cmd.Flags().GetInt64Slice("fail-on")

	v := viper.GetViper()
	v.Set("session.provider", "mock")
	cfg, err := config.Load(v)
	if err != nil {
		logger.Fatal("load config", "error", err)
	}
	logs := createLoggers(cfg.LogLevel)
	a := newApp(cfg, logs, stt.MockOptions{FailOn: failOn})

	ctx := context.Background()
	sink := &demoSink{events: make(chan proto.Event, 4*chunks+8)}
	id, _, err := a.engine.Start(ctx, "demo", "", proto.StartConfig{}, sink)
	if err != nil {
		logs.main.Fatal("start session", "error", err)
	}

	for seq := 0; seq < chunks; seq++ {
		audio := bytes.Repeat([]byte{0x7f}, size)
		if err := a.engine.Audio(ctx, id, int64(seq), audio); err != nil {
			logs.main.Warn("chunk rejected", "chunk", seq, "error", err)
		}
	}

	deltas := make(map[int64]proto.TranscriptDelta)
	handled := 0
	timeout := time.After(5 * time.Second)
	for handled < chunks {
		select {
		case ev := <-sink.events:
			switch ev := ev.(type) {
			case proto.TranscriptDelta:
				deltas[ev.Seq] = ev
			case proto.GrammarHighlight:
				fmt.Println(renderLine(deltas[ev.Seq], ev.Spans))
				handled++
			case proto.ProviderDiagnostic:
				fmt.Println(seqStyle.Render("!") + diagStyle.Render(ev.Error))
				handled++
			}
		case <-timeout:
			logs.main.Warn("gave up waiting for results", "handled", handled, "chunks", chunks)
			handled = chunks
		}
	}

	if err := a.engine.End(ctx, id); err != nil {
		logs.main.Fatal("end session", "error", err)
	}
	for ev := range sink.events {
		if summary, ok := ev.(proto.SessionSummary); ok {
			fmt.Println(renderSummary(summary))
			break
		}
	}
	a.engine.Shutdown(ctx)
}

func renderLine(delta proto.TranscriptDelta, spans []proto.Span) string {
	var b strings.Builder
	b.WriteString(seqStyle.Render(fmt.Sprintf("%d", delta.Seq)))
	for _, p := range splitSpans(delta.Text, spans) {
		switch {
		case p.Flagged:
			b.WriteString(flagStyle.Render(p.Text))
		case !delta.Final:
			b.WriteString(interimStyle.Render(p.Text))
		default:
			b.WriteString(p.Text)
		}
	}
	for _, span := range spans {
		if span.Suggestion == "" {
			continue
		}
		b.WriteString("\n")
		b.WriteString(hintStyle.Render(fmt.Sprintf("%s: %s", span.Category, span.Suggestion)))
	}
	return b.String()
}

func renderSummary(s proto.SessionSummary) string {
	return summaryStyle.Render(fmt.Sprintf(
		"%s (%s) after %s\n%d segments, %d words, %d highlights\n%d chunks accepted, %d dropped, %d invalid",
		s.Reason,
		s.Cause,
		time.Duration(s.DurationMs)*time.Millisecond,
		s.Stats.Segments,
		s.Stats.Words,
		s.Stats.Highlights,
		s.Stats.ChunksAccepted,
		s.Stats.ChunksDropped,
		s.Stats.ChunksInvalid,
	))
}

type piece struct {
	Text    string
	Flagged bool
}

// splitSpans cuts text at span boundaries. Overlapping spans are merged
// into the first one and out-of-range offsets are clamped.
func splitSpans(text string, spans []proto.Span) []piece {
	sorted := append([]proto.Span(nil), spans...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var out []piece
	cursor := 0
	for _, span := range sorted {
		start, end := clamp(span.Start, len(text)), clamp(span.End, len(text))
		if start < cursor {
			start = cursor
		}
		if end <= start {
			continue
		}
		if start > cursor {
			out = append(out, piece{Text: text[cursor:start]})
		}
		out = append(out, piece{Text: text[start:end], Flagged: true})
		cursor = end
	}
	if cursor < len(text) {
		out = append(out, piece{Text: text[cursor:]})
	}
	return out
}

func clamp(n, limit int) int {
	if n < 0 {
		return 0
	}
	if n > limit {
		return limit
	}
	return n
}
