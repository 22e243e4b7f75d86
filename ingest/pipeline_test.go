package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pion/rtp"

	"node.town/livespeak/grammar"
	"node.town/livespeak/proto"
	"node.town/livespeak/session"
	"node.town/livespeak/stt"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []proto.Event
}

func (r *recordingEmitter) Emit(sessionID string, ev proto.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEmitter) ofType(typ proto.Type) []proto.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []proto.Event
	for _, ev := range r.events {
		if ev.EventType() == typ {
			out = append(out, ev)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestPipeline(t *testing.T, encoding string, opts stt.MockOptions) (*Pipeline, *session.Store, *recordingEmitter) {
	t.Helper()
	store := session.NewStore(nil)
	emitter := &recordingEmitter{}
	p := New(store, grammar.NewRules(), emitter, log.New(io.Discard), Options{})
	t.Cleanup(p.Shutdown)

	_, _, err := store.Create("s1", "alice", session.Config{
		TimeBudget:  time.Minute,
		IdleTimeout: time.Minute,
		Provider:    "mock",
		Encoding:    encoding,
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	p.Open("s1", encoding, stt.NewMock(opts))
	return p, store, emitter
}

func chunk(n int) []byte {
	return bytes.Repeat([]byte{0x11}, n)
}

func TestInOrderChunksProduceOrderedDeltas(t *testing.T) {
	p, store, emitter := newTestPipeline(t, EncodingRaw, stt.MockOptions{})

	for seq := int64(0); seq < 5; seq++ {
		if err := p.Ingest("s1", seq, chunk(40)); err != nil {
			t.Fatalf("Ingest(%d) error: %v", seq, err)
		}
	}

	waitFor(t, "five deltas", func() bool {
		return len(emitter.ofType(proto.TypeTranscriptDelta)) == 5
	})
	waitFor(t, "five highlight events", func() bool {
		return len(emitter.ofType(proto.TypeGrammarHighlight)) == 5
	})

	for i, ev := range emitter.ofType(proto.TypeTranscriptDelta) {
		delta := ev.(proto.TranscriptDelta)
		if delta.Seq != int64(i) || delta.ChunkSeq != int64(i) {
			t.Errorf("delta %d has seq %d chunk %d", i, delta.Seq, delta.ChunkSeq)
		}
		if !delta.Final {
			t.Errorf("delta %d should be final", i)
		}
	}
	if got := emitter.ofType(proto.TypeProviderDiagnostic); len(got) != 0 {
		t.Errorf("unexpected diagnostics: %v", got)
	}

	snap, _ := store.Get("s1")
	if snap.State != session.StateActive || snap.Segments != 5 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestProviderFailureSkipsChunk(t *testing.T) {
	p, store, emitter := newTestPipeline(t, EncodingRaw, stt.MockOptions{FailOn: []int64{2}})

	for seq := int64(0); seq < 5; seq++ {
		if err := p.Ingest("s1", seq, chunk(40)); err != nil {
			t.Fatalf("Ingest(%d) error: %v", seq, err)
		}
	}

	waitFor(t, "four deltas", func() bool {
		return len(emitter.ofType(proto.TypeTranscriptDelta)) == 4
	})
	waitFor(t, "one diagnostic", func() bool {
		return len(emitter.ofType(proto.TypeProviderDiagnostic)) == 1
	})

	diag := emitter.ofType(proto.TypeProviderDiagnostic)[0].(proto.ProviderDiagnostic)
	if diag.ChunkSeq != 2 || diag.Code != proto.CodeProviderError {
		t.Errorf("unexpected diagnostic %+v", diag)
	}

	var chunks []int64
	for _, ev := range emitter.ofType(proto.TypeTranscriptDelta) {
		chunks = append(chunks, ev.(proto.TranscriptDelta).ChunkSeq)
	}
	want := []int64{0, 1, 3, 4}
	for i := range want {
		if chunks[i] != want[i] {
			t.Fatalf("delta chunks = %v, want %v", chunks, want)
		}
	}

	segments, _ := store.Transcript("s1")
	for i, seg := range segments {
		if seg.Seq != int64(i) {
			t.Errorf("transcript not contiguous: %v", segments)
		}
	}
}

func TestDuplicateChunkIsIgnored(t *testing.T) {
	p, _, emitter := newTestPipeline(t, EncodingRaw, stt.MockOptions{})

	if err := p.Ingest("s1", 0, chunk(40)); err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if err := p.Ingest("s1", 0, chunk(40)); !errors.Is(err, session.ErrDuplicateChunk) {
		t.Fatalf("expected ErrDuplicateChunk, got %v", err)
	}

	waitFor(t, "one delta", func() bool {
		return len(emitter.ofType(proto.TypeTranscriptDelta)) == 1
	})
	time.Sleep(20 * time.Millisecond)
	if got := len(emitter.ofType(proto.TypeTranscriptDelta)); got != 1 {
		t.Errorf("expected exactly one delta, got %d", got)
	}
}

func TestOutOfOrderChunks(t *testing.T) {
	p, store, emitter := newTestPipeline(t, EncodingRaw, stt.MockOptions{})

	if err := p.Ingest("s1", 1, chunk(40)); err != nil {
		t.Fatalf("Ingest(1) error: %v", err)
	}
	if err := p.Ingest("s1", 0, chunk(40)); err != nil {
		t.Fatalf("Ingest(0) error: %v", err)
	}
	if err := p.Ingest("s1", 100, chunk(40)); !errors.Is(err, session.ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}

	waitFor(t, "two deltas", func() bool {
		return len(emitter.ofType(proto.TypeTranscriptDelta)) == 2
	})
	deltas := emitter.ofType(proto.TypeTranscriptDelta)
	if deltas[0].(proto.TranscriptDelta).ChunkSeq != 0 || deltas[1].(proto.TranscriptDelta).ChunkSeq != 1 {
		t.Errorf("held chunk was not released in order: %v", deltas)
	}

	diags := emitter.ofType(proto.TypeProviderDiagnostic)
	if len(diags) != 1 || diags[0].(proto.ProviderDiagnostic).Code != proto.CodeOutOfOrder {
		t.Errorf("expected one out_of_order diagnostic, got %v", diags)
	}
	snap, _ := store.Get("s1")
	if snap.NextChunkSeq != 2 {
		t.Errorf("NextChunkSeq = %d, want 2", snap.NextChunkSeq)
	}
}

func TestMalformedChunkKeepsSequence(t *testing.T) {
	p, store, emitter := newTestPipeline(t, EncodingPCM16, stt.MockOptions{})

	if err := p.Ingest("s1", 0, chunk(41)); !errors.Is(err, ErrMalformedChunk) {
		t.Fatalf("expected ErrMalformedChunk, got %v", err)
	}
	if err := p.Ingest("s1", 1, chunk(40)); err != nil {
		t.Fatalf("Ingest(1) error: %v", err)
	}

	waitFor(t, "one delta", func() bool {
		return len(emitter.ofType(proto.TypeTranscriptDelta)) == 1
	})
	delta := emitter.ofType(proto.TypeTranscriptDelta)[0].(proto.TranscriptDelta)
	if delta.ChunkSeq != 1 || delta.Seq != 0 {
		t.Errorf("unexpected delta %+v", delta)
	}

	diags := emitter.ofType(proto.TypeProviderDiagnostic)
	if len(diags) != 1 || diags[0].(proto.ProviderDiagnostic).Code != proto.CodeMalformedChunk {
		t.Errorf("expected one malformed_chunk diagnostic, got %v", diags)
	}

	snap, _ := store.Get("s1")
	if snap.NextChunkSeq != 2 {
		t.Errorf("NextChunkSeq = %d, want 2", snap.NextChunkSeq)
	}
}

func TestIngestAfterClose(t *testing.T) {
	p, store, _ := newTestPipeline(t, EncodingRaw, stt.MockOptions{})

	if _, err := store.Transition("s1", session.StateCompleted, session.CauseClientEnd); err != nil {
		t.Fatalf("Transition() error: %v", err)
	}
	p.Close("s1")

	if err := p.Ingest("s1", 0, chunk(40)); !errors.Is(err, session.ErrTerminal) {
		t.Errorf("expected ErrTerminal, got %v", err)
	}
	if err := p.Ingest("missing", 0, chunk(40)); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// stuckProvider blocks every call until its context is cancelled.
type stuckProvider struct {
	entered chan struct{}
	once    sync.Once
}

func (s *stuckProvider) Transcribe(ctx context.Context, sessionID string, chunkSeq int64, audio []byte) (stt.Delta, error) {
	s.once.Do(func() { close(s.entered) })
	<-ctx.Done()
	return stt.Delta{}, ctx.Err()
}

func (s *stuckProvider) Close() error { return nil }

func TestCloseDoesNotWaitForFullLane(t *testing.T) {
	store := session.NewStore(nil)
	p := New(store, grammar.NewRules(), &recordingEmitter{}, log.New(io.Discard), Options{QueueSize: 1})
	t.Cleanup(p.Shutdown)
	store.Create("s1", "alice", session.Config{Encoding: EncodingRaw})
	provider := &stuckProvider{entered: make(chan struct{})}
	p.Open("s1", EncodingRaw, provider)

	ingested := make(chan error, 1)
	go func() {
		for seq := int64(0); ; seq++ {
			if err := p.Ingest("s1", seq, chunk(40)); err != nil {
				ingested <- err
				return
			}
		}
	}()
	<-provider.entered

	closed := make(chan struct{})
	go func() {
		store.Transition("s1", session.StateExpired, session.CauseIdleTimeout)
		p.Close("s1")
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatalf("Close() blocked behind a full lane")
	}
	select {
	case err := <-ingested:
		if !errors.Is(err, session.ErrTerminal) {
			t.Errorf("expected ErrTerminal for the blocked ingest, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked Ingest() was not released by Close()")
	}
}

func TestDecodeAudio(t *testing.T) {
	packet := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: 7,
			Timestamp:      960,
			SSRC:           0xdecafbad,
		},
		Payload: []byte{1, 2, 3, 4},
	}
	raw, err := packet.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	headerOnly, err := (&rtp.Packet{Header: packet.Header}).Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	tests := []struct {
		name     string
		encoding string
		data     []byte
		want     []byte
		wantErr  bool
	}{
		{name: "raw", encoding: EncodingRaw, data: []byte{1}, want: []byte{1}},
		{name: "empty", encoding: EncodingRaw, data: nil, wantErr: true},
		{name: "opus", encoding: EncodingOpus, data: []byte{9, 9}, want: []byte{9, 9}},
		{name: "pcm16 even", encoding: EncodingPCM16, data: []byte{1, 2}, want: []byte{1, 2}},
		{name: "pcm16 odd", encoding: EncodingPCM16, data: []byte{1, 2, 3}, wantErr: true},
		{name: "rtp payload", encoding: EncodingRTP, data: raw, want: []byte{1, 2, 3, 4}},
		{name: "rtp empty payload", encoding: EncodingRTP, data: headerOnly, wantErr: true},
		{name: "rtp garbage", encoding: EncodingRTP, data: []byte{0x80}, wantErr: true},
		{name: "case insensitive", encoding: "PCM16", data: []byte{1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeAudio(tt.encoding, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeAudio() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !bytes.Equal(got, tt.want) {
				t.Errorf("decodeAudio() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidEncoding(t *testing.T) {
	for _, enc := range []string{"", "raw", "opus", "pcm16", "RTP"} {
		if !ValidEncoding(enc) {
			t.Errorf("ValidEncoding(%q) = false", enc)
		}
	}
	if ValidEncoding("flac") {
		t.Errorf("ValidEncoding(flac) = true")
	}
}
