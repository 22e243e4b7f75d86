package proto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"node.town/livespeak/session"
)

type Type string

const (
	TypeStartSession Type = "start-session"
	TypeAudioChunk   Type = "audio-chunk"
	TypeEndSession   Type = "end-session"

	TypeSessionStarted     Type = "session-started"
	TypeTranscriptDelta    Type = "transcript-delta"
	TypeGrammarHighlight   Type = "grammar-highlight"
	TypeSessionSummary     Type = "session-summary"
	TypeProviderDiagnostic Type = "provider-diagnostic"
	TypeError              Type = "error"
)

// Error codes carried by error and provider-diagnostic events.
const (
	CodeSessionNotFound   = "session_not_found"
	CodeSessionTerminal   = "session_terminal"
	CodeInvalidTransition = "invalid_transition"
	CodeIdentityMismatch  = "identity_mismatch"
	CodeBadFrame          = "bad_frame"
	CodeInternal          = "internal"
	CodeMalformedChunk    = "malformed_chunk"
	CodeProviderError     = "provider_error"
	CodeOutOfOrder        = "out_of_order"
)

var ErrBadFrame = errors.New("bad frame")

// StartConfig is the client-supplied part of a session configuration.
// Zero values fall back to server defaults.
type StartConfig struct {
	TimeBudgetMs  int64  `json:"timeBudgetMs,omitempty"`
	IdleTimeoutMs int64  `json:"idleTimeoutMs,omitempty"`
	Provider      string `json:"provider,omitempty"`
	Encoding      string `json:"encoding,omitempty"`
}

// Frame is one decoded client->engine message.
type Frame struct {
	Type      Type         `json:"type"`
	SessionID string       `json:"sessionId"`
	Config    *StartConfig `json:"config,omitempty"`
	ChunkSeq  *int64       `json:"chunkSeq,omitempty"`
	Audio     string       `json:"audio,omitempty"`

	// AudioBytes holds the decoded audio; nil when Audio was not valid
	// base64, which the pipeline treats as a malformed chunk.
	AudioBytes []byte `json:"-"`
}

// Decode parses a client frame. Structural problems are ErrBadFrame; an
// undecodable audio payload is not, so the chunk still reaches the
// pipeline and keeps its place in the sequence.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}

	switch f.Type {
	case TypeStartSession:
	case TypeAudioChunk:
		if f.SessionID == "" {
			return f, fmt.Errorf("%w: audio-chunk without sessionId", ErrBadFrame)
		}
		if f.ChunkSeq == nil || *f.ChunkSeq < 0 {
			return f, fmt.Errorf("%w: audio-chunk without valid chunkSeq", ErrBadFrame)
		}
		if audio, err := base64.StdEncoding.DecodeString(f.Audio); err == nil {
			f.AudioBytes = audio
		}
	case TypeEndSession:
		if f.SessionID == "" {
			return f, fmt.Errorf("%w: end-session without sessionId", ErrBadFrame)
		}
	default:
		return f, fmt.Errorf("%w: unknown type %q", ErrBadFrame, f.Type)
	}
	return f, nil
}

// Event is anything the engine sends to a client.
type Event interface {
	EventType() Type
}

type SessionStarted struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
	Resumed   bool   `json:"resumed"`
}

type TranscriptDelta struct {
	Type       Type    `json:"type"`
	SessionID  string  `json:"sessionId"`
	Seq        int64   `json:"seq"`
	ChunkSeq   int64   `json:"chunkSeq"`
	Text       string  `json:"text"`
	Final      bool    `json:"final"`
	Confidence float64 `json:"confidence"`
}

type Span struct {
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Category   string  `json:"category"`
	Suggestion string  `json:"suggestion"`
	Confidence float64 `json:"confidence"`
}

type GrammarHighlight struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
	Seq       int64  `json:"seq"`
	Spans     []Span `json:"spans"`
}

type Stats struct {
	Segments       int `json:"segments"`
	Words          int `json:"words"`
	Highlights     int `json:"highlights"`
	ChunksAccepted int `json:"chunksAccepted"`
	ChunksDropped  int `json:"chunksDropped"`
	ChunksInvalid  int `json:"chunksInvalid"`
}

type SessionSummary struct {
	Type       Type   `json:"type"`
	SessionID  string `json:"sessionId"`
	Reason     string `json:"reason"`
	Cause      string `json:"cause"`
	DurationMs int64  `json:"durationMs"`
	Stats      Stats  `json:"stats"`
}

type ProviderDiagnostic struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
	ChunkSeq  int64  `json:"chunkSeq"`
	Code      string `json:"code"`
	Error     string `json:"error"`
}

type ErrorEvent struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (SessionStarted) EventType() Type     { return TypeSessionStarted }
func (TranscriptDelta) EventType() Type    { return TypeTranscriptDelta }
func (GrammarHighlight) EventType() Type   { return TypeGrammarHighlight }
func (SessionSummary) EventType() Type     { return TypeSessionSummary }
func (ProviderDiagnostic) EventType() Type { return TypeProviderDiagnostic }
func (ErrorEvent) EventType() Type         { return TypeError }

func NewTranscriptDelta(sessionID string, seg session.Segment) TranscriptDelta {
	return TranscriptDelta{
		Type:       TypeTranscriptDelta,
		SessionID:  sessionID,
		Seq:        seg.Seq,
		ChunkSeq:   seg.ChunkSeq,
		Text:       seg.Text,
		Final:      seg.Final,
		Confidence: seg.Confidence,
	}
}

func NewGrammarHighlight(sessionID string, seq int64, spans []session.HighlightSpan) GrammarHighlight {
	out := make([]Span, 0, len(spans))
	for _, s := range spans {
		out = append(out, Span{
			Start:      s.Start,
			End:        s.End,
			Category:   s.Category,
			Suggestion: s.Suggestion,
			Confidence: s.Confidence,
		})
	}
	return GrammarHighlight{
		Type:      TypeGrammarHighlight,
		SessionID: sessionID,
		Seq:       seq,
		Spans:     out,
	}
}

func NewSessionSummary(s session.Summary) SessionSummary {
	return SessionSummary{
		Type:       TypeSessionSummary,
		SessionID:  s.SessionID,
		Reason:     s.State.Reason(),
		Cause:      string(s.Cause),
		DurationMs: s.Duration.Milliseconds(),
		Stats: Stats{
			Segments:       s.Segments,
			Words:          s.Words,
			Highlights:     s.Highlights,
			ChunksAccepted: s.ChunksAccepted,
			ChunksDropped:  s.ChunksDropped,
			ChunksInvalid:  s.ChunksInvalid,
		},
	}
}

func NewDiagnostic(sessionID string, chunkSeq int64, code string, err error) ProviderDiagnostic {
	return ProviderDiagnostic{
		Type:      TypeProviderDiagnostic,
		SessionID: sessionID,
		ChunkSeq:  chunkSeq,
		Code:      code,
		Error:     err.Error(),
	}
}

func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
