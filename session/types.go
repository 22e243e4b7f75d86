package session

import (
	"errors"
	"time"
)

type State string

const (
	StateActive    State = "ACTIVE"
	StateCompleted State = "COMPLETED"
	StateExpired   State = "EXPIRED"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateExpired
}

// Reason is the lowercase form used in session summaries.
func (s State) Reason() string {
	switch s {
	case StateCompleted:
		return "completed"
	case StateExpired:
		return "expired"
	default:
		return "active"
	}
}

// Cause records what drove a terminal transition.
type Cause string

const (
	CauseClientEnd   Cause = "client_end"
	CauseTimeBudget  Cause = "time_budget"
	CauseIdleTimeout Cause = "idle_timeout"
	CauseDisconnect  Cause = "disconnect"
	CauseShutdown    Cause = "shutdown"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrTerminal          = errors.New("session is terminal")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrDuplicateChunk    = errors.New("duplicate chunk")
	ErrOutOfOrder        = errors.New("chunk too far ahead of expected sequence")
	ErrIdentityMismatch  = errors.New("session belongs to another identity")
)

type Config struct {
	TimeBudget    time.Duration `mapstructure:"time_budget"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	Provider      string        `mapstructure:"provider"`
	Encoding      string        `mapstructure:"encoding"`
	ReorderWindow int           `mapstructure:"reorder_window"`
}

// Segment is one entry of the transcript buffer.
type Segment struct {
	Seq        int64
	ChunkSeq   int64
	Text       string
	Final      bool
	Confidence float64
	At         time.Time
}

// HighlightSpan flags a byte range [Start, End) of a segment's text.
type HighlightSpan struct {
	SegmentSeq int64
	Start      int
	End        int
	Category   string
	Suggestion string
	Confidence float64
}

// Chunk is an accepted audio chunk released in sequence order.
type Chunk struct {
	Seq       int64
	Audio     []byte
	Malformed bool
}

type Summary struct {
	SessionID      string
	Identity       string
	State          State
	Cause          Cause
	StartedAt      time.Time
	EndedAt        time.Time
	Duration       time.Duration
	Segments       int
	Words          int
	Highlights     int
	ChunksAccepted int
	ChunksDropped  int
	ChunksInvalid  int
}

// Snapshot is a read-only copy of a session's bookkeeping. It never
// aliases store-owned memory.
type Snapshot struct {
	ID             string
	Identity       string
	State          State
	Config         Config
	StartedAt      time.Time
	LastActivityAt time.Time
	EndedAt        time.Time
	DetachedAt     time.Time
	NextChunkSeq   int64
	Pending        int
	Segments       int
	Highlights     int
	Summary        *Summary
	Delivering     bool
	Delivered      bool
}

// Clock lets tests drive time.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}
