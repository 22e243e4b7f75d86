package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const DefaultReorderWindow = 8

type entry struct {
	mu sync.Mutex

	id         string
	identity   string
	state      State
	cfg        Config
	startedAt  time.Time
	lastActive time.Time
	endedAt    time.Time
	detachedAt time.Time

	nextChunk int64
	pending   map[int64]Chunk

	segments   []Segment
	highlights []HighlightSpan

	accepted int
	dropped  int
	invalid  int

	summary    *Summary
	delivering bool
	delivered  bool
}

// Store is the in-memory registry of live sessions. Operations on one
// session are serialized by that session's lock; the map lock is only
// held to find or insert entries.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	clock    Clock
}

func NewStore(clock Clock) *Store {
	if clock == nil {
		clock = RealClock{}
	}
	return &Store{
		sessions: make(map[string]*entry),
		clock:    clock,
	}
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Create registers a new ACTIVE session. Creating an id that is already
// ACTIVE for the same identity is a no-op and reports created=false.
func (s *Store) Create(id, identity string, cfg Config) (Snapshot, bool, error) {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = DefaultReorderWindow
	}

	s.mu.Lock()
	if e, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.identity != identity {
			return Snapshot{}, false, fmt.Errorf("%w: %s", ErrIdentityMismatch, id)
		}
		if e.state.Terminal() {
			return e.snapshot(), false, fmt.Errorf("%w: %s", ErrTerminal, id)
		}
		return e.snapshot(), false, nil
	}

	now := s.clock.Now()
	e := &entry{
		id:         id,
		identity:   identity,
		state:      StateActive,
		cfg:        cfg,
		startedAt:  now,
		lastActive: now,
		pending:    make(map[int64]Chunk),
	}
	s.sessions[id] = e
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), true, nil
}

func (s *Store) Get(id string) (Snapshot, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

// AcceptChunk applies the ordering policy and returns the chunks that are
// now ready, in sequence order. A chunk behind the expected sequence is a
// duplicate; one within the reorder window is held until its predecessors
// arrive; anything further ahead is dropped.
func (s *Store) AcceptChunk(id string, seq int64, audio []byte, malformed bool) ([]Chunk, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, id)
	}
	if seq < e.nextChunk {
		return nil, fmt.Errorf("%w: %s chunk %d", ErrDuplicateChunk, id, seq)
	}
	if _, held := e.pending[seq]; held {
		return nil, fmt.Errorf("%w: %s chunk %d", ErrDuplicateChunk, id, seq)
	}
	if seq >= e.nextChunk+int64(e.cfg.ReorderWindow) {
		e.dropped++
		return nil, fmt.Errorf(
			"%w: %s chunk %d, expected %d",
			ErrOutOfOrder,
			id,
			seq,
			e.nextChunk,
		)
	}

	e.lastActive = s.clock.Now()
	e.accepted++
	if malformed {
		e.invalid++
	}

	data := append([]byte(nil), audio...)
	e.pending[seq] = Chunk{Seq: seq, Audio: data, Malformed: malformed}

	var ready []Chunk
	for {
		c, ok := e.pending[e.nextChunk]
		if !ok {
			break
		}
		delete(e.pending, e.nextChunk)
		ready = append(ready, c)
		e.nextChunk++
	}
	return ready, nil
}

// AppendTranscript assigns the next transcript sequence number to seg and
// returns the stored segment together with up to window preceding
// segments, oldest first.
func (s *Store) AppendTranscript(id string, seg Segment, window int) (Segment, []Segment, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Segment{}, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Terminal() {
		return Segment{}, nil, fmt.Errorf("%w: %s", ErrTerminal, id)
	}

	now := s.clock.Now()
	seg.Seq = int64(len(e.segments))
	seg.At = now
	e.lastActive = now

	start := len(e.segments) - window
	if start < 0 {
		start = 0
	}
	trailing := append([]Segment(nil), e.segments[start:]...)

	e.segments = append(e.segments, seg)
	return seg, trailing, nil
}

func (s *Store) AddHighlights(id string, segSeq int64, spans []HighlightSpan) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, id)
	}
	if segSeq < 0 || segSeq >= int64(len(e.segments)) {
		return fmt.Errorf("session %s has no segment %d", id, segSeq)
	}
	for _, span := range spans {
		span.SegmentSeq = segSeq
		e.highlights = append(e.highlights, span)
	}
	return nil
}

// Transition moves an ACTIVE session into a terminal state and computes its
// summary. Only the first caller succeeds; everyone else gets
// ErrInvalidTransition.
func (s *Store) Transition(id string, target State, cause Cause) (Summary, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Summary{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Terminal() || !target.Terminal() {
		return Summary{}, fmt.Errorf(
			"%w: %s %s -> %s",
			ErrInvalidTransition,
			id,
			e.state,
			target,
		)
	}

	now := s.clock.Now()
	e.state = target
	e.endedAt = now
	e.pending = nil

	words := 0
	for _, seg := range e.segments {
		if seg.Final {
			words += len(strings.Fields(seg.Text))
		}
	}

	summary := Summary{
		SessionID:      e.id,
		Identity:       e.identity,
		State:          target,
		Cause:          cause,
		StartedAt:      e.startedAt,
		EndedAt:        now,
		Duration:       now.Sub(e.startedAt),
		Segments:       len(e.segments),
		Words:          words,
		Highlights:     len(e.highlights),
		ChunksAccepted: e.accepted,
		ChunksDropped:  e.dropped,
		ChunksInvalid:  e.invalid,
	}
	e.summary = &summary
	return summary, nil
}

func (s *Store) MarkDelivered(id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, e.state)
	}
	e.delivering = false
	e.delivered = true
	return nil
}

// ClaimDelivery reserves the right to send a terminal session's summary.
// Only one caller holds the claim at a time and none once the summary has
// been delivered. A failed send must call ReleaseDelivery.
func (s *Store) ClaimDelivery(id string) (Summary, bool) {
	e, err := s.lookup(id)
	if err != nil {
		return Summary{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.summary == nil || e.delivering || e.delivered {
		return Summary{}, false
	}
	e.delivering = true
	return *e.summary, true
}

func (s *Store) ReleaseDelivery(id string) {
	e, err := s.lookup(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.delivering = false
	e.mu.Unlock()
}

// Detach records that the session lost its channel.
func (s *Store) Detach(id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, id)
	}
	if e.detachedAt.IsZero() {
		e.detachedAt = s.clock.Now()
	}
	return nil
}

func (s *Store) Attach(id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, id)
	}
	e.detachedAt = time.Time{}
	return nil
}

func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.sessions, id)
	return nil
}

func (s *Store) ListActive() []Snapshot {
	var out []Snapshot
	for _, snap := range s.List() {
		if snap.State == StateActive {
			out = append(out, snap)
		}
	}
	return out
}

// List returns snapshots of every stored session ordered by start time.
func (s *Store) List() []Snapshot {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.snapshot())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (s *Store) Transcript(id string) ([]Segment, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Segment(nil), e.segments...), nil
}

func (s *Store) Highlights(id string) ([]HighlightSpan, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]HighlightSpan(nil), e.highlights...), nil
}

// snapshot must be called with e.mu held.
func (e *entry) snapshot() Snapshot {
	snap := Snapshot{
		ID:             e.id,
		Identity:       e.identity,
		State:          e.state,
		Config:         e.cfg,
		StartedAt:      e.startedAt,
		LastActivityAt: e.lastActive,
		EndedAt:        e.endedAt,
		DetachedAt:     e.detachedAt,
		NextChunkSeq:   e.nextChunk,
		Pending:        len(e.pending),
		Segments:       len(e.segments),
		Highlights:     len(e.highlights),
		Delivering:     e.delivering,
		Delivered:      e.delivered,
	}
	if e.summary != nil {
		summary := *e.summary
		snap.Summary = &summary
	}
	return snap
}
