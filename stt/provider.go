package stt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Delta is one incremental transcript update. An empty Text means the
// chunk produced nothing worth emitting.
type Delta struct {
	Text       string
	Final      bool
	Confidence float64
}

func (d Delta) Empty() bool {
	return strings.TrimSpace(d.Text) == ""
}

// Provider turns one audio chunk into a transcript delta. Implementations
// are bound to a single session and called from one goroutine at a time.
type Provider interface {
	Transcribe(
		ctx context.Context,
		sessionID string,
		chunkSeq int64,
		audio []byte,
	) (Delta, error)
	Close() error
}

type ProviderError struct {
	Provider string
	ChunkSeq int64
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: chunk %d: %v", e.Provider, e.ChunkSeq, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

var ErrUnknownProvider = errors.New("unknown transcription provider")

// Constructor opens a provider for one session.
type Constructor func(ctx context.Context, sessionID string) (Provider, error)

// Catalog maps provider modes to constructors so the mode can be picked
// when a session is created.
type Catalog struct {
	mu    sync.RWMutex
	modes map[string]Constructor
}

func NewCatalog() *Catalog {
	return &Catalog{modes: make(map[string]Constructor)}
}

func (c *Catalog) Register(mode string, ctor Constructor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modes[strings.ToLower(mode)] = ctor
}

func (c *Catalog) Open(
	ctx context.Context,
	mode string,
	sessionID string,
) (Provider, error) {
	c.mu.RLock()
	ctor, ok := c.modes[strings.ToLower(mode)]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, mode)
	}
	return ctor(ctx, sessionID)
}

func (c *Catalog) Modes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	modes := make([]string, 0, len(c.modes))
	for mode := range c.modes {
		modes = append(modes, mode)
	}
	sort.Strings(modes)
	return modes
}
