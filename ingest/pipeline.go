package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"node.town/livespeak/grammar"
	"node.town/livespeak/proto"
	"node.town/livespeak/session"
	"node.town/livespeak/stt"
)

const (
	DefaultContextWindow = 3
	defaultQueueSize     = 32
)

var ErrMalformedChunk = errors.New("malformed audio chunk")

// Emitter routes outbound events to whichever channel owns a session.
type Emitter interface {
	Emit(sessionID string, ev proto.Event) error
}

type Options struct {
	ContextWindow int
	QueueSize     int
}

// Pipeline feeds accepted chunks through a per-session lane. Each lane has
// one worker, so provider calls and emitted deltas for a session follow
// chunk order while different sessions never wait on each other.
type Pipeline struct {
	store     *session.Store
	annotator grammar.Annotator
	emitter   Emitter
	logger    *log.Logger
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	lanes map[string]*lane
}

// lane serializes one session. mu orders enqueues; done is closed
// without taking mu so Close never waits behind a full queue.
type lane struct {
	id       string
	encoding string
	provider stt.Provider

	mu    sync.Mutex
	queue chan session.Chunk

	done      chan struct{}
	closeOnce sync.Once
}

func (l *lane) close() {
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *lane) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func New(
	store *session.Store,
	annotator grammar.Annotator,
	emitter Emitter,
	logger *log.Logger,
	opts Options,
) *Pipeline {
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = DefaultContextWindow
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		store:     store,
		annotator: annotator,
		emitter:   emitter,
		logger:    logger,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		lanes:     make(map[string]*lane),
	}
}

// Open starts the lane for a freshly created session. The pipeline owns
// provider from here on and closes it when the lane drains.
func (p *Pipeline) Open(sessionID, encoding string, provider stt.Provider) {
	l := &lane{
		id:       sessionID,
		encoding: encoding,
		provider: provider,
		queue:    make(chan session.Chunk, p.opts.QueueSize),
		done:     make(chan struct{}),
	}

	p.mu.Lock()
	p.lanes[sessionID] = l
	p.mu.Unlock()

	p.wg.Add(1)
	go p.work(l)
}

// Close stops the lane for a session. Chunks still queued are abandoned
// since the session is already terminal. Close does not block on a lane
// that is busy or full.
func (p *Pipeline) Close(sessionID string) {
	p.mu.Lock()
	l, ok := p.lanes[sessionID]
	delete(p.lanes, sessionID)
	p.mu.Unlock()
	if ok {
		l.close()
	}
}

// Shutdown closes every lane, cancels in-flight provider calls and waits
// for the workers to exit.
func (p *Pipeline) Shutdown() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.lanes))
	for id := range p.lanes {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	p.cancel()
	for _, id := range ids {
		p.Close(id)
	}
	p.wg.Wait()
}

func (p *Pipeline) Ingest(sessionID string, chunkSeq int64, audio []byte) error {
	p.mu.Lock()
	l, ok := p.lanes[sessionID]
	p.mu.Unlock()
	if !ok {
		if _, err := p.store.Get(sessionID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", session.ErrTerminal, sessionID)
	}

	payload, decodeErr := decodeAudio(l.encoding, audio)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed() {
		return fmt.Errorf("%w: %s", session.ErrTerminal, sessionID)
	}

	ready, err := p.store.AcceptChunk(sessionID, chunkSeq, payload, decodeErr != nil)
	if err != nil {
		if errors.Is(err, session.ErrOutOfOrder) {
			p.diagnose(sessionID, chunkSeq, proto.CodeOutOfOrder, err)
		}
		return err
	}
	for _, c := range ready {
		select {
		case l.queue <- c:
		case <-l.done:
			return fmt.Errorf("%w: %s", session.ErrTerminal, sessionID)
		}
	}

	if decodeErr != nil {
		err := fmt.Errorf("%w: chunk %d: %v", ErrMalformedChunk, chunkSeq, decodeErr)
		p.diagnose(sessionID, chunkSeq, proto.CodeMalformedChunk, err)
		return err
	}
	return nil
}

func (p *Pipeline) work(l *lane) {
	defer p.wg.Done()
	defer func() {
		if err := l.provider.Close(); err != nil {
			p.logger.Warn("failed to close provider", "session", l.id, "error", err)
		}
	}()

	for {
		select {
		case <-l.done:
			return
		case c := <-l.queue:
			if l.closed() {
				return
			}
			if c.Malformed {
				continue
			}
			p.process(l, c)
		}
	}
}

func (p *Pipeline) process(l *lane, c session.Chunk) {
	delta, err := l.provider.Transcribe(p.ctx, l.id, c.Seq, c.Audio)
	if err != nil {
		if p.terminal(l.id) {
			return
		}
		p.logger.Warn("transcription failed", "session", l.id, "chunk", c.Seq, "error", err)
		p.diagnose(l.id, c.Seq, proto.CodeProviderError, err)
		return
	}
	if delta.Empty() {
		return
	}

	seg, trailing, err := p.store.AppendTranscript(l.id, session.Segment{
		ChunkSeq:   c.Seq,
		Text:       delta.Text,
		Final:      delta.Final,
		Confidence: delta.Confidence,
	}, p.opts.ContextWindow)
	if err != nil {
		p.logger.Debug("discarding late delta", "session", l.id, "chunk", c.Seq, "error", err)
		return
	}
	p.emit(l.id, proto.NewTranscriptDelta(l.id, seg))

	spans := p.annotator.Annotate(l.id, seg, trailing)
	if err := p.store.AddHighlights(l.id, seg.Seq, spans); err != nil {
		p.logger.Debug("discarding late highlights", "session", l.id, "seq", seg.Seq, "error", err)
		return
	}
	p.emit(l.id, proto.NewGrammarHighlight(l.id, seg.Seq, spans))
}

func (p *Pipeline) terminal(sessionID string) bool {
	snap, err := p.store.Get(sessionID)
	return err != nil || snap.State.Terminal()
}

func (p *Pipeline) diagnose(sessionID string, chunkSeq int64, code string, err error) {
	p.emit(sessionID, proto.NewDiagnostic(sessionID, chunkSeq, code, err))
}

func (p *Pipeline) emit(sessionID string, ev proto.Event) {
	if err := p.emitter.Emit(sessionID, ev); err != nil {
		p.logger.Debug("event not delivered", "session", sessionID, "type", ev.EventType(), "error", err)
	}
}
