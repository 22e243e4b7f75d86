package stt

import (
	"context"
	"errors"
)

// mockPhrases are the utterances the mock cycles through. Some carry
// deliberate grammar slips so annotation has something to find.
var mockPhrases = []string{
	"I think the city is very beautiful",
	"my brother go to school every day",
	"she have a lot of friends in the the village",
	"i want to travel to an country far away",
	"we don't need no more homework",
	"Yesterday we visited a old museum",
	"the weather is nice today",
	"he like playing football with his friends",
}

const mockInterimBelow = 32

var ErrMockFailure = errors.New("mock transcription failure")

type MockOptions struct {
	// FailOn lists chunk sequence numbers that return a ProviderError.
	FailOn []int64
}

// Mock derives a delta from chunk sequence and size with no external call.
type Mock struct {
	failOn map[int64]bool
}

func NewMock(opts MockOptions) *Mock {
	m := &Mock{failOn: make(map[int64]bool)}
	for _, seq := range opts.FailOn {
		m.failOn[seq] = true
	}
	return m
}

// MockConstructor registers the mock in a Catalog.
func MockConstructor(opts MockOptions) Constructor {
	return func(ctx context.Context, sessionID string) (Provider, error) {
		return NewMock(opts), nil
	}
}

func (m *Mock) Transcribe(
	ctx context.Context,
	sessionID string,
	chunkSeq int64,
	audio []byte,
) (Delta, error) {
	if err := ctx.Err(); err != nil {
		return Delta{}, err
	}
	if m.failOn[chunkSeq] {
		return Delta{}, &ProviderError{
			Provider: "mock",
			ChunkSeq: chunkSeq,
			Err:      ErrMockFailure,
		}
	}
	if len(audio) == 0 {
		return Delta{}, nil
	}

	idx := int(chunkSeq % int64(len(mockPhrases)))
	if idx < 0 {
		idx = -idx
	}
	return Delta{
		Text:       mockPhrases[idx],
		Final:      len(audio) >= mockInterimBelow,
		Confidence: 0.6 + float64(len(audio)%40)/100,
	}, nil
}

func (m *Mock) Close() error {
	return nil
}
