// Package mock provides test doubles for the session collaborator
// interfaces. Each mock records its calls and plays back configured
// responses, so orchestration tests run without any network dependency.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/asr"
	"github.com/MrWong99/parley/pkg/chat"
)

// Ensure the mocks implement the session interfaces at compile time.
var (
	_ session.Transcriber   = (*Transcriber)(nil)
	_ session.ReplyStreamer = (*Streamer)(nil)
	_ session.Synthesizer   = (*Synthesizer)(nil)
)

// ─── Transcriber ───

// Transcriber is a mock session.Transcriber. It captures the final handler
// registered by Start so tests can inject transcripts via [Transcriber.EmitFinal].
type Transcriber struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// SendPCMErr, if non-nil, is returned by SendPCM.
	SendPCMErr error

	onFinal asr.FinalHandler

	// Frames records every SendPCM payload in order.
	Frames [][]byte

	// StartCalls and StopCalls count invocations.
	StartCalls int
	StopCalls  int
}

func (t *Transcriber) Start(_ context.Context, onFinal asr.FinalHandler, _ asr.PartialHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.StartCalls++
	if t.StartErr != nil {
		return t.StartErr
	}
	t.onFinal = onFinal
	return nil
}

func (t *Transcriber) SendPCM(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SendPCMErr != nil {
		return t.SendPCMErr
	}
	t.Frames = append(t.Frames, frame)
	return nil
}

func (t *Transcriber) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.StopCalls++
	return nil
}

// EmitFinal invokes the registered final handler synchronously, the way the
// real client's dispatcher does: one at a time, with a bounded context.
func (t *Transcriber) EmitFinal(text string) {
	t.mu.Lock()
	h := t.onFinal
	t.mu.Unlock()
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h(ctx, text)
}

// SentFrames returns a copy of the recorded PCM frames.
func (t *Transcriber) SentFrames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	frames := make([][]byte, len(t.Frames))
	copy(frames, t.Frames)
	return frames
}

// ─── ReplyStreamer ───

// StreamCall records one StreamReply invocation.
type StreamCall struct {
	UserText string
	History  []chat.Message
}

// Streamer is a mock session.ReplyStreamer. It emits Chunks per call, then
// either closes the stream or, when Block is set, holds it open until the
// context is cancelled — which is how tests keep a turn in flight for
// barge-in scenarios.
type Streamer struct {
	mu sync.Mutex

	// Chunks is the token sequence emitted on every call.
	Chunks []chat.Chunk

	// Delay, if positive, is inserted before each chunk.
	Delay time.Duration

	// BlockCalls keeps the first n streams open after their last chunk until
	// cancellation, so a test can hold a turn in flight.
	BlockCalls int

	// Err, if non-nil, is returned by StreamReply.
	Err error

	// Calls records every invocation in order.
	Calls []StreamCall
}

func (s *Streamer) StreamReply(ctx context.Context, userText string, history []chat.Message) (<-chan chat.Chunk, error) {
	s.mu.Lock()
	hist := make([]chat.Message, len(history))
	copy(hist, history)
	s.Calls = append(s.Calls, StreamCall{UserText: userText, History: hist})
	chunks := make([]chat.Chunk, len(s.Chunks))
	copy(chunks, s.Chunks)
	delay := s.Delay
	block := len(s.Calls) <= s.BlockCalls
	err := s.Err
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan chat.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		if block {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// CallList returns a copy of the recorded calls.
func (s *Streamer) CallList() []StreamCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := make([]StreamCall, len(s.Calls))
	copy(calls, s.Calls)
	return calls
}

// ─── Synthesizer ───

// Synthesizer is a mock session.Synthesizer that plays back Frames for every
// segment. Set FailFor to make specific segments return an error.
type Synthesizer struct {
	mu sync.Mutex

	// Frames is emitted for every synthesized segment.
	Frames [][]byte

	// FailFor lists segment texts for which Synthesize returns an error.
	FailFor map[string]error

	// Segments records every synthesized segment text in order.
	Segments []string

	// CloseCalls counts Close invocations.
	CloseCalls int
}

func (m *Synthesizer) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	m.mu.Lock()
	m.Segments = append(m.Segments, text)
	if err, ok := m.FailFor[text]; ok {
		m.mu.Unlock()
		return nil, err
	}
	frames := make([][]byte, len(m.Frames))
	copy(frames, m.Frames)
	m.mu.Unlock()

	ch := make(chan []byte, len(frames))
	go func() {
		defer close(ch)
		for _, f := range frames {
			select {
			case ch <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (m *Synthesizer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
}

// SegmentList returns a copy of the synthesized segments.
func (m *Synthesizer) SegmentList() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	segs := make([]string, len(m.Segments))
	copy(segs, m.Segments)
	return segs
}
