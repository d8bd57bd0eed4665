// Package mock provides a test double for the chat.Streamer interface.
//
// Use Streamer in unit tests to verify the requests a chat.Client builds and
// to feed controlled token streams without a live LLM backend. All fields are
// safe to set before calling any method; mutating them during a concurrent
// call is the caller's responsibility.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/chat"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the Request passed to StreamCompletion.
	Req chat.Request
}

// Streamer is a mock implementation of chat.Streamer.
// Zero values cause StreamCompletion to return an immediately closed channel.
// Set StreamErr to inject a start-up error.
type Streamer struct {
	mu sync.Mutex

	// StreamChunks is the sequence of Chunk values emitted on the channel
	// returned by StreamCompletion. All chunks are sent before the channel is
	// closed.
	StreamChunks []chat.Chunk

	// StreamErr, if non-nil, is returned as the error from StreamCompletion
	// instead of starting a channel.
	StreamErr error

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall
}

// StreamCompletion records the call and returns a channel that emits
// StreamChunks. If StreamErr is set, it returns nil, StreamErr without
// opening a channel.
func (s *Streamer) StreamCompletion(ctx context.Context, req chat.Request) (<-chan chat.Chunk, error) {
	s.mu.Lock()
	s.StreamCalls = append(s.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if s.StreamErr != nil {
		err := s.StreamErr
		s.mu.Unlock()
		return nil, err
	}
	chunks := make([]chat.Chunk, len(s.StreamChunks))
	copy(chunks, s.StreamChunks)
	s.mu.Unlock()

	ch := make(chan chat.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Calls returns a copy of the recorded StreamCompletion calls.
func (s *Streamer) Calls() []StreamCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := make([]StreamCall, len(s.StreamCalls))
	copy(calls, s.StreamCalls)
	return calls
}

// Reset clears all recorded calls. Thread-safe.
func (s *Streamer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StreamCalls = nil
}

// Ensure Streamer implements chat.Streamer at compile time.
var _ chat.Streamer = (*Streamer)(nil)
