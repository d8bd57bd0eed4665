// Package chat defines the conversation types and the streaming reply client
// used by the session orchestrator.
//
// A [Streamer] wraps a chat-completions backend (e.g. the OpenAI API or an
// any-llm-go provider) and exposes a uniform token-stream interface. [Client]
// layers the agent persona on top: it prepends the configured system prompt,
// pins the generation parameters, and hands the caller a channel of chunks.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package chat

import (
	"context"
	"fmt"
)

// Default generation parameters applied by [Client] unless overridden.
const (
	DefaultTemperature = 0.2
	DefaultTopP        = 1.0
	DefaultMaxTokens   = 256
)

// Message is one entry of a conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string `json:"role"`

	// Content is the full text of the message.
	Content string `json:"content"`
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty if the
	// chunk carries only a FinishReason.
	Text string

	// FinishReason is set on the final chunk and indicates why generation
	// stopped. Common values are "stop" (natural end), "length" (MaxTokens
	// reached), and "" (non-final chunk). Backends surface mid-stream failures
	// as a final chunk with FinishReason "error" and the error text in Text.
	FinishReason string
}

// Request carries everything a backend needs to produce a streamed reply.
type Request struct {
	// Messages is the ordered conversation, system prompt included. The last
	// message is from the "user" role and drives the response.
	Messages []Message

	// Temperature controls output randomness.
	Temperature float64

	// TopP is the nucleus sampling cutoff.
	TopP float64

	// MaxTokens caps the number of completion tokens the model may generate.
	MaxTokens int
}

// Streamer is the abstraction over any chat-completions backend.
//
// StreamCompletion sends req to the model and returns a read-only channel
// that emits [Chunk] values as they arrive. The channel is closed by the
// implementation when generation finishes or when ctx is cancelled. The
// initial error return is non-nil only for failures that prevent the stream
// from starting; later failures arrive as a Chunk with FinishReason "error".
// Callers must drain the channel to avoid goroutine leaks.
type Streamer interface {
	StreamCompletion(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Client produces streamed assistant replies with a fixed persona and fixed
// generation parameters. It is safe for concurrent use; each call to
// [Client.StreamReply] is an independent stream.
type Client struct {
	backend      Streamer
	systemPrompt string
	temperature  float64
	topP         float64
	maxTokens    int
}

// Option is a functional option for [Client].
type Option func(*Client)

// WithSystemPrompt sets the system prompt prepended to every request.
func WithSystemPrompt(prompt string) Option {
	return func(c *Client) {
		c.systemPrompt = prompt
	}
}

// WithTemperature overrides [DefaultTemperature].
func WithTemperature(t float64) Option {
	return func(c *Client) {
		c.temperature = t
	}
}

// WithTopP overrides [DefaultTopP].
func WithTopP(p float64) Option {
	return func(c *Client) {
		c.topP = p
	}
}

// WithMaxTokens overrides [DefaultMaxTokens].
func WithMaxTokens(n int) Option {
	return func(c *Client) {
		c.maxTokens = n
	}
}

// New constructs a Client over the given backend.
func New(backend Streamer, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("chat: backend must not be nil")
	}

	c := &Client{
		backend:     backend,
		temperature: DefaultTemperature,
		topP:        DefaultTopP,
		maxTokens:   DefaultMaxTokens,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// StreamReply requests a streamed reply to userText given the prior
// conversation history. The request sent to the backend is the system prompt
// (if configured), followed by history in order, followed by userText as a
// "user" message. history is not mutated.
//
// Cancelling ctx aborts the stream; the returned channel is then closed
// without a trailing error chunk.
func (c *Client) StreamReply(ctx context.Context, userText string, history []Message) (<-chan Chunk, error) {
	msgs := make([]Message, 0, len(history)+2)
	if c.systemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: c.systemPrompt})
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, Message{Role: "user", Content: userText})

	ch, err := c.backend.StreamCompletion(ctx, Request{
		Messages:    msgs,
		Temperature: c.temperature,
		TopP:        c.topP,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: start stream: %w", err)
	}
	return ch, nil
}
