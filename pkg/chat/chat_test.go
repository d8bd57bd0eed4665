package chat_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/chat"
	"github.com/MrWong99/parley/pkg/chat/mock"
)

func TestNewRequiresBackend(t *testing.T) {
	t.Parallel()

	if _, err := chat.New(nil); err == nil {
		t.Fatal("expected error for nil backend")
	}
}

func TestStreamReplyBuildsRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		opts     []chat.Option
		history  []chat.Message
		userText string
		want     chat.Request
	}{
		{
			name:     "defaults, no history, no system prompt",
			userText: "hello",
			want: chat.Request{
				Messages: []chat.Message{
					{Role: "user", Content: "hello"},
				},
				Temperature: 0.2,
				TopP:        1.0,
				MaxTokens:   256,
			},
		},
		{
			name: "system prompt prepended before history",
			opts: []chat.Option{chat.WithSystemPrompt("be brief")},
			history: []chat.Message{
				{Role: "user", Content: "hi"},
				{Role: "assistant", Content: "hey"},
			},
			userText: "how are you?",
			want: chat.Request{
				Messages: []chat.Message{
					{Role: "system", Content: "be brief"},
					{Role: "user", Content: "hi"},
					{Role: "assistant", Content: "hey"},
					{Role: "user", Content: "how are you?"},
				},
				Temperature: 0.2,
				TopP:        1.0,
				MaxTokens:   256,
			},
		},
		{
			name: "overridden generation parameters",
			opts: []chat.Option{
				chat.WithTemperature(0.7),
				chat.WithTopP(0.9),
				chat.WithMaxTokens(64),
			},
			userText: "x",
			want: chat.Request{
				Messages: []chat.Message{
					{Role: "user", Content: "x"},
				},
				Temperature: 0.7,
				TopP:        0.9,
				MaxTokens:   64,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			backend := &mock.Streamer{}
			c, err := chat.New(backend, tt.opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			ch, err := c.StreamReply(context.Background(), tt.userText, tt.history)
			if err != nil {
				t.Fatalf("StreamReply: %v", err)
			}
			for range ch {
			}

			calls := backend.Calls()
			if len(calls) != 1 {
				t.Fatalf("expected 1 backend call, got %d", len(calls))
			}
			got := calls[0].Req
			if got.Temperature != tt.want.Temperature {
				t.Errorf("Temperature = %v, want %v", got.Temperature, tt.want.Temperature)
			}
			if got.TopP != tt.want.TopP {
				t.Errorf("TopP = %v, want %v", got.TopP, tt.want.TopP)
			}
			if got.MaxTokens != tt.want.MaxTokens {
				t.Errorf("MaxTokens = %v, want %v", got.MaxTokens, tt.want.MaxTokens)
			}
			if len(got.Messages) != len(tt.want.Messages) {
				t.Fatalf("got %d messages, want %d", len(got.Messages), len(tt.want.Messages))
			}
			for i, m := range got.Messages {
				if m != tt.want.Messages[i] {
					t.Errorf("message %d = %+v, want %+v", i, m, tt.want.Messages[i])
				}
			}
		})
	}
}

func TestStreamReplyDoesNotMutateHistory(t *testing.T) {
	t.Parallel()

	history := []chat.Message{
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "b"},
	}
	orig := make([]chat.Message, len(history))
	copy(orig, history)

	backend := &mock.Streamer{}
	c, err := chat.New(backend, chat.WithSystemPrompt("sp"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := c.StreamReply(context.Background(), "c", history)
	if err != nil {
		t.Fatalf("StreamReply: %v", err)
	}
	for range ch {
	}

	for i := range history {
		if history[i] != orig[i] {
			t.Errorf("history[%d] mutated: %+v", i, history[i])
		}
	}
}

func TestStreamReplyForwardsChunks(t *testing.T) {
	t.Parallel()

	backend := &mock.Streamer{
		StreamChunks: []chat.Chunk{
			{Text: "Hel"},
			{Text: "lo"},
			{FinishReason: "stop"},
		},
	}
	c, err := chat.New(backend)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := c.StreamReply(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("StreamReply: %v", err)
	}

	var text string
	var finish string
	for chunk := range ch {
		text += chunk.Text
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	if text != "Hello" {
		t.Errorf("accumulated text = %q, want %q", text, "Hello")
	}
	if finish != "stop" {
		t.Errorf("finish reason = %q, want %q", finish, "stop")
	}
}

func TestStreamReplyStartError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("auth failed")
	backend := &mock.Streamer{StreamErr: wantErr}
	c, err := chat.New(backend)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := c.StreamReply(context.Background(), "hi", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want wrapped %v", err, wantErr)
	}
	if ch != nil {
		t.Error("expected nil channel on start error")
	}
}

func TestStreamReplyCancellation(t *testing.T) {
	t.Parallel()

	// A backend that blocks until the context is cancelled, then closes.
	backend := blockingStreamer{}
	c, err := chat.New(backend)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.StreamReply(ctx, "hi", nil)
	if err != nil {
		t.Fatalf("StreamReply: %v", err)
	}

	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancellation")
	}
}

type blockingStreamer struct{}

func (blockingStreamer) StreamCompletion(ctx context.Context, _ chat.Request) (<-chan chat.Chunk, error) {
	ch := make(chan chat.Chunk)
	go func() {
		defer close(ch)
		<-ctx.Done()
	}()
	return ch, nil
}
