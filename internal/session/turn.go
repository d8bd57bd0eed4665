package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/pkg/chat"
)

// turn is a single user-utterance → reply episode. It owns the segment
// queue between its producer (LLM tokens → segmenter) and consumer
// (segments → TTS → audio callbacks); it does not own the clients it
// dispatches to.
type turn struct {
	s        *Session
	userText string
	snapshot []chat.Message

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Session) newTurn(text string) *turn {
	userText := strings.TrimSpace(text)
	if userText == "" {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &turn{
		s:        s,
		userText: userText,
		snapshot: s.snapshotHistory(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// finished reports whether the turn has terminated (complete or cancelled).
func (t *turn) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// run executes the two-stage pipeline. On uncancelled completion it commits
// the user/assistant pair to history and fires OnTurnDone; on cancellation
// or failure it leaves history untouched and fires nothing further.
func (t *turn) run() {
	defer close(t.done)
	s := t.s
	start := time.Now()

	segq := make(chan string, DefaultSegmentCapacity)
	var reply strings.Builder

	g, ctx := errgroup.WithContext(t.ctx)
	g.Go(func() error {
		defer close(segq)
		return t.produce(ctx, segq, &reply)
	})
	g.Go(func() error {
		return t.consume(ctx, segq)
	})
	err := g.Wait()

	if t.ctx.Err() != nil {
		s.log.Info("session: turn cancelled", "elapsed", time.Since(start))
		if s.metrics != nil {
			s.metrics.TurnsCancelled.Add(context.Background(), 1)
		}
		return
	}
	if err != nil {
		s.log.Error("session: turn failed", "err", err)
		return
	}

	replyText := strings.TrimSpace(reply.String())
	if replyText != "" {
		s.commitPair(t.userText, replyText)
	}
	if s.metrics != nil {
		s.metrics.TurnsCompleted.Add(context.Background(), 1)
		s.metrics.TurnDuration.Record(context.Background(), time.Since(start).Seconds())
	}
	if s.cb.OnTurnDone != nil {
		s.cb.OnTurnDone()
	}
}

// produce drains the LLM token stream, reports tokens, and feeds the
// segmenter. The segment queue is closed by the caller's defer so the
// consumer always exits, cancelled or not.
func (t *turn) produce(ctx context.Context, segq chan<- string, reply *strings.Builder) error {
	s := t.s

	stream, err := s.chat.StreamReply(ctx, t.userText, t.snapshot)
	if err != nil {
		return fmt.Errorf("stream reply: %w", err)
	}

	seg := NewSegmenter(s.charBudget)
	start := time.Now()
	firstToken := false

	for chunk := range stream {
		if chunk.FinishReason == "error" {
			return fmt.Errorf("llm stream: %s", chunk.Text)
		}
		if chunk.Text == "" {
			continue
		}
		if !firstToken {
			firstToken = true
			elapsed := time.Since(start)
			s.log.Info("session: llm first token", "elapsed", elapsed)
			if s.metrics != nil {
				s.metrics.FirstTokenLatency.Record(ctx, elapsed.Seconds())
			}
		}

		reply.WriteString(chunk.Text)
		if s.cb.OnToken != nil {
			s.cb.OnToken(chunk.Text)
		}

		if segment, ok := seg.Push(chunk.Text); ok {
			select {
			case segq <- segment:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if segment, ok := seg.Flush(); ok {
		select {
		case segq <- segment:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// consume synthesizes each segment and forwards its audio. A synthesis
// failure skips the segment's audio but still marks it done and moves on.
func (t *turn) consume(ctx context.Context, segq <-chan string) error {
	for {
		select {
		case segment, ok := <-segq:
			if !ok {
				return nil
			}
			if err := t.speak(ctx, segment); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// speak runs one segment through the synthesizer and the audio callbacks.
func (t *turn) speak(ctx context.Context, segment string) error {
	s := t.s

	start := time.Now()
	audio, err := s.tts.Synthesize(ctx, segment)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Error("session: tts synthesis failed", "err", err)
		if s.cb.OnSegmentDone != nil {
			s.cb.OnSegmentDone()
		}
		return nil
	}

	gotAudio := false
	for {
		select {
		case frame, ok := <-audio:
			if !ok {
				if s.cb.OnSegmentDone != nil {
					s.cb.OnSegmentDone()
				}
				return nil
			}
			if len(frame) == 0 {
				continue
			}
			if !gotAudio {
				gotAudio = true
				elapsed := time.Since(start)
				s.log.Info("session: tts first audio", "elapsed", elapsed)
				if s.metrics != nil {
					s.metrics.FirstAudioLatency.Record(ctx, elapsed.Seconds())
				}
				if s.cb.OnAudioStart != nil {
					s.cb.OnAudioStart()
				}
			}
			if s.cb.OnAudioChunk != nil {
				s.cb.OnAudioChunk(frame)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
