// Package session implements the per-connection orchestrator of the voice
// agent: it feeds microphone PCM to the transcriber, turns each final
// transcript into a reply turn (LLM tokens → segments → synthesized audio),
// and enforces barge-in semantics — a new final cancels the running turn and
// waits for it to wind down before the next one starts, so no partial turn
// ever leaks into conversation history.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/asr"
	"github.com/MrWong99/parley/pkg/chat"
)

// Defaults applied by [New] unless overridden.
const (
	DefaultMaxHistory      = 16
	DefaultIngressCapacity = 256
	DefaultSegmentCapacity = 8
	DefaultStopDrain       = 5 * time.Second
)

// ErrClosed is returned by [Session.FeedPCM] after [Session.Stop] or
// [Session.Close].
var ErrClosed = errors.New("session: closed")

// Transcriber is the duplex ASR surface the session drives.
// [asr.Client] satisfies it.
type Transcriber interface {
	Start(ctx context.Context, onFinal asr.FinalHandler, onPartial asr.PartialHandler) error
	SendPCM(frame []byte) error
	Stop() error
}

// ReplyStreamer produces a token stream for one user utterance.
// [chat.Client] satisfies it.
type ReplyStreamer interface {
	StreamReply(ctx context.Context, userText string, history []chat.Message) (<-chan chat.Chunk, error)
}

// Synthesizer converts one text segment into a stream of PCM frames.
// [tts.Client] satisfies it.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan []byte, error)
	Close()
}

// Callbacks is the outbound event surface registered by the transport layer.
// Nil members are skipped. Callbacks are invoked from session goroutines and
// must not block for long; turn events of a single turn are invoked in order.
type Callbacks struct {
	// OnASRFinal reports a final transcript. The client uses it to flush its
	// playback buffer before reply audio arrives.
	OnASRFinal func(text string)

	// OnToken reports one incremental reply token.
	OnToken func(text string)

	// OnAudioStart reports that a segment is about to produce audio. Fired
	// once per segment that yields at least one frame, before that frame.
	OnAudioStart func()

	// OnAudioChunk delivers one raw PCM frame of the open segment.
	OnAudioChunk func(frame []byte)

	// OnSegmentDone reports that the current segment finished.
	OnSegmentDone func()

	// OnTurnDone reports that a reply was fully generated and synthesized.
	// Never fired for interrupted turns.
	OnTurnDone func()
}

// Option is a functional option for [Session].
type Option func(*Session)

// WithMaxHistory bounds the rolling conversation history.
func WithMaxHistory(n int) Option {
	return func(s *Session) { s.maxHistory = n }
}

// WithCharBudget sets the segmenter char budget.
func WithCharBudget(n int) Option {
	return func(s *Session) { s.charBudget = n }
}

// WithStopDrain bounds how long [Session.Stop] waits for the running turn.
func WithStopDrain(d time.Duration) Option {
	return func(s *Session) { s.stopDrain = d }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithMetrics wires the session's latency histograms and turn counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session owns one transcriber, one reply streamer, and one synthesizer, and
// orchestrates them for a single client connection.
type Session struct {
	asr  Transcriber
	chat ReplyStreamer
	tts  Synthesizer

	maxHistory int
	charBudget int
	stopDrain  time.Duration
	log        *slog.Logger
	metrics    *observe.Metrics

	cb Callbacks

	// turnMu serializes handleFinal end to end. The transcriber abandons a
	// slow final callback and dispatches the next one, so two invocations
	// can be alive at once; without this lock they would race to interrupt
	// and launch turns.
	turnMu sync.Mutex

	mu      sync.Mutex
	history []chat.Message
	current *turn
	started bool
	closed  bool

	ingress  chan []byte
	stopPump chan struct{}
	pumpDone chan struct{}
}

// New creates a Session over the three collaborators. None may be nil.
func New(transcriber Transcriber, streamer ReplyStreamer, synth Synthesizer, opts ...Option) (*Session, error) {
	if transcriber == nil || streamer == nil || synth == nil {
		return nil, errors.New("session: all collaborators must be non-nil")
	}
	s := &Session{
		asr:        transcriber,
		chat:       streamer,
		tts:        synth,
		maxHistory: DefaultMaxHistory,
		charBudget: DefaultCharBudget,
		stopDrain:  DefaultStopDrain,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start opens the ASR connection and the ingress pump, and registers the
// outbound callback set. It must be called once before [Session.FeedPCM].
func (s *Session) Start(ctx context.Context, cb Callbacks) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.cb = cb
	s.ingress = make(chan []byte, DefaultIngressCapacity)
	s.stopPump = make(chan struct{})
	s.pumpDone = make(chan struct{})
	s.started = true
	s.mu.Unlock()

	if err := s.asr.Start(ctx, s.handleFinal, nil); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return err
	}

	go s.pumpPCM()
	return nil
}

// FeedPCM enqueues one inbound PCM frame for the transcriber.
func (s *Session) FeedPCM(frame []byte) error {
	s.mu.Lock()
	if !s.started || s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	ingress := s.ingress
	stop := s.stopPump
	s.mu.Unlock()

	select {
	case ingress <- frame:
		return nil
	case <-stop:
		return ErrClosed
	}
}

// pumpPCM moves frames from the ingress queue to the transcriber.
func (s *Session) pumpPCM() {
	defer close(s.pumpDone)
	for {
		select {
		case frame := <-s.ingress:
			if err := s.asr.SendPCM(frame); err != nil {
				if errors.Is(err, asr.ErrNotStarted) {
					return
				}
				s.log.Warn("session: send pcm", "err", err)
			}
		case <-s.stopPump:
			return
		}
	}
}

// handleFinal is the ASR final-transcript callback. It cancels and awaits
// the running turn, notifies the client, snapshots history, and launches the
// next turn. The whole handoff runs under turnMu, so turns never overlap
// even when the transcriber has already moved on to the next final.
func (s *Session) handleFinal(ctx context.Context, text string) {
	if s.metrics != nil {
		s.metrics.FinalsReceived.Add(ctx, 1)
	}

	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	// The transcriber cancels ctx when it abandons this call; a newer final
	// has superseded this one while it waited for the lock.
	if ctx.Err() != nil {
		s.log.Warn("session: superseded final dropped")
		return
	}

	s.mu.Lock()
	prev := s.current
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	if prev != nil && !prev.finished() {
		s.log.Info("session: barge-in, interrupting turn")
		prev.cancel()
		select {
		case <-prev.done:
		case <-ctx.Done():
			s.log.Warn("session: interrupted turn did not stop in time")
			return
		}
	}

	if s.cb.OnASRFinal != nil {
		s.cb.OnASRFinal(text)
	}

	t := s.newTurn(text)
	if t == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.cancel()
		return
	}
	s.current = t
	s.mu.Unlock()

	go t.run()
}

// snapshotHistory copies the last maxHistory messages under the lock.
func (s *Session) snapshotHistory() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make([]chat.Message, len(s.history))
	copy(snap, s.history)
	return snap
}

// commitPair appends the user/assistant pair of a completed turn and trims
// the history to the last maxHistory messages.
func (s *Session) commitPair(userText, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history,
		chat.Message{Role: "user", Content: userText},
		chat.Message{Role: "assistant", Content: reply},
	)
	if len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
}

// History returns a copy of the conversation history.
func (s *Session) History() []chat.Message {
	return s.snapshotHistory()
}

// Stop lets the current turn finish within the drain budget, then tears
// down the ingress pump. A turn that exceeds the budget is cancelled so no
// further events reach the client. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.started || s.closed {
		s.closed = true
		s.mu.Unlock()
		return
	}
	s.closed = true
	t := s.current
	stopPump := s.stopPump
	pumpDone := s.pumpDone
	s.mu.Unlock()

	if t != nil && !t.finished() {
		select {
		case <-t.done:
		case <-time.After(s.stopDrain):
			s.log.Warn("session: turn did not drain in time, cancelling")
			t.cancel()
			<-t.done
		}
	}

	close(stopPump)
	<-pumpDone
}

// Close stops the session and tears down the transcriber and synthesizer.
func (s *Session) Close() {
	s.Stop()
	if err := s.asr.Stop(); err != nil {
		s.log.Warn("session: asr stop", "err", err)
	}
	s.tts.Close()
}
