// Package server exposes the client-facing websocket endpoint /ws/agent.
// Each connection gets its own [Conversation] built by a [Factory]; the
// handler bridges session callbacks to outbound JSON events and binary audio
// frames, in order, through a single writer goroutine.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
)

const (
	// maxInboundFrame bounds client frames (PCM chunks are a few KB).
	maxInboundFrame = 1 << 20

	// writeTimeout bounds a single outbound write so a stalled client
	// cannot wedge the writer.
	writeTimeout = 10 * time.Second

	// outboundCapacity buffers outbound events and audio frames between
	// session goroutines and the writer.
	outboundCapacity = 256
)

// Conversation is the per-connection orchestrator surface the handler
// drives. [session.Session] satisfies it.
type Conversation interface {
	Start(ctx context.Context, cb session.Callbacks) error
	FeedPCM(frame []byte) error
	Stop()
	Close()
}

// Factory builds a fresh [Conversation] for one websocket connection. It is
// called when the client sends its start message, so upstream connect errors
// surface as a status event rather than a failed HTTP upgrade.
type Factory func(ctx context.Context) (Conversation, error)

// Option is a functional option for [Handler].
type Option func(*Handler)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithMetrics wires the active-session gauge.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// Handler serves the /ws/agent endpoint.
type Handler struct {
	factory Factory
	log     *slog.Logger
	metrics *observe.Metrics
}

// New creates a [Handler] with the given conversation factory.
func New(factory Factory, opts ...Option) (*Handler, error) {
	if factory == nil {
		return nil, errors.New("server: factory must be non-nil")
	}
	h := &Handler{
		factory: factory,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

// Register adds the websocket route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/agent", h.ServeAgent)
}

// outbound is one queued frame for the writer goroutine.
type outbound struct {
	typ  websocket.MessageType
	data []byte
}

// ServeAgent upgrades the connection and runs the session protocol:
// status "connected" immediately, then a read loop handling start/stop
// control messages and binary PCM. PCM received before the session is ready
// is dropped. A start after stop is a protocol violation and closes the
// connection.
func (h *Handler) ServeAgent(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("server: websocket accept", "err", err)
		return
	}
	defer c.CloseNow()
	c.SetReadLimit(maxInboundFrame)

	ctx := r.Context()

	// The queue itself is never closed: producers are session goroutines
	// that can outlive the connection, and a send racing close would panic.
	// Closing outQuit makes every producer fall through instead.
	out := make(chan outbound, outboundCapacity)
	outQuit := make(chan struct{})
	writerDone := make(chan struct{})
	go h.writeLoop(c, out, outQuit, writerDone)

	var conv Conversation
	started, stopped := false, false
	defer func() {
		if conv != nil {
			conv.Close()
		}
		if started && h.metrics != nil {
			h.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		close(outQuit)
		<-writerDone
		c.Close(websocket.StatusNormalClosure, "")
	}()

	h.sendJSON(out, outQuit, statusEvent(StatusConnected))
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			// Normal client departure; anything else is logged.
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				h.log.Warn("server: websocket read", "err", err)
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			if !started || stopped {
				continue
			}
			if err := conv.FeedPCM(data); err != nil {
				if errors.Is(err, session.ErrClosed) {
					continue
				}
				h.log.Warn("server: feed pcm", "err", err)
			}

		case websocket.MessageText:
			var msg inboundMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				h.log.Debug("server: malformed control frame", "err", err)
				continue
			}

			switch msg.Type {
			case msgStart:
				if stopped {
					h.log.Warn("server: start after stop, closing")
					c.Close(websocket.StatusPolicyViolation, "start after stop")
					return
				}
				if started {
					continue
				}
				h.sendJSON(out, outQuit, statusEvent(StatusInitializing))

				conv, err = h.factory(ctx)
				if err == nil {
					err = conv.Start(ctx, h.callbacks(out, outQuit))
				}
				if err != nil {
					h.log.Error("server: session start", "err", err)
					h.sendJSON(out, outQuit, statusEvent("error: "+err.Error()))
					return
				}
				started = true
				if h.metrics != nil {
					h.metrics.ActiveSessions.Add(ctx, 1)
				}
				h.sendJSON(out, outQuit, statusEvent(StatusReady))

			case msgStop:
				if started && !stopped {
					conv.Stop()
				}
				stopped = true
				h.sendJSON(out, outQuit, doneEvent())

			default:
				h.log.Debug("server: unknown control frame", "type", msg.Type)
			}
		}
	}
}

// callbacks bridges session events onto the outbound queue. Events of a turn
// arrive in order from the session and keep that order through the queue.
func (h *Handler) callbacks(out chan<- outbound, quit <-chan struct{}) session.Callbacks {
	return session.Callbacks{
		OnASRFinal: func(text string) { h.sendJSON(out, quit, asrFinalEvent(text)) },
		OnToken:    func(text string) { h.sendJSON(out, quit, llmTokenEvent(text)) },
		OnAudioStart: func() {
			h.sendJSON(out, quit, audioStartEvent())
		},
		OnAudioChunk: func(frame []byte) {
			h.send(out, quit, outbound{typ: websocket.MessageBinary, data: frame})
		},
		OnSegmentDone: func() { h.sendJSON(out, quit, segmentDoneEvent()) },
		OnTurnDone:    func() { h.sendJSON(out, quit, turnDoneEvent()) },
	}
}

// sendJSON marshals v and queues it as a text frame.
func (h *Handler) sendJSON(out chan<- outbound, quit <-chan struct{}, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("server: marshal event", "err", err)
		return
	}
	h.send(out, quit, outbound{typ: websocket.MessageText, data: data})
}

// send queues one frame, or drops it once the connection is winding down.
func (h *Handler) send(out chan<- outbound, quit <-chan struct{}, msg outbound) {
	select {
	case out <- msg:
	case <-quit:
	}
}

// writeLoop is the single writer for the connection. After a write failure
// it keeps draining the queue so producers never block on a dead client.
// When quit closes it flushes whatever is already queued, then exits.
func (h *Handler) writeLoop(c *websocket.Conn, out <-chan outbound, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	failed := false
	for {
		select {
		case msg := <-out:
			failed = h.writeOne(c, msg, failed)
		case <-quit:
			for {
				select {
				case msg := <-out:
					failed = h.writeOne(c, msg, failed)
				default:
					return
				}
			}
		}
	}
}

func (h *Handler) writeOne(c *websocket.Conn, msg outbound, failed bool) bool {
	if failed {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	err := c.Write(ctx, msg.typ, msg.data)
	cancel()
	if err != nil {
		h.log.Debug("server: websocket write", "err", err)
		return true
	}
	return false
}
