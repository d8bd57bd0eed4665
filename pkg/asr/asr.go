// Package asr provides a full-duplex websocket client for a streaming
// speech-recognition service.
//
// A [Client] holds one persistent connection: binary PCM frames go out,
// JSON transcript events come in. Outbound frames and inbound finals pass
// through bounded queues that drop the oldest entry under pressure, keeping
// the stream low-latency instead of complete. Shutdown follows a strict
// sequence that flushes pending audio, signals end-of-stream, and joins the
// background tasks with a bounded wait.
package asr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Defaults applied by [New] unless overridden.
const (
	DefaultSampleRate         = 16000
	DefaultChannels           = 1
	DefaultSendQueueCapacity  = 256
	DefaultFinalQueueCapacity = 64
	DefaultPingInterval       = 5 * time.Second
	DefaultPingTimeout        = 5 * time.Second
	DefaultOpenTimeout        = 30 * time.Second
	DefaultCallbackTimeout    = 5 * time.Second
)

const (
	audioFormat    = "pcm_s16le"
	partialTimeout = time.Second
	joinTimeout    = 2 * time.Second
)

// ErrNotStarted is returned by [Client.SendPCM] before [Client.Start]
// succeeded or after [Client.Stop].
var ErrNotStarted = errors.New("asr: client not started")

// DefaultVAD returns the voice-activity-detection parameters sent in the
// start message when none are configured. The values are tuned for
// low-latency endpointing; the map is passed through to the service verbatim.
func DefaultVAD() map[string]any {
	return map[string]any{
		"threshold":      0.35,
		"min_silence_ms": 50,
		"speech_pad_ms":  350,
		"final_silence_s": 0.05,
		"start_trigger_ms": 24,
		"min_voiced_ms":  36,
		"min_chars":      1,
		"min_words":      1,
		"amp_extend":     600,
		"force_decode_ms": 0,
		"events":         true,
		"event_hz":       8,
	}
}

// FinalHandler receives each final transcript. The context carries the
// per-call timeout; handlers that outlive it are logged and abandoned.
type FinalHandler func(ctx context.Context, text string)

// PartialHandler receives interim transcripts on a fire-and-forget path.
type PartialHandler func(ctx context.Context, text string)

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHeader sets HTTP headers sent on the websocket handshake (e.g. auth).
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// WithSampleRate sets the PCM sample rate in Hz announced in the start message.
func WithSampleRate(rate int) Option {
	return func(c *Client) { c.sampleRate = rate }
}

// WithChannels sets the channel count announced in the start message.
func WithChannels(n int) Option {
	return func(c *Client) { c.channels = n }
}

// WithVAD replaces the default voice-activity-detection parameters.
func WithVAD(vad map[string]any) Option {
	return func(c *Client) { c.vad = vad }
}

// WithSendQueueCapacity bounds the outbound PCM queue.
func WithSendQueueCapacity(n int) Option {
	return func(c *Client) { c.sendCap = n }
}

// WithFinalQueueCapacity bounds the inbound final-transcript queue.
func WithFinalQueueCapacity(n int) Option {
	return func(c *Client) { c.finalCap = n }
}

// WithPingInterval sets the keepalive ping interval.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) { c.pingInterval = d }
}

// WithPingTimeout sets the per-ping response timeout.
func WithPingTimeout(d time.Duration) Option {
	return func(c *Client) { c.pingTimeout = d }
}

// WithOpenTimeout sets the connect timeout for [Client.Start].
func WithOpenTimeout(d time.Duration) Option {
	return func(c *Client) { c.openTimeout = d }
}

// WithCallbackTimeout sets the per-call wall-time limit for the final handler.
func WithCallbackTimeout(d time.Duration) Option {
	return func(c *Client) { c.callbackTimeout = d }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// Client is a duplex streaming transcriber session. It is safe for
// concurrent use. After [Client.Stop] the client can be started again.
type Client struct {
	url    string
	header http.Header

	sampleRate int
	channels   int
	vad        map[string]any

	sendCap  int
	finalCap int

	pingInterval    time.Duration
	pingTimeout     time.Duration
	openTimeout     time.Duration
	callbackTimeout time.Duration

	log *slog.Logger

	mu      sync.Mutex
	started bool
	run     *run
}

// run holds the state of one started connection. A fresh run is created on
// every Start so that stop/start cycles never share channels.
type run struct {
	conn   *websocket.Conn
	sendq  chan []byte
	finalq chan string
	stopC  chan struct{}
	cancel context.CancelFunc

	senderDone     chan struct{}
	receiverDone   chan struct{}
	dispatcherDone chan struct{}
	pingerDone     chan struct{}
}

// New creates a Client for the given websocket URL. The connection is not
// opened until [Client.Start].
func New(url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.New("asr: url must not be empty")
	}
	c := &Client{
		url:             url,
		sampleRate:      DefaultSampleRate,
		channels:        DefaultChannels,
		sendCap:         DefaultSendQueueCapacity,
		finalCap:        DefaultFinalQueueCapacity,
		pingInterval:    DefaultPingInterval,
		pingTimeout:     DefaultPingTimeout,
		openTimeout:     DefaultOpenTimeout,
		callbackTimeout: DefaultCallbackTimeout,
		log:             slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.vad == nil {
		c.vad = DefaultVAD()
	}
	return c, nil
}

// startMessage is the JSON handshake sent right after the connection opens.
type startMessage struct {
	Type            string         `json:"type"`
	SampleRate      int            `json:"sample_rate"`
	Channels        int            `json:"channels"`
	SingleUtterance bool           `json:"single_utterance"`
	VAD             map[string]any `json:"vad"`
	Format          string         `json:"format"`
}

// Start opens the connection, sends the start message, and launches the
// sender, receiver, final-dispatcher, and keepalive tasks. A second call
// while running is a no-op. onPartial may be nil.
func (c *Client) Start(ctx context.Context, onFinal FinalHandler, onPartial PartialHandler) error {
	if onFinal == nil {
		return errors.New("asr: onFinal must not be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, c.openTimeout)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPHeader: c.header,
	})
	if err != nil {
		return fmt.Errorf("asr: dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(1 << 20)

	msg, err := json.Marshal(startMessage{
		Type:            "start",
		SampleRate:      c.sampleRate,
		Channels:        c.channels,
		SingleUtterance: false,
		VAD:             c.vad,
		Format:          audioFormat,
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "start message")
		return fmt.Errorf("asr: marshal start message: %w", err)
	}
	if err := conn.Write(dialCtx, websocket.MessageText, msg); err != nil {
		conn.Close(websocket.StatusInternalError, "start message")
		return fmt.Errorf("asr: send start message: %w", err)
	}

	taskCtx, taskCancel := context.WithCancel(context.Background())
	r := &run{
		conn:           conn,
		sendq:          make(chan []byte, c.sendCap),
		finalq:         make(chan string, c.finalCap),
		stopC:          make(chan struct{}),
		cancel:         taskCancel,
		senderDone:     make(chan struct{}),
		receiverDone:   make(chan struct{}),
		dispatcherDone: make(chan struct{}),
		pingerDone:     make(chan struct{}),
	}

	go c.sender(taskCtx, r)
	go c.receiver(taskCtx, r, onPartial)
	go c.dispatcher(taskCtx, r, onFinal)
	go c.pinger(taskCtx, r)

	c.run = r
	c.started = true
	return nil
}

// SendPCM enqueues one PCM frame for delivery. When the outbound queue is
// full the oldest pending frame is dropped so that fresher audio keeps the
// endpointing clock honest. Returns [ErrNotStarted] outside the running state.
func (c *Client) SendPCM(frame []byte) error {
	c.mu.Lock()
	r := c.run
	started := c.started
	c.mu.Unlock()
	if !started || r == nil {
		return ErrNotStarted
	}

	select {
	case r.sendq <- frame:
		return nil
	default:
	}

	// Queue full: drop the oldest frame, then retry once.
	select {
	case <-r.sendq:
		c.log.Debug("asr: send queue full, dropped oldest frame")
	default:
	}
	select {
	case r.sendq <- frame:
	default:
	}
	return nil
}

// Stop shuts the session down in order: refuse new PCM, flush the sender and
// emit end-of-stream, close the socket, then join every task with a bounded
// wait. Idempotent; a later Start opens a fresh session.
func (c *Client) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	r := c.run
	c.run = nil
	c.mu.Unlock()

	close(r.stopC)

	// The sender drains pending frames and emits eos before the socket goes.
	c.join(r, r.senderDone, "sender")
	r.conn.Close(websocket.StatusNormalClosure, "client stopped")
	c.join(r, r.receiverDone, "receiver")
	c.join(r, r.dispatcherDone, "dispatcher")
	c.join(r, r.pingerDone, "pinger")

	r.cancel()
	c.log.Debug("asr: stopped")
	return nil
}

// Close is an alias of [Client.Stop].
func (c *Client) Close() error {
	return c.Stop()
}

// join waits for a task with a bounded timeout, cancelling the task context
// if it exceeds the deadline.
func (c *Client) join(r *run, done chan struct{}, name string) {
	select {
	case <-done:
		return
	case <-time.After(joinTimeout):
		c.log.Warn("asr: task did not stop in time, cancelling", "task", name)
		r.cancel()
	}
	select {
	case <-done:
	case <-time.After(joinTimeout):
		c.log.Warn("asr: task still running after cancel", "task", name)
	}
}

// ─── background tasks ───

// sender writes queued PCM frames to the socket. On stop it drains what is
// pending, then sends a best-effort eos text frame.
func (c *Client) sender(ctx context.Context, r *run) {
	defer close(r.senderDone)
	for {
		select {
		case frame := <-r.sendq:
			if err := r.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
				c.log.Warn("asr: send error", "err", err)
				c.writeEOS(r.conn)
				return
			}
		case <-r.stopC:
			c.drainAndEOS(ctx, r)
			return
		case <-ctx.Done():
			return
		}
	}
}

// drainAndEOS flushes frames still queued at stop time, then emits eos.
func (c *Client) drainAndEOS(ctx context.Context, r *run) {
	for {
		select {
		case frame := <-r.sendq:
			if err := r.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
				c.writeEOS(r.conn)
				return
			}
		default:
			c.writeEOS(r.conn)
			return
		}
	}
}

// writeEOS sends the end-of-stream marker, ignoring failures on a socket
// that may already be gone.
func (c *Client) writeEOS(conn *websocket.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"eos"}`))
}

// transcriptEvent is the dynamically-typed transcript message. The service
// has used both boolean flags and type sentinels to mark finality, so both
// encodings are accepted; the flag test requires an actual JSON true.
type transcriptEvent struct {
	Type    string `json:"type"`
	Final   any    `json:"final"`
	IsFinal any    `json:"is_final"`
	Text    string `json:"text"`
	Error   string `json:"error"`
}

// isFinal reports whether the event marks the end of an utterance.
func (e transcriptEvent) isFinal() bool {
	if b, ok := e.Final.(bool); ok && b {
		return true
	}
	if b, ok := e.IsFinal.(bool); ok && b {
		return true
	}
	switch e.Type {
	case "final", "transcript_final", "eos":
		return true
	}
	return false
}

// receiver reads frames from the socket. Binary frames are ignored. Text
// frames are parsed as transcript events; finals go to the dispatch queue
// (dropping the oldest under pressure), everything else with text goes to
// the optional partial handler.
func (c *Client) receiver(ctx context.Context, r *run, onPartial PartialHandler) {
	defer close(r.receiverDone)
	for {
		typ, data, err := r.conn.Read(ctx)
		if err != nil {
			c.logReadEnd(err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var ev transcriptEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if ev.Error != "" {
			c.log.Error("asr: server error", "err", ev.Error)
			continue
		}

		text := strings.TrimSpace(ev.Text)
		if text == "" {
			continue
		}

		if ev.isFinal() {
			select {
			case r.finalq <- text:
			default:
				select {
				case <-r.finalq:
					c.log.Debug("asr: final queue full, dropped oldest")
				default:
				}
				select {
				case r.finalq <- text:
				default:
				}
			}
			continue
		}

		if onPartial != nil {
			pctx, pcancel := context.WithTimeout(ctx, partialTimeout)
			go func() {
				defer pcancel()
				onPartial(pctx, text)
			}()
		}
	}
}

// logReadEnd distinguishes a normal remote close from a transport failure.
func (c *Client) logReadEnd(err error) {
	switch {
	case errors.Is(err, context.Canceled):
		return
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
		c.log.Info("asr: connection closed by server")
	default:
		c.log.Warn("asr: receive error", "err", err)
	}
}

// dispatcher consumes the final queue and invokes the handler with a
// per-call timeout. Slow handlers are logged and abandoned; the loop keeps
// going. On stop it first delivers every final already queued, so a
// transcript that arrived before Stop is never silently lost.
func (c *Client) dispatcher(ctx context.Context, r *run, onFinal FinalHandler) {
	defer close(r.dispatcherDone)
	for {
		select {
		case text := <-r.finalq:
			c.dispatchFinal(ctx, text, onFinal)
		case <-r.stopC:
			for {
				select {
				case text := <-r.finalq:
					c.dispatchFinal(ctx, text, onFinal)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) dispatchFinal(ctx context.Context, text string, onFinal FinalHandler) {
	cctx, cancel := context.WithTimeout(ctx, c.callbackTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		onFinal(cctx, text)
	}()

	select {
	case <-done:
	case <-cctx.Done():
		c.log.Warn("asr: final callback timed out", "timeout", c.callbackTimeout)
	}
}

// pinger keeps the connection alive. A failed ping closes the socket, which
// ends the receiver.
func (c *Client) pinger(ctx context.Context, r *run) {
	defer close(r.pingerDone)
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, c.pingTimeout)
			err := r.conn.Ping(pctx)
			pcancel()
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				c.log.Warn("asr: ping failed, closing connection", "err", err)
				r.conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		case <-r.stopC:
			return
		case <-ctx.Done():
			return
		}
	}
}
