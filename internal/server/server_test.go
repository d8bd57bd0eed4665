package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/internal/server"
	"github.com/MrWong99/parley/internal/session"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// fakeConversation records handler interactions and hands the registered
// callbacks back to the test so it can replay a scripted turn.
type fakeConversation struct {
	mu         sync.Mutex
	startErr   error
	frames     [][]byte
	startCalls int
	stopCalls  int
	closeCalls int
	cb         session.Callbacks
	cbReady    chan struct{}
}

func newFakeConversation() *fakeConversation {
	return &fakeConversation{cbReady: make(chan struct{})}
}

func (f *fakeConversation) Start(_ context.Context, cb session.Callbacks) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return f.startErr
	}
	f.cb = cb
	close(f.cbReady)
	return nil
}

func (f *fakeConversation) FeedPCM(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(frame))
	copy(buf, frame)
	f.frames = append(f.frames, buf)
	return nil
}

func (f *fakeConversation) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
}

func (f *fakeConversation) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
}

func (f *fakeConversation) callbacks(t *testing.T) session.Callbacks {
	t.Helper()
	select {
	case <-f.cbReady:
	case <-time.After(2 * time.Second):
		t.Fatal("session was never started")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *fakeConversation) counts() (start, stop, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls, f.stopCalls, f.closeCalls
}

func (f *fakeConversation) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

// newAgentServer starts an httptest server around a Handler whose factory
// returns fc.
func newAgentServer(t *testing.T, fc *fakeConversation) *httptest.Server {
	t.Helper()
	h, err := server.New(func(context.Context) (server.Conversation, error) {
		return fc, nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agent"
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	c.SetReadLimit(1 << 20)
	return c
}

func sendText(t *testing.T, c *websocket.Conn, body string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, []byte(body)); err != nil {
		t.Fatalf("write text: %v", err)
	}
}

func sendBinary(t *testing.T, c *websocket.Conn, frame []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Fatalf("write binary: %v", err)
	}
}

// readFrame reads one frame, returning the parsed JSON for text frames and a
// nil map for binary frames (payload in raw).
func readFrame(t *testing.T, c *websocket.Conn) (event map[string]any, raw []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if typ == websocket.MessageBinary {
		return nil, data
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m, data
}

func expectStatus(t *testing.T, c *websocket.Conn, message string) {
	t.Helper()
	ev, _ := readFrame(t, c)
	if ev == nil {
		t.Fatal("expected a text frame, got binary")
	}
	if ev["type"] != "status" || ev["message"] != message {
		t.Fatalf("expected status %q, got %v", message, ev)
	}
}

func expectType(t *testing.T, c *websocket.Conn, typ string) map[string]any {
	t.Helper()
	ev, _ := readFrame(t, c)
	if ev == nil {
		t.Fatalf("expected %q event, got binary frame", typ)
	}
	if ev["type"] != typ {
		t.Fatalf("expected %q event, got %v", typ, ev)
	}
	return ev
}

// startSession dials, consumes the connected status, and completes the start
// handshake.
func startSession(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	c := dial(t, srv)
	expectStatus(t, c, server.StatusConnected)
	sendText(t, c, `{"type":"start"}`)
	expectStatus(t, c, server.StatusInitializing)
	expectStatus(t, c, server.StatusReady)
	return c
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestNew_NilFactory(t *testing.T) {
	t.Parallel()
	if _, err := server.New(nil); err == nil {
		t.Fatal("expected error for nil factory")
	}
}

func TestHandshake_StatusSequence(t *testing.T) {
	t.Parallel()
	fc := newFakeConversation()
	srv := newAgentServer(t, fc)

	c := startSession(t, srv)
	_ = c

	start, _, _ := fc.counts()
	if start != 1 {
		t.Errorf("start calls = %d, want 1", start)
	}
}

func TestDuplicateStartIgnored(t *testing.T) {
	t.Parallel()
	fc := newFakeConversation()
	srv := newAgentServer(t, fc)

	c := startSession(t, srv)
	sendText(t, c, `{"type":"start"}`)
	sendText(t, c, `{"type":"stop"}`)
	expectType(t, c, "done")

	start, _, _ := fc.counts()
	if start != 1 {
		t.Errorf("start calls = %d, want 1 (duplicate start must be ignored)", start)
	}
}

func TestPCMBeforeReadyIsDropped(t *testing.T) {
	t.Parallel()
	fc := newFakeConversation()
	srv := newAgentServer(t, fc)

	c := dial(t, srv)
	expectStatus(t, c, server.StatusConnected)

	// PCM before start must not reach the conversation.
	sendBinary(t, c, []byte{1, 2, 3})

	sendText(t, c, `{"type":"start"}`)
	expectStatus(t, c, server.StatusInitializing)
	expectStatus(t, c, server.StatusReady)

	sendBinary(t, c, []byte{4, 5, 6})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fc.sentFrames()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	frames := fc.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1 (pre-ready PCM dropped)", len(frames))
	}
	if frames[0][0] != 4 {
		t.Errorf("frame payload = %v, want the post-ready frame", frames[0])
	}
}

func TestTurnEventBridge(t *testing.T) {
	t.Parallel()
	fc := newFakeConversation()
	srv := newAgentServer(t, fc)

	c := startSession(t, srv)
	cb := fc.callbacks(t)

	// Replay one complete turn through the callbacks.
	cb.OnASRFinal("hello there")
	cb.OnToken("Hi")
	cb.OnToken("!")
	cb.OnAudioStart()
	cb.OnAudioChunk([]byte{0xAA, 0xBB})
	cb.OnAudioChunk([]byte{0xCC})
	cb.OnSegmentDone()
	cb.OnTurnDone()

	ev := expectType(t, c, "asr_final")
	if ev["text"] != "hello there" {
		t.Errorf("asr_final text = %v", ev["text"])
	}
	ev = expectType(t, c, "llm_token")
	if ev["text"] != "Hi" {
		t.Errorf("llm_token text = %v", ev["text"])
	}
	expectType(t, c, "llm_token")
	expectType(t, c, "audio_start")

	evMap, raw := readFrame(t, c)
	if evMap != nil {
		t.Fatalf("expected binary audio frame, got %v", evMap)
	}
	if len(raw) != 2 || raw[0] != 0xAA {
		t.Errorf("audio frame = %v", raw)
	}
	_, raw = readFrame(t, c)
	if len(raw) != 1 || raw[0] != 0xCC {
		t.Errorf("audio frame = %v", raw)
	}

	expectType(t, c, "segment_done")
	expectType(t, c, "turn_done")
}

func TestStopDrainsAndAcknowledges(t *testing.T) {
	t.Parallel()
	fc := newFakeConversation()
	srv := newAgentServer(t, fc)

	c := startSession(t, srv)
	sendText(t, c, `{"type":"stop"}`)
	expectType(t, c, "done")

	_, stop, _ := fc.counts()
	if stop != 1 {
		t.Errorf("stop calls = %d, want 1", stop)
	}
}

func TestStartAfterStopClosesConnection(t *testing.T) {
	t.Parallel()
	fc := newFakeConversation()
	srv := newAgentServer(t, fc)

	c := startSession(t, srv)
	sendText(t, c, `{"type":"stop"}`)
	expectType(t, c, "done")

	sendText(t, c, `{"type":"start"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	if err == nil {
		t.Fatal("expected the connection to close")
	}
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", websocket.CloseStatus(err))
	}
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()
	fc := newFakeConversation()
	srv := newAgentServer(t, fc)

	c := dial(t, srv)
	expectStatus(t, c, server.StatusConnected)
	sendText(t, c, `{"type":"stop"}`)
	expectType(t, c, "done")

	start, stop, _ := fc.counts()
	if start != 0 || stop != 0 {
		t.Errorf("conversation should be untouched, got start=%d stop=%d", start, stop)
	}
}

func TestFactoryErrorSurfacesAsStatus(t *testing.T) {
	t.Parallel()
	h, err := server.New(func(context.Context) (server.Conversation, error) {
		return nil, errors.New("asr unreachable")
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := dial(t, srv)
	expectStatus(t, c, server.StatusConnected)
	sendText(t, c, `{"type":"start"}`)
	expectStatus(t, c, server.StatusInitializing)

	ev := expectType(t, c, "status")
	msg, _ := ev["message"].(string)
	if !strings.HasPrefix(msg, "error:") || !strings.Contains(msg, "asr unreachable") {
		t.Errorf("status message = %q, want error mentioning the cause", msg)
	}

	// The server closes the connection after a failed start.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := c.Read(ctx); err == nil {
		t.Error("expected the connection to close after a failed start")
	}
}

func TestSessionStartErrorSurfacesAsStatus(t *testing.T) {
	t.Parallel()
	fc := newFakeConversation()
	fc.startErr = errors.New("vad rejected")
	srv := newAgentServer(t, fc)

	c := dial(t, srv)
	expectStatus(t, c, server.StatusConnected)
	sendText(t, c, `{"type":"start"}`)
	expectStatus(t, c, server.StatusInitializing)

	ev := expectType(t, c, "status")
	msg, _ := ev["message"].(string)
	if !strings.Contains(msg, "vad rejected") {
		t.Errorf("status message = %q", msg)
	}
}

func TestMalformedControlFramesSkipped(t *testing.T) {
	t.Parallel()
	fc := newFakeConversation()
	srv := newAgentServer(t, fc)

	c := dial(t, srv)
	expectStatus(t, c, server.StatusConnected)

	sendText(t, c, `{not json`)
	sendText(t, c, `{"type":"unknown_thing"}`)

	// The connection must survive; a start still works.
	sendText(t, c, `{"type":"start"}`)
	expectStatus(t, c, server.StatusInitializing)
	expectStatus(t, c, server.StatusReady)
}

func TestClientDisconnectClosesConversation(t *testing.T) {
	t.Parallel()
	fc := newFakeConversation()
	srv := newAgentServer(t, fc)

	c := startSession(t, srv)
	c.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, closed := fc.counts(); closed > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("conversation was not closed after client disconnect")
}

func TestLateSessionEventsAfterDisconnect(t *testing.T) {
	t.Parallel()
	fc := newFakeConversation()
	srv := newAgentServer(t, fc)

	c := startSession(t, srv)
	cb := fc.callbacks(t)
	c.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, closed := fc.counts(); closed > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Give the handler time to finish tearing the writer down.
	time.Sleep(50 * time.Millisecond)

	// A session goroutine that outlived the connection may still fire
	// callbacks; they must drop without blocking or panicking, even past
	// the queue capacity.
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		cb.OnASRFinal("too late")
		for i := 0; i < 300; i++ {
			cb.OnAudioChunk([]byte{0x00})
		}
		cb.OnTurnDone()
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("late callbacks blocked after the connection closed")
	}
}
