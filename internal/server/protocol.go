package server

// Wire protocol of the /ws/agent endpoint. Clients send binary PCM16 frames
// plus JSON control messages; the server answers with JSON events and binary
// audio frames.

// Inbound control message types.
const (
	msgStart = "start"
	msgStop  = "stop"
)

// inboundMessage is the envelope of client JSON control frames. Unknown
// fields are ignored so protocol extensions don't break older servers.
type inboundMessage struct {
	Type string `json:"type"`
}

// Status messages sent over the lifecycle of a connection.
const (
	StatusConnected    = "connected"
	StatusInitializing = "initializing"
	StatusReady        = "ready"
)

// StatusEvent reports a lifecycle transition or an error ("error: …").
type StatusEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AsrFinalEvent reports a final transcript. The client should flush its
// playback buffer: reply audio for this utterance follows.
type AsrFinalEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// LlmTokenEvent streams one incremental reply token for live draft display.
type LlmTokenEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// AudioStartEvent announces that a new audio segment is about to begin.
type AudioStartEvent struct {
	Type string `json:"type"`
}

// SegmentDoneEvent reports that the current audio segment finished.
type SegmentDoneEvent struct {
	Type string `json:"type"`
}

// TurnDoneEvent reports that a reply was fully generated and synthesized.
// Not sent for interrupted turns.
type TurnDoneEvent struct {
	Type string `json:"type"`
}

// DoneEvent acknowledges session end after a stop request.
type DoneEvent struct {
	Type string `json:"type"`
}

func statusEvent(message string) StatusEvent { return StatusEvent{Type: "status", Message: message} }
func asrFinalEvent(text string) AsrFinalEvent {
	return AsrFinalEvent{Type: "asr_final", Text: text}
}
func llmTokenEvent(text string) LlmTokenEvent { return LlmTokenEvent{Type: "llm_token", Text: text} }
func audioStartEvent() AudioStartEvent        { return AudioStartEvent{Type: "audio_start"} }
func segmentDoneEvent() SegmentDoneEvent      { return SegmentDoneEvent{Type: "segment_done"} }
func turnDoneEvent() TurnDoneEvent            { return TurnDoneEvent{Type: "turn_done"} }
func doneEvent() DoneEvent                    { return DoneEvent{Type: "done"} }
