// Package wire defines the message vocabulary exchanged with the remote
// voice agent over the session socket.
//
// Every message is a JSON object discriminated by a "type" field. Inbound
// payloads are decoded into a tagged union at the boundary: [Decode] returns
// a concrete [Event] value, or a *[ProtocolError] for unknown types and
// malformed payloads so that the session can log and drop the single message
// without tearing down. Outbound messages are plain structs with their Type
// field pre-set by the constructors below.
package wire

import (
	"encoding/json"
	"fmt"
)

// Type is the wire discriminator value carried in every message.
type Type string

// Outbound message types.
const (
	TypeSessionConfigure   Type = "session.configure"
	TypeAudioAppend        Type = "audio.append"
	TypeConversationAppend Type = "conversation.append"
	TypeResponseRequest    Type = "response.request"
	TypeResponseCancel     Type = "response.cancel"
	TypeToolResult         Type = "tool.result"
)

// Inbound message types.
const (
	TypeSessionReady           Type = "session.ready"
	TypeSessionConfigured      Type = "session.configured"
	TypeAudioDelta             Type = "audio.delta"
	TypeTextDelta              Type = "text.delta"
	TypeTranscriptDelta        Type = "transcript.delta"
	TypeSpeechStarted          Type = "speech.started"
	TypeSpeechStopped          Type = "speech.stopped"
	TypeTranscriptionCompleted Type = "transcription.completed"
	TypeToolArgsDelta          Type = "tool.argsDelta"
	TypeToolArgsDone           Type = "tool.argsDone"
	TypeItemDone               Type = "item.done"
	TypeResponseDone           Type = "response.done"
	TypeError                  Type = "error"
)

// ProtocolError describes an inbound message that could not be decoded:
// invalid JSON, a missing or unknown type discriminator, or a payload
// missing required fields. The offending message is dropped; the session
// continues.
type ProtocolError struct {
	// Type is the discriminator of the offending message, if one was present.
	Type Type

	// Reason is a short description of what was wrong.
	Reason string

	// Err is the underlying JSON error, if any.
	Err error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: %s (type %q): %v", e.Reason, e.Type, e.Err)
	}
	return fmt.Sprintf("wire: %s (type %q)", e.Reason, e.Type)
}

// Unwrap returns the underlying error for errors.Is / errors.As chains.
func (e *ProtocolError) Unwrap() error { return e.Err }

// ── Shared payload types ──────────────────────────────────────────────────────

// ToolSchema declares one callable capability to the remote agent.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// TurnDetection carries the remote turn-detection (VAD) thresholds
// negotiated during the configure handshake.
type TurnDetection struct {
	// Threshold is the speech-probability threshold in [0, 1].
	Threshold float64 `json:"threshold,omitempty"`

	// SilenceMs is the trailing-silence duration that ends a user turn.
	SilenceMs int `json:"silence_ms,omitempty"`
}

// SessionParams is the negotiated session configuration sent in a
// session.configure message.
type SessionParams struct {
	Voice         string         `json:"voice,omitempty"`
	Instructions  string         `json:"instructions,omitempty"`
	Tools         []ToolSchema   `json:"tools,omitempty"`
	TurnDetection *TurnDetection `json:"turn_detection,omitempty"`
	InputFormat   string         `json:"input_audio_format"`
	OutputFormat  string         `json:"output_audio_format"`
}

// Item is a completed conversation item attached to an item.done message.
// For function-call items CallID, Name and Arguments are populated.
type Item struct {
	ID        string `json:"id,omitempty"`
	Kind      string `json:"kind,omitempty"` // "message" or "function_call"
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ── Outbound messages ─────────────────────────────────────────────────────────

// SessionConfigure is the configuration handshake, also used for explicit
// mid-session re-negotiation.
type SessionConfigure struct {
	Type    Type          `json:"type"`
	Session SessionParams `json:"session"`
}

// NewSessionConfigure builds a session.configure message.
func NewSessionConfigure(params SessionParams) SessionConfigure {
	return SessionConfigure{Type: TypeSessionConfigure, Session: params}
}

// AudioAppend carries one encoded microphone frame.
type AudioAppend struct {
	Type  Type   `json:"type"`
	Audio string `json:"audio"` // base64 PCM16
}

// NewAudioAppend builds an audio.append message.
func NewAudioAppend(frame string) AudioAppend {
	return AudioAppend{Type: TypeAudioAppend, Audio: frame}
}

// ConversationAppend carries one user text turn.
type ConversationAppend struct {
	Type Type   `json:"type"`
	Text string `json:"text"`
}

// NewConversationAppend builds a conversation.append message.
func NewConversationAppend(text string) ConversationAppend {
	return ConversationAppend{Type: TypeConversationAppend, Text: text}
}

// ResponseRequest asks the agent to produce a reply, optionally voice-tagged.
type ResponseRequest struct {
	Type  Type   `json:"type"`
	Voice string `json:"voice,omitempty"`
}

// NewResponseRequest builds a response.request message.
func NewResponseRequest(voice string) ResponseRequest {
	return ResponseRequest{Type: TypeResponseRequest, Voice: voice}
}

// ResponseCancel interrupts the in-progress agent response (barge-in).
type ResponseCancel struct {
	Type Type `json:"type"`
}

// NewResponseCancel builds a response.cancel message.
func NewResponseCancel() ResponseCancel {
	return ResponseCancel{Type: TypeResponseCancel}
}

// ToolResult returns a serialized tool invocation result to the agent.
type ToolResult struct {
	Type   Type   `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
	IsErr  bool   `json:"is_error,omitempty"`
}

// NewToolResult builds a tool.result message.
func NewToolResult(callID, output string, isErr bool) ToolResult {
	return ToolResult{Type: TypeToolResult, CallID: callID, Output: output, IsErr: isErr}
}

// ── Inbound events ────────────────────────────────────────────────────────────

// Event is implemented by every decoded inbound message.
type Event interface {
	EventType() Type
}

// SessionReady acknowledges the socket open; carries the session identifier.
type SessionReady struct {
	SessionID string `json:"session_id"`
}

// EventType implements [Event].
func (SessionReady) EventType() Type { return TypeSessionReady }

// SessionConfigured acknowledges a session.configure message.
type SessionConfigured struct{}

// EventType implements [Event].
func (SessionConfigured) EventType() Type { return TypeSessionConfigured }

// AudioDelta carries one encoded fragment of synthesised agent audio.
type AudioDelta struct {
	Audio string `json:"audio"` // base64 PCM16
}

// EventType implements [Event].
func (AudioDelta) EventType() Type { return TypeAudioDelta }

// TextDelta is a fragment on the plain-text channel.
type TextDelta struct {
	Delta string `json:"delta"`
}

// EventType implements [Event].
func (TextDelta) EventType() Type { return TypeTextDelta }

// TranscriptDelta is a fragment on the audio-transcript channel.
type TranscriptDelta struct {
	Delta string `json:"delta"`
}

// EventType implements [Event].
func (TranscriptDelta) EventType() Type { return TypeTranscriptDelta }

// SpeechStarted is the remote turn-detection "user started speaking" signal.
type SpeechStarted struct{}

// EventType implements [Event].
func (SpeechStarted) EventType() Type { return TypeSpeechStarted }

// SpeechStopped is the remote turn-detection "user stopped speaking" signal.
type SpeechStopped struct{}

// EventType implements [Event].
func (SpeechStopped) EventType() Type { return TypeSpeechStopped }

// TranscriptionCompleted carries the finalized recognised user utterance.
type TranscriptionCompleted struct {
	Transcript string `json:"transcript"`
}

// EventType implements [Event].
func (TranscriptionCompleted) EventType() Type { return TypeTranscriptionCompleted }

// ToolArgsDelta is a streamed tool-call argument fragment.
type ToolArgsDelta struct {
	CallID string `json:"call_id"`
	Delta  string `json:"delta"`
}

// EventType implements [Event].
func (ToolArgsDelta) EventType() Type { return TypeToolArgsDelta }

// ToolArgsDone marks the end of argument streaming for a call.
type ToolArgsDone struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// EventType implements [Event].
func (ToolArgsDone) EventType() Type { return TypeToolArgsDone }

// ItemDone is the authoritative trigger that a conversation item — including
// a function call — is complete and may be acted on.
type ItemDone struct {
	Item Item `json:"item"`
}

// EventType implements [Event].
func (ItemDone) EventType() Type { return TypeItemDone }

// ResponseDone marks the agent turn fully finished: audio, text and calls
// all settled.
type ResponseDone struct{}

// EventType implements [Event].
func (ResponseDone) EventType() Type { return TypeResponseDone }

// RemoteError is a structured failure reported by the far end. The session
// remains connected unless the far end also closes the socket.
type RemoteError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// EventType implements [Event].
func (RemoteError) EventType() Type { return TypeError }

// Error implements the error interface so a RemoteError can be surfaced
// through error-typed callbacks.
func (e RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("wire: remote error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("wire: remote error: %s", e.Message)
}

// ── Decoding ──────────────────────────────────────────────────────────────────

// envelope is the first-pass decode target used to read the discriminator.
type envelope struct {
	Type Type `json:"type"`
}

// Decode parses one inbound wire message into its concrete [Event] type.
// Returns a *[ProtocolError] for invalid JSON, a missing discriminator, an
// unknown type, or a payload that fails to unmarshal.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Reason: "invalid JSON", Err: err}
	}
	if env.Type == "" {
		return nil, &ProtocolError{Reason: "missing type discriminator"}
	}

	switch env.Type {
	case TypeSessionReady:
		return decodeAs[SessionReady](env.Type, data)
	case TypeSessionConfigured:
		return decodeAs[SessionConfigured](env.Type, data)
	case TypeAudioDelta:
		return decodeAs[AudioDelta](env.Type, data)
	case TypeTextDelta:
		return decodeAs[TextDelta](env.Type, data)
	case TypeTranscriptDelta:
		return decodeAs[TranscriptDelta](env.Type, data)
	case TypeSpeechStarted:
		return decodeAs[SpeechStarted](env.Type, data)
	case TypeSpeechStopped:
		return decodeAs[SpeechStopped](env.Type, data)
	case TypeTranscriptionCompleted:
		return decodeAs[TranscriptionCompleted](env.Type, data)
	case TypeToolArgsDelta:
		return decodeAs[ToolArgsDelta](env.Type, data)
	case TypeToolArgsDone:
		return decodeAs[ToolArgsDone](env.Type, data)
	case TypeItemDone:
		return decodeAs[ItemDone](env.Type, data)
	case TypeResponseDone:
		return decodeAs[ResponseDone](env.Type, data)
	case TypeError:
		return decodeAs[RemoteError](env.Type, data)
	default:
		return nil, &ProtocolError{Type: env.Type, Reason: "unknown message type"}
	}
}

// decodeAs unmarshals data into E, wrapping failures in a ProtocolError.
func decodeAs[E Event](t Type, data []byte) (Event, error) {
	var evt E
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, &ProtocolError{Type: t, Reason: "malformed payload", Err: err}
	}
	return evt, nil
}
