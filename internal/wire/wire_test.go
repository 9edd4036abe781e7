package wire

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode_KnownTypes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		data  string
		check func(t *testing.T, evt Event)
	}{
		{
			name: "session.ready",
			data: `{"type":"session.ready","session_id":"s-123"}`,
			check: func(t *testing.T, evt Event) {
				e, ok := evt.(SessionReady)
				if !ok {
					t.Fatalf("type = %T", evt)
				}
				if e.SessionID != "s-123" {
					t.Errorf("SessionID = %q", e.SessionID)
				}
			},
		},
		{
			name: "audio.delta",
			data: `{"type":"audio.delta","audio":"AAAA"}`,
			check: func(t *testing.T, evt Event) {
				e, ok := evt.(AudioDelta)
				if !ok {
					t.Fatalf("type = %T", evt)
				}
				if e.Audio != "AAAA" {
					t.Errorf("Audio = %q", e.Audio)
				}
			},
		},
		{
			name: "text.delta",
			data: `{"type":"text.delta","delta":"Hello"}`,
			check: func(t *testing.T, evt Event) {
				if e := evt.(TextDelta); e.Delta != "Hello" {
					t.Errorf("Delta = %q", e.Delta)
				}
			},
		},
		{
			name: "transcript.delta",
			data: `{"type":"transcript.delta","delta":"Hi"}`,
			check: func(t *testing.T, evt Event) {
				if e := evt.(TranscriptDelta); e.Delta != "Hi" {
					t.Errorf("Delta = %q", e.Delta)
				}
			},
		},
		{
			name: "speech.started",
			data: `{"type":"speech.started"}`,
			check: func(t *testing.T, evt Event) {
				if _, ok := evt.(SpeechStarted); !ok {
					t.Fatalf("type = %T", evt)
				}
			},
		},
		{
			name: "tool.argsDelta",
			data: `{"type":"tool.argsDelta","call_id":"abc","delta":"{\"x\":1"}`,
			check: func(t *testing.T, evt Event) {
				e := evt.(ToolArgsDelta)
				if e.CallID != "abc" || e.Delta != `{"x":1` {
					t.Errorf("ToolArgsDelta = %+v", e)
				}
			},
		},
		{
			name: "item.done with function call",
			data: `{"type":"item.done","item":{"id":"i1","kind":"function_call","call_id":"abc","name":"roll","arguments":"{}"}}`,
			check: func(t *testing.T, evt Event) {
				e := evt.(ItemDone)
				if e.Item.CallID != "abc" || e.Item.Name != "roll" {
					t.Errorf("ItemDone = %+v", e)
				}
			},
		},
		{
			name: "response.done",
			data: `{"type":"response.done"}`,
			check: func(t *testing.T, evt Event) {
				if _, ok := evt.(ResponseDone); !ok {
					t.Fatalf("type = %T", evt)
				}
			},
		},
		{
			name: "error",
			data: `{"type":"error","code":"rate_limit","message":"slow down"}`,
			check: func(t *testing.T, evt Event) {
				e := evt.(RemoteError)
				if e.Code != "rate_limit" || e.Message != "slow down" {
					t.Errorf("RemoteError = %+v", e)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			evt, err := Decode([]byte(tt.data))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			tt.check(t, evt)
		})
	}
}

func TestDecode_ProtocolErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{name: "invalid JSON", data: `{not json`},
		{name: "missing type", data: `{"audio":"AAAA"}`},
		{name: "unknown type", data: `{"type":"totally.made.up"}`},
		{name: "wrong payload shape", data: `{"type":"audio.delta","audio":123}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(tt.data))
			if err == nil {
				t.Fatal("Decode returned nil error")
			}
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("error type = %T; want *ProtocolError", err)
			}
		})
	}
}

func TestOutbound_RoundTripDiscriminator(t *testing.T) {
	t.Parallel()

	msgs := []struct {
		name string
		msg  any
		want Type
	}{
		{name: "configure", msg: NewSessionConfigure(SessionParams{Voice: "sage"}), want: TypeSessionConfigure},
		{name: "audio append", msg: NewAudioAppend("AAAA"), want: TypeAudioAppend},
		{name: "conversation append", msg: NewConversationAppend("hi"), want: TypeConversationAppend},
		{name: "response request", msg: NewResponseRequest(""), want: TypeResponseRequest},
		{name: "response cancel", msg: NewResponseCancel(), want: TypeResponseCancel},
		{name: "tool result", msg: NewToolResult("abc", `{"ok":true}`, false), want: TypeToolResult},
	}

	for _, tt := range msgs {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data, err := json.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var env struct {
				Type Type `json:"type"`
			}
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if env.Type != tt.want {
				t.Errorf("type = %q; want %q", env.Type, tt.want)
			}
		})
	}
}

func TestNewSessionConfigure_CarriesTurnDetection(t *testing.T) {
	t.Parallel()

	msg := NewSessionConfigure(SessionParams{
		Voice:         "sage",
		TurnDetection: &TurnDetection{Threshold: 0.5, SilenceMs: 700},
		InputFormat:   "pcm16",
		OutputFormat:  "pcm16",
	})

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded SessionConfigure
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Session.TurnDetection == nil || decoded.Session.TurnDetection.Threshold != 0.5 {
		t.Errorf("turn detection not preserved: %+v", decoded.Session)
	}
}
