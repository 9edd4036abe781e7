// Package audio provides the codec and format-conversion primitives for the
// voxloop streaming client.
//
// The wire format used by the remote agent is base64-encoded little-endian
// 16-bit PCM. Inside the client, audio is carried as normalized float32
// sample buffers in the range [-1.0, 1.0]. [Decode] and [Encode] translate
// between the two representations; both are pure functions with no shared
// state and are safe for concurrent use.
package audio

import (
	"encoding/base64"
	"fmt"
)

// pcmScale is the divisor used to normalize int16 samples to [-1.0, 1.0].
const pcmScale = 32768

// DecodeError describes a malformed wire audio frame. The frame is dropped
// by the caller; decoding errors never terminate a session.
type DecodeError struct {
	// Reason is a short machine-readable cause: "empty", "base64", or
	// "odd-length".
	Reason string

	// Err is the underlying error, if any (base64 decode failures).
	Err error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audio: decode frame (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("audio: decode frame (%s)", e.Reason)
}

// Unwrap returns the underlying error for errors.Is / errors.As chains.
func (e *DecodeError) Unwrap() error { return e.Err }

// Decode converts a wire-encoded audio frame into normalized float32 samples.
//
// The frame must be standard base64 over little-endian int16 PCM. Returns a
// *DecodeError if the frame is empty, is not valid base64, or decodes to an
// odd number of bytes.
func Decode(frame string) ([]float32, error) {
	if frame == "" {
		return nil, &DecodeError{Reason: "empty"}
	}

	raw, err := base64.StdEncoding.DecodeString(frame)
	if err != nil {
		return nil, &DecodeError{Reason: "base64", Err: err}
	}
	if len(raw) == 0 {
		return nil, &DecodeError{Reason: "empty"}
	}
	if len(raw)%2 != 0 {
		return nil, &DecodeError{Reason: "odd-length"}
	}

	samples := make([]float32, len(raw)/2)
	for i := range samples {
		s := int16(raw[i*2]) | int16(raw[i*2+1])<<8
		samples[i] = float32(s) / pcmScale
	}
	return samples, nil
}

// Encode converts normalized float32 samples into a wire-encoded frame.
// Samples outside [-1.0, 1.0] are clamped before quantization, so Encode
// never fails.
func Encode(samples []float32) string {
	raw := make([]byte, len(samples)*2)
	for i, f := range samples {
		if f > 1.0 {
			f = 1.0
		} else if f < -1.0 {
			f = -1.0
		}

		v := int32(f * pcmScale)
		// 1.0 * 32768 overflows int16 by one.
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}

		raw[i*2] = byte(v)
		raw[i*2+1] = byte(v >> 8)
	}
	return base64.StdEncoding.EncodeToString(raw)
}
