package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is the classifier-level view of an inbound frame: the type tag,
// the instrument it concerns, an optional request correlation id, and the
// raw bytes for payload-specific decoding downstream.
type Envelope struct {
	Type       string `json:"type"`
	Instrument string `json:"instrument"`
	RequestID  string `json:"request_id"`

	Raw json.RawMessage `json:"-"`
}

// DecodeEnvelope parses the frame header fields. The full line is retained
// in Raw so each handler decodes exactly the shape it expects.
func DecodeEnvelope(line []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("frame missing type field")
	}
	env.Raw = append(json.RawMessage(nil), line...)
	return env, nil
}
