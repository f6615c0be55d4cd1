package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	TypeNewAlert      string = "new_alert"
	TypeSafetyUpdate  string = "safety_update"
	TypeTouristUpdate string = "tourist_update"
)

// Envelope is the message shape carried by the event stream:
// {"type": string, "payload": any}. The client never decodes it itself.
type Envelope struct {
	Type      string          `json:"type" validate:"required"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

var vld = validator.New()

func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := vld.Struct(env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	return env, nil
}

func EncodeEnvelope(kind string, payload interface{}, t time.Time) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	env := Envelope{Type: kind, Payload: raw, Timestamp: &t}
	if err := vld.Struct(env); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %q has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}
