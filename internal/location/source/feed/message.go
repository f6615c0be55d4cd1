package feed

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"

	"nuha.dev/livesync/internal/geo"
	"nuha.dev/livesync/internal/location"
)

// Message is the location report published on NATS subjects and MQTT topics.
// Timestamp is unix seconds. A non-empty Error reports that the device has
// no position.
type Message struct {
	ID        string   `json:"id,omitempty"`
	Latitude  *float64 `json:"latitude" validate:"omitempty,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"omitempty,gte=-180,lte=180"`
	Accuracy  float64  `json:"accuracy,omitempty" validate:"gte=0"`
	Speed     float64  `json:"speed,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty" validate:"gte=0"`
	Error     string   `json:"error,omitempty"`
}

var vld = validator.New()

// Decode parses payload into a reading. now stamps messages that carry no
// timestamp. id, when set, must match the message id.
func Decode(payload []byte, id string, now time.Time) (location.Reading, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return location.Reading{}, err
	}
	if id != "" && m.ID != id {
		return location.Reading{}, ErrForeign
	}
	if err := vld.Struct(m); err != nil {
		return location.Reading{}, err
	}
	if m.Error != "" {
		return location.Reading{Err: &location.Error{Kind: location.PositionUnavailable, Err: errors.New(m.Error)}}, nil
	}
	if m.Latitude == nil || m.Longitude == nil {
		return location.Reading{}, errMissingPosition
	}
	ts := now
	if m.Timestamp > 0 {
		ts = time.Unix(m.Timestamp, 0)
	}
	return location.Reading{Fix: location.Fix{
		Position:  geo.Position{Latitude: *m.Latitude, Longitude: *m.Longitude},
		Accuracy:  m.Accuracy,
		Speed:     m.Speed,
		Timestamp: ts,
	}}, nil
}

var (
	// ErrForeign marks a message addressed to another entity.
	ErrForeign         = errors.New("message for another id")
	errMissingPosition = errors.New("latitude and longitude are required")
)

// Encode builds the payload for fix, used by publishers and tests.
func Encode(id string, fix location.Fix) ([]byte, error) {
	lat, lon := fix.Position.Latitude, fix.Position.Longitude
	m := Message{ID: id, Latitude: &lat, Longitude: &lon, Accuracy: fix.Accuracy, Speed: fix.Speed}
	if !fix.Timestamp.IsZero() {
		m.Timestamp = fix.Timestamp.Unix()
	}
	return json.Marshal(m)
}
