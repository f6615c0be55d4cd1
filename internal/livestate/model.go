package livestate

import (
	"bytes"
	"encoding/json"
	"time"

	"nuha.dev/livesync/internal/geo"
)

// ID accepts both JSON strings and numbers.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

type Alert struct {
	ID          ID     `json:"id"`
	Type        string `json:"type,omitempty"`
	Title       string `json:"title,omitempty"`
	Message     string `json:"message"`
	Severity    string `json:"severity,omitempty"`
	TouristName string `json:"touristName,omitempty"`
	Location    string `json:"location,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

type Safety struct {
	Score       int    `json:"score"`
	Status      string `json:"status"`
	LastUpdated string `json:"lastUpdated,omitempty"`
}

// Tourist is merged field by field: an update only overwrites the fields it
// carries.
type Tourist struct {
	ID          ID        `json:"id"`
	Name        string    `json:"name,omitempty"`
	Location    []float64 `json:"location,omitempty"`
	SafetyScore int       `json:"safetyScore,omitempty"`
	Status      string    `json:"status,omitempty"`
	LastSeen    string    `json:"lastSeen,omitempty"`
}

type ZoneEventKind string

const (
	ZoneEnter ZoneEventKind = "enter"
	ZoneExit  ZoneEventKind = "exit"
)

type ZoneEvent struct {
	Zone     string        `json:"zone"`
	Level    string        `json:"level"`
	Kind     ZoneEventKind `json:"event"`
	Position geo.Position  `json:"position"`
	Time     time.Time     `json:"time"`
}
