package location

import (
	"context"
	"time"

	"nuha.dev/livesync/internal/geo"
)

// Fix is a single position report.
type Fix struct {
	Position  geo.Position `json:"position"`
	Accuracy  float64      `json:"accuracy,omitempty"`
	Altitude  float64      `json:"altitude,omitempty"`
	Speed     float64      `json:"speed,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Reading carries either a fix or an error from a source.
type Reading struct {
	Fix Fix
	Err error
}

// PositionSource abstracts the device or feed that produces fixes.
type PositionSource interface {
	// Available reports whether the source can produce positions at all.
	Available() bool
	// Watch subscribes until ctx is done. The channel is closed when the
	// subscription ends.
	Watch(ctx context.Context, opts Options) (<-chan Reading, error)
}

// CachedSource is implemented by sources that keep their latest fix.
type CachedSource interface {
	LastFix() (Fix, bool)
}
