// Package livestate folds the event stream and the position feed into the
// snapshot a dashboard renders, and raises zone enter/exit events.
package livestate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"

	"nuha.dev/livesync/internal/clock"
	"nuha.dev/livesync/internal/geo"
	"nuha.dev/livesync/internal/location"
	"nuha.dev/livesync/internal/stream"
)

const (
	MESSAGE_MALFORMED string = "message_malformed"
	MESSAGE_UNKNOWN   string = "message_unknown"
	ZONE_TRANSITION   string = "zone_transition"
	PUBLISH_FAILED    string = "publish_failed"
)

const (
	DefaultMaxAlerts      = 10
	DefaultPublishTimeout = 5 * time.Second
)

// Publisher receives zone transitions.
type Publisher interface {
	PublishZoneEvent(ctx context.Context, ev ZoneEvent) error
}

type PublisherFunc func(ctx context.Context, ev ZoneEvent) error

func (f PublisherFunc) PublishZoneEvent(ctx context.Context, ev ZoneEvent) error {
	return f(ctx, ev)
}

type Config struct {
	MaxAlerts      int           `mapstructure:"max_alerts" validate:"gte=0"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" validate:"gte=0"`
	// ZoneAlerts adds a local alert whenever a zone is entered.
	ZoneAlerts bool `mapstructure:"zone_alerts"`
}

type Counters struct {
	Messages  uint64 `json:"messages"`
	Unknown   uint64 `json:"unknown"`
	Malformed uint64 `json:"malformed"`
	Positions uint64 `json:"positions"`
	Published uint64 `json:"published"`
}

type Store struct {
	mu     sync.Mutex
	config Config
	zones  []geo.Zone
	pub    Publisher
	clock  clock.Clock
	log    log.Logger

	alerts      []Alert
	safety      *Safety
	tourists    map[ID]*Tourist
	order       []ID
	position    *geo.Position
	positionAt  time.Time
	locationErr string
	connection  string
	inside      map[string]bool
	counters    Counters
	seq         uint64
}

type Option func(*Store)

func WithPublisher(p Publisher) Option {
	return func(s *Store) { s.pub = p }
}

func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func New(config Config, zones []geo.Zone, opts ...Option) *Store {
	if config.MaxAlerts <= 0 {
		config.MaxAlerts = DefaultMaxAlerts
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = DefaultPublishTimeout
	}
	s := &Store{config: config, zones: zones}
	s.clock = clock.Real{}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "livestate").Value()
	s.tourists = map[ID]*Tourist{}
	s.inside = map[string]bool{}
	s.connection = stream.Uninstantiated.String()
	for _, o := range opts {
		o(s)
	}
	return s
}

// HandleMessage dispatches one envelope. Malformed messages and unknown
// types are counted and returned as errors but never change the state.
func (s *Store) HandleMessage(data []byte) error {
	s.mu.Lock()
	s.counters.Messages++
	s.mu.Unlock()

	env, err := stream.DecodeEnvelope(data)
	if err != nil {
		return s.malformed(err)
	}
	switch env.Type {
	case stream.TypeNewAlert:
		var a Alert
		if err := env.Decode(&a); err != nil {
			return s.malformed(err)
		}
		s.mu.Lock()
		s.pushAlert(a)
		s.mu.Unlock()
	case stream.TypeSafetyUpdate:
		var sf Safety
		if err := env.Decode(&sf); err != nil {
			return s.malformed(err)
		}
		s.mu.Lock()
		s.safety = &sf
		s.mu.Unlock()
	case stream.TypeTouristUpdate:
		var head struct {
			ID ID `json:"id"`
		}
		if err := env.Decode(&head); err != nil {
			return s.malformed(err)
		}
		if head.ID == "" {
			return s.malformed(fmt.Errorf("tourist_update without id"))
		}
		if err := s.mergeTourist(head.ID, env.Payload); err != nil {
			return s.malformed(err)
		}
	default:
		s.mu.Lock()
		s.counters.Unknown++
		s.mu.Unlock()
		s.log.Debug().Str("event", MESSAGE_UNKNOWN).Str("type", env.Type).Msg("")
		return fmt.Errorf("unknown message type %q", env.Type)
	}
	return nil
}

func (s *Store) malformed(err error) error {
	s.mu.Lock()
	s.counters.Malformed++
	s.mu.Unlock()
	s.log.Warn().Str("event", MESSAGE_MALFORMED).Err(err).Msg("")
	return err
}

// pushAlert keeps the newest MaxAlerts alerts, newest first. Must hold s.mu.
func (s *Store) pushAlert(a Alert) {
	s.alerts = append([]Alert{a}, s.alerts...)
	if len(s.alerts) > s.config.MaxAlerts {
		s.alerts = s.alerts[:s.config.MaxAlerts]
	}
}

func (s *Store) mergeTourist(id ID, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tourists[id]
	next := Tourist{}
	if ok {
		next = *cur
		next.Location = append([]float64(nil), cur.Location...)
	}
	if err := json.Unmarshal(payload, &next); err != nil {
		return err
	}
	if !ok {
		s.order = append(s.order, id)
	}
	s.tourists[id] = &next
	return nil
}

// UpdatePosition records p and evaluates every zone. Transitions are
// published and returned in zone order.
func (s *Store) UpdatePosition(p geo.Position, at time.Time) []ZoneEvent {
	s.mu.Lock()
	s.position = &p
	s.positionAt = at
	s.locationErr = ""
	s.counters.Positions++
	var events []ZoneEvent
	for _, z := range s.zones {
		in := geo.Contains(z.Fence, p)
		if in == s.inside[z.Name] {
			continue
		}
		s.inside[z.Name] = in
		kind := ZoneExit
		if in {
			kind = ZoneEnter
		}
		ev := ZoneEvent{Zone: z.Name, Level: z.Level, Kind: kind, Position: p, Time: at}
		events = append(events, ev)
		if in && s.config.ZoneAlerts {
			s.seq++
			s.pushAlert(Alert{
				ID:        ID(fmt.Sprintf("zone-%d", s.seq)),
				Type:      "location",
				Message:   "entered " + z.Name,
				Severity:  severity(z.Level),
				Timestamp: at.UTC().Format(time.RFC3339),
			})
		}
	}
	pub := s.pub
	s.mu.Unlock()

	for _, ev := range events {
		s.log.Info().Str("event", ZONE_TRANSITION).Str("zone", ev.Zone).Str("kind", string(ev.Kind)).Msg("")
		if pub == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.config.PublishTimeout)
		err := pub.PublishZoneEvent(ctx, ev)
		cancel()
		if err != nil {
			s.log.Error().Str("event", PUBLISH_FAILED).Err(err).Str("zone", ev.Zone).Msg("")
			continue
		}
		s.mu.Lock()
		s.counters.Published++
		s.mu.Unlock()
	}
	return events
}

func severity(level string) string {
	switch level {
	case "high", "critical":
		return "danger"
	case "medium":
		return "warning"
	default:
		return "info"
	}
}

func (s *Store) locationError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locationErr = err.Error()
}

func (s *Store) connectionState(st stream.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connection = st.String()
}

// StreamListener feeds stream messages and connection state into the store.
func (s *Store) StreamListener() stream.Listener {
	return stream.ListenerFuncs{
		Message:     func(ev stream.InboundEvent) { _ = s.HandleMessage(ev.Data) },
		StateChange: func(ev stream.StateEvent) { s.connectionState(ev.New) },
	}
}

// LocationListener feeds accepted fixes and location errors into the store.
func (s *Store) LocationListener() location.Listener {
	return location.ListenerFuncs{
		Update: func(f location.Fix) {
			at := f.Timestamp
			if at.IsZero() {
				at = s.clock.Now()
			}
			s.UpdatePosition(f.Position, at)
		},
		Error: s.locationError,
	}
}

type Snapshot struct {
	Connection    string        `json:"connection"`
	Alerts        []Alert       `json:"alerts"`
	Safety        *Safety       `json:"safety,omitempty"`
	Tourists      []Tourist     `json:"tourists"`
	Position      *geo.Position `json:"position,omitempty"`
	PositionAt    *time.Time    `json:"position_at,omitempty"`
	LocationError string        `json:"location_error,omitempty"`
	InsideZones   []string      `json:"inside_zones"`
	Counters      Counters      `json:"counters"`
}

// Snapshot returns a copy of the current state. Tourists keep first-seen
// order, zones keep configuration order.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Connection:    s.connection,
		Alerts:        append([]Alert{}, s.alerts...),
		Tourists:      make([]Tourist, 0, len(s.order)),
		LocationError: s.locationErr,
		InsideZones:   []string{},
		Counters:      s.counters,
	}
	if s.safety != nil {
		sf := *s.safety
		snap.Safety = &sf
	}
	for _, id := range s.order {
		snap.Tourists = append(snap.Tourists, *s.tourists[id])
	}
	if s.position != nil {
		p := *s.position
		at := s.positionAt
		snap.Position = &p
		snap.PositionAt = &at
	}
	for _, z := range s.zones {
		if s.inside[z.Name] {
			snap.InsideZones = append(snap.InsideZones, z.Name)
		}
	}
	return snap
}
