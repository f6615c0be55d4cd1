// Package natsource reads location reports from a NATS subject.
package natsource

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nuha.dev/livesync/internal/location"
	"nuha.dev/livesync/internal/location/source/feed"
)

type Config struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
	// ID keeps only messages carrying this id; empty keeps all.
	ID     string `mapstructure:"id"`
	Name   string `mapstructure:"name"`
	Buffer int    `mapstructure:"buffer"`
}

type Source struct {
	mu     sync.Mutex
	config Config
	nc     *nats.Conn
	sub    *nats.Subscription
	hub    *feed.Hub
	logger zerolog.Logger
	now    func() time.Time
	bad    uint64
	owned  bool
}

func newSource(config Config) *Source {
	s := &Source{config: config}
	s.hub = feed.NewHub(config.Buffer)
	s.logger = log.With().Str("module", "natsource").Str("subject", config.Subject).Logger()
	s.now = time.Now
	return s
}

// Connect dials the server and subscribes to Config.Subject. The connection
// reconnects forever; the source reports unavailable while it is down.
func Connect(config Config) (*Source, error) {
	s := newSource(config)
	nc, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.logger.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	if err := s.attach(nc); err != nil {
		nc.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New subscribes on an existing connection. Closing the source does not
// close nc.
func New(nc *nats.Conn, config Config) (*Source, error) {
	s := newSource(config)
	if err := s.attach(nc); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Source) attach(nc *nats.Conn) error {
	sub, err := nc.Subscribe(s.config.Subject, s.handleMsg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.nc = nc
	s.sub = sub
	s.mu.Unlock()
	s.logger.Info().Msg("subscribed")
	return nil
}

func (s *Source) handleMsg(m *nats.Msg) {
	r, err := feed.Decode(m.Data, s.config.ID, s.now())
	if errors.Is(err, feed.ErrForeign) {
		return
	}
	if err != nil {
		s.mu.Lock()
		s.bad++
		s.mu.Unlock()
		s.logger.Error().Err(err).Msg("invalid location message")
		return
	}
	if n := s.hub.Publish(r); n > 0 {
		s.logger.Debug().Int("dropped", n).Msg("subscriber lagging")
	}
}

// Rejected returns the number of messages that failed to decode.
func (s *Source) Rejected() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bad
}

func (s *Source) Available() bool {
	s.mu.Lock()
	nc := s.nc
	s.mu.Unlock()
	return nc != nil && nc.IsConnected() && !s.hub.Closed()
}

func (s *Source) Watch(ctx context.Context, opts location.Options) (<-chan location.Reading, error) {
	return s.hub.Subscribe(ctx)
}

func (s *Source) LastFix() (location.Fix, bool) {
	return s.hub.LastFix()
}

// Close unsubscribes and ends all watches. A connection made by Connect is
// closed too.
func (s *Source) Close() {
	s.mu.Lock()
	sub, nc, owned := s.sub, s.nc, s.owned
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if owned && nc != nil {
		nc.Close()
	}
	s.hub.Close()
}
