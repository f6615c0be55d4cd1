// Package mqttsource reads location reports from an MQTT topic.
package mqttsource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/phuslu/log"

	"nuha.dev/livesync/internal/location"
	"nuha.dev/livesync/internal/location/source/feed"
)

type Config struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
	QoS      byte   `mapstructure:"qos" validate:"lte=2"`
	// ID keeps only messages carrying this id; empty keeps all.
	ID     string `mapstructure:"id"`
	Buffer int    `mapstructure:"buffer"`
}

type Source struct {
	mu     sync.Mutex
	config Config
	client mqtt.Client
	hub    *feed.Hub
	log    log.Logger
	now    func() time.Time
	bad    uint64
}

func newSource(config Config) *Source {
	s := &Source{config: config}
	s.hub = feed.NewHub(config.Buffer)
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "mqttsource").Str("topic", config.Topic).Value()
	s.now = time.Now
	return s
}

// Connect connects to Config.Broker and subscribes to Config.Topic. The
// subscription is restored after every reconnect.
func Connect(config Config) (*Source, error) {
	s := newSource(config)
	opts := mqtt.NewClientOptions().
		AddBroker(config.Broker).
		SetClientID(config.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			if err := s.subscribe(c); err != nil {
				s.log.Error().Err(err).Msg("subscribe failed")
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.log.Warn().Err(err).Msg("connection lost")
		})
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	return s, nil
}

func (s *Source) subscribe(c mqtt.Client) error {
	token := c.Subscribe(s.config.Topic, s.config.QoS, s.handleMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		return err
	}
	s.log.Info().Msg("subscribed")
	return nil
}

func (s *Source) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	r, err := feed.Decode(msg.Payload(), s.config.ID, s.now())
	if errors.Is(err, feed.ErrForeign) {
		return
	}
	if err != nil {
		s.mu.Lock()
		s.bad++
		s.mu.Unlock()
		s.log.Error().Err(err).Str("msg_topic", msg.Topic()).Msg("invalid location message")
		return
	}
	if n := s.hub.Publish(r); n > 0 {
		s.log.Debug().Int("dropped", n).Msg("subscriber lagging")
	}
}

func (s *Source) Rejected() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bad
}

func (s *Source) Available() bool {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	return c != nil && c.IsConnectionOpen() && !s.hub.Closed()
}

func (s *Source) Watch(ctx context.Context, opts location.Options) (<-chan location.Reading, error) {
	return s.hub.Subscribe(ctx)
}

func (s *Source) LastFix() (location.Fix, bool) {
	return s.hub.LastFix()
}

func (s *Source) Close() {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()
	if c != nil {
		c.Unsubscribe(s.config.Topic).WaitTimeout(time.Second)
		c.Disconnect(250)
	}
	s.hub.Close()
}
