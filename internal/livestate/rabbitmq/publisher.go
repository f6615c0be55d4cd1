// Package rabbitmq publishes zone transitions on a fanout exchange.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"nuha.dev/livesync/internal/livestate"
)

var _ livestate.Publisher = (*Publisher)(nil)

const (
	DefaultExchange = "livesync.events"
	DefaultQueue    = "zone_events"
)

type Config struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
	Queue    string `mapstructure:"queue"`
	// Subject identifies the tracked entity in every message.
	Subject string `mapstructure:"subject"`
}

type Publisher struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	config Config
}

func Dial(config Config) (*Publisher, error) {
	conn, err := amqp.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connect: %w", err)
	}
	p, err := New(conn, config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// New declares the exchange and a durable queue bound to it.
func New(conn *amqp.Connection, config Config) (*Publisher, error) {
	if config.Exchange == "" {
		config.Exchange = DefaultExchange
	}
	if config.Queue == "" {
		config.Queue = DefaultQueue
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(config.Exchange, "fanout", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(config.Queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(config.Queue, "", config.Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	return &Publisher{ch: ch, config: config}, nil
}

type zoneMessage struct {
	Subject   string       `json:"subject,omitempty"`
	Zone      string       `json:"zone"`
	Level     string       `json:"level,omitempty"`
	Event     string       `json:"event"`
	Location  zoneLocation `json:"location"`
	Timestamp int64        `json:"timestamp"`
}

type zoneLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func encode(subject string, ev livestate.ZoneEvent) ([]byte, error) {
	msg := zoneMessage{
		Subject: subject,
		Zone:    ev.Zone,
		Level:   ev.Level,
		Event:   string(ev.Kind),
		Location: zoneLocation{
			Latitude:  ev.Position.Latitude,
			Longitude: ev.Position.Longitude,
		},
		Timestamp: ev.Time.Unix(),
	}
	return json.Marshal(msg)
}

func (p *Publisher) PublishZoneEvent(ctx context.Context, ev livestate.ZoneEvent) error {
	body, err := encode(p.config.Subject, ev)
	if err != nil {
		return fmt.Errorf("marshal zone event: %w", err)
	}
	return p.ch.PublishWithContext(ctx, p.config.Exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   ev.Time,
		Body:        body,
	})
}

func (p *Publisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
