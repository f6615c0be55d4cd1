// Package config loads the daemon configuration from defaults, an optional
// file and LIVESYNC_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"github.com/spf13/viper"

	"nuha.dev/livesync/internal/livestate"
	"nuha.dev/livesync/internal/livestate/rabbitmq"
	"nuha.dev/livesync/internal/location"
	"nuha.dev/livesync/internal/location/source/framed"
	"nuha.dev/livesync/internal/location/source/mqttsource"
	"nuha.dev/livesync/internal/location/source/natsource"
	"nuha.dev/livesync/internal/stream"
)

const EnvPrefix = "LIVESYNC"

const (
	SourceFramed = "framed"
	SourceNATS   = "nats"
	SourceMQTT   = "mqtt"
)

type Config struct {
	LogLevel  string           `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	ZonesFile string           `mapstructure:"zones_file"`
	Stream    StreamConfig     `mapstructure:"stream"`
	Location  LocationConfig   `mapstructure:"location"`
	Monitor   MonitorConfig    `mapstructure:"monitor"`
	State     livestate.Config `mapstructure:"state"`
	RabbitMQ  rabbitmq.Config  `mapstructure:"rabbitmq"`
}

type StreamConfig struct {
	Endpoint      string `mapstructure:"endpoint" validate:"required,url"`
	ReadLimit     int64  `mapstructure:"read_limit" validate:"gte=0"`
	stream.Config `mapstructure:",squash"`
}

type LocationConfig struct {
	Source          string            `mapstructure:"source" validate:"oneof=framed nats mqtt"`
	Mode            string            `mapstructure:"mode" validate:"oneof=once watch"`
	Framed          framed.Config     `mapstructure:"framed"`
	NATS            natsource.Config  `mapstructure:"nats"`
	MQTT            mqttsource.Config `mapstructure:"mqtt"`
	location.Config `mapstructure:",squash"`
}

type MonitorConfig struct {
	Addr string `mapstructure:"addr"`
}

var vld = validator.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("zones_file", "")

	sc := stream.DefaultConfig()
	v.SetDefault("stream.endpoint", "ws://localhost:8000/ws/authority")
	v.SetDefault("stream.read_limit", 1<<20)
	v.SetDefault("stream.max_retries", sc.MaxRetries)
	v.SetDefault("stream.retry_interval", sc.RetryInterval)
	v.SetDefault("stream.auto_reconnect", sc.AutoReconnect)
	v.SetDefault("stream.dial_timeout", sc.DialTimeout)
	v.SetDefault("stream.write_timeout", sc.WriteTimeout)

	lc := location.DefaultConfig()
	v.SetDefault("location.source", SourceFramed)
	v.SetDefault("location.mode", "watch")
	v.SetDefault("location.high_accuracy", lc.HighAccuracy)
	v.SetDefault("location.timeout", lc.Timeout)
	v.SetDefault("location.max_age", lc.MaxAge)
	v.SetDefault("location.use_fallback", lc.UseFallback)
	v.SetDefault("location.fallback.latitude", lc.Fallback.Latitude)
	v.SetDefault("location.fallback.longitude", lc.Fallback.Longitude)
	v.SetDefault("location.framed.listen_addr", ":5000")
	v.SetDefault("location.framed.serial", "")
	v.SetDefault("location.framed.login_timeout", "2s")
	v.SetDefault("location.framed.buffer", 16)
	v.SetDefault("location.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("location.nats.subject", "")
	v.SetDefault("location.nats.id", "")
	v.SetDefault("location.nats.name", "livesync")
	v.SetDefault("location.nats.buffer", 16)
	v.SetDefault("location.mqtt.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("location.mqtt.client_id", "livesync")
	v.SetDefault("location.mqtt.topic", "")
	v.SetDefault("location.mqtt.qos", 1)
	v.SetDefault("location.mqtt.id", "")
	v.SetDefault("location.mqtt.buffer", 16)

	v.SetDefault("monitor.addr", "127.0.0.1:8090")

	v.SetDefault("state.max_alerts", livestate.DefaultMaxAlerts)
	v.SetDefault("state.publish_timeout", livestate.DefaultPublishTimeout)
	v.SetDefault("state.zone_alerts", true)

	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchange", rabbitmq.DefaultExchange)
	v.SetDefault("rabbitmq.queue", rabbitmq.DefaultQueue)
	v.SetDefault("rabbitmq.subject", "")
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if err := vld.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Stream.Config.Validate(); err != nil {
		return fmt.Errorf("invalid stream config: %w", err)
	}
	if err := c.Location.Config.Validate(); err != nil {
		return fmt.Errorf("invalid location config: %w", err)
	}
	switch c.Location.Source {
	case SourceNATS:
		if c.Location.NATS.URL == "" || c.Location.NATS.Subject == "" {
			return fmt.Errorf("invalid config: location.nats needs url and subject")
		}
	case SourceMQTT:
		if c.Location.MQTT.Broker == "" || c.Location.MQTT.Topic == "" {
			return fmt.Errorf("invalid config: location.mqtt needs broker and topic")
		}
	}
	return nil
}

// TrackerMode maps the configured mode name.
func (c LocationConfig) TrackerMode() location.Mode {
	if c.Mode == "once" {
		return location.Once
	}
	return location.Watch
}

func (c Config) Level() log.Level {
	return log.ParseLevel(c.LogLevel)
}
