package stream

import (
	"fmt"
	"time"
)

const (
	DefaultMaxRetries    = 5
	DefaultRetryInterval = 3 * time.Second
	DefaultDialTimeout   = 10 * time.Second
	DefaultWriteTimeout  = 5 * time.Second
)

// Config controls reconnection. Retries are spaced by a fixed RetryInterval,
// there is no backoff growth.
type Config struct {
	MaxRetries    int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryInterval time.Duration `mapstructure:"retry_interval" validate:"gt=0"`
	AutoReconnect bool          `mapstructure:"auto_reconnect"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout" validate:"gt=0"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:    DefaultMaxRetries,
		RetryInterval: DefaultRetryInterval,
		AutoReconnect: true,
		DialTimeout:   DefaultDialTimeout,
		WriteTimeout:  DefaultWriteTimeout,
	}
}

func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("retry_interval must be positive")
	}
	return nil
}

// withDefaults fills zero timeouts.
func (c Config) withDefaults() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}
