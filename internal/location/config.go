package location

import (
	"time"

	"github.com/go-playground/validator/v10"

	"nuha.dev/livesync/internal/geo"
)

type Config struct {
	HighAccuracy bool          `mapstructure:"high_accuracy"`
	Timeout      time.Duration `mapstructure:"timeout" validate:"gte=0"`
	MaxAge       time.Duration `mapstructure:"max_age" validate:"gte=0"`
	// Fallback becomes the current location when a read fails before any
	// fix was accepted. The error is reported regardless.
	Fallback    geo.Position `mapstructure:"fallback"`
	UseFallback bool         `mapstructure:"use_fallback"`
}

// DefaultFallback is New York City.
var DefaultFallback = geo.Position{Latitude: 40.7128, Longitude: -74.0060}

func DefaultConfig() Config {
	return Config{
		HighAccuracy: true,
		Timeout:      10 * time.Second,
		MaxAge:       10 * time.Minute,
		Fallback:     DefaultFallback,
		UseFallback:  true,
	}
}

var vld = validator.New()

func (c Config) Validate() error {
	if err := vld.Struct(c); err != nil {
		return err
	}
	if c.UseFallback {
		return c.Fallback.Validate()
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Options are handed to the position source when subscribing.
type Options struct {
	HighAccuracy bool
	MaxAge       time.Duration
}

func (c Config) options() Options {
	return Options{HighAccuracy: c.HighAccuracy, MaxAge: c.MaxAge}
}
