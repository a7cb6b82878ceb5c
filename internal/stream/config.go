package stream

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines per-session stream reliability defaults.
type Config struct {
	// ReplayBufferBytes bounds the terminal output tail replayed to a
	// reconnecting client; anything older is gone.
	ReplayBufferBytes int
	// SendQueueLength bounds server-side buffering of outbound envelopes per
	// attached transport before oldest-first dropping kicks in.
	SendQueueLength int
	// MaxMessageBytes bounds one inbound envelope.
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	Backoff         BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ReplayBufferBytes: 64 * 1024,
		SendQueueLength:   256,
		MaxMessageBytes:   1 * 1024 * 1024,
		WriteTimeout:      15 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ReplayBufferBytes <= 0 {
		c.ReplayBufferBytes = def.ReplayBufferBytes
	}
	if c.SendQueueLength <= 0 {
		c.SendQueueLength = def.SendQueueLength
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = def.MaxMessageBytes
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
