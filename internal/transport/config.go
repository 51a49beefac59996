package transport

import "time"

// Config tunes how a byte stream is pumped into a session.
type Config struct {
	// FeedTimeout bounds each Feed call before the reader backs off.
	FeedTimeout time.Duration
	// ReadBufferSize is the chunk read from the connection per call.
	ReadBufferSize int
	// WriteTimeout bounds one outbound write. A peer that stops reading
	// for longer loses its session, so a handler never holds the engine
	// serializer on a stalled link.
	WriteTimeout time.Duration
	// ResetOnDecodeError aborts the connection when the session latches
	// a decode error instead of waiting for the peer to hang up.
	ResetOnDecodeError bool
	Backoff            BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		FeedTimeout:        250 * time.Millisecond,
		ReadBufferSize:     512,
		WriteTimeout:       5 * time.Second,
		ResetOnDecodeError: true,
		Backoff: BackoffConfig{
			InitialDelay: 5 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     500 * time.Millisecond,
			Jitter:       true,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FeedTimeout <= 0 {
		c.FeedTimeout = def.FeedTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}
