package rpc

import (
	"fmt"

	"github.com/danmuck/edgerpc/internal/protocol/frame"
)

// Config bounds the resources of an Engine and its sessions.
type Config struct {
	// QueueSize is the inbound byte queue capacity of each session.
	QueueSize int
	// MaxSessions caps live sessions; 0 means unlimited.
	MaxSessions int
	// MaxMessageBytes caps one envelope body.
	MaxMessageBytes uint64
}

func DefaultConfig() Config {
	return Config{
		QueueSize:       1024,
		MaxSessions:     4,
		MaxMessageBytes: frame.DefaultLimits().MaxPayloadBytes,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.QueueSize == 0 {
		c.QueueSize = def.QueueSize
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = def.MaxMessageBytes
	}
	return c
}

func (c Config) Validate() error {
	if c.QueueSize <= 0 {
		return fmt.Errorf("%w: queue_size must be positive", ErrInvalidConfig)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("%w: max_sessions must not be negative", ErrInvalidConfig)
	}
	if c.MaxMessageBytes == 0 {
		return fmt.Errorf("%w: max_message_bytes must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c Config) limits() frame.Limits {
	return frame.Limits{MaxPayloadBytes: c.MaxMessageBytes}
}
