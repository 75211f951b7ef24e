// Package shoreconf builds the shore binary's configuration from CLI flags
// with SHORE_-prefixed environment fallbacks.
package shoreconf

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/shiplink/linkproxy/pkg/errors"
	"github.com/shiplink/linkproxy/pkg/frame"
)

// Config holds everything the shore needs to run.
type Config struct {
	Listen        string
	MaxFrame      uint32
	DialTimeout   time.Duration
	LogLevel      string
	MetricsListen string
}

// Register adds the shore's flags to fs.
func Register(fs *pflag.FlagSet) *Config {
	c := &Config{}
	fs.StringVar(&c.Listen, "listen", envOr("SHORE_LISTEN", ":9090"), "link bind address")
	fs.Uint32Var(&c.MaxFrame, "max-frame", envOrUint32("SHORE_MAX_FRAME", frame.DefaultMaxPayload), "maximum frame payload in bytes")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", envOrDuration("SHORE_DIAL_TIMEOUT", 10*time.Second), "origin dial timeout")
	fs.StringVar(&c.LogLevel, "log-level", envOr("SHORE_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	fs.StringVar(&c.MetricsListen, "metrics-listen", envOr("SHORE_METRICS_LISTEN", ""), "bind address for /metrics (empty disables)")
	return c
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.MaxFrame == 0 {
		return errors.NewValidationError("--max-frame must be greater than zero")
	}
	if c.DialTimeout <= 0 {
		return errors.NewValidationError("--dial-timeout must be positive")
	}
	return nil
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envOrDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envOrUint32(key string, def uint32) uint32 {
	if v, ok := os.LookupEnv(key); ok {
		var n uint32
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}
