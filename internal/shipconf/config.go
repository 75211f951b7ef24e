// Package shipconf builds the ship binary's configuration from CLI flags
// with SHIP_-prefixed environment fallbacks.
package shipconf

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/shiplink/linkproxy/pkg/errors"
	"github.com/shiplink/linkproxy/pkg/frame"
)

// Config holds everything the ship needs to run.
type Config struct {
	Listen         string
	Server         string
	MaxFrame       uint32
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	IdleTimeout    time.Duration
	LogLevel       string
	MetricsListen  string
}

// Register adds the ship's flags to fs.
func Register(fs *pflag.FlagSet) *Config {
	c := &Config{}
	fs.StringVar(&c.Listen, "listen", envOr("SHIP_LISTEN", ":8080"), "local proxy bind address")
	fs.StringVar(&c.Server, "server", envOr("SHIP_SERVER", ""), "offshore link address (required)")
	fs.Uint32Var(&c.MaxFrame, "max-frame", envOrUint32("SHIP_MAX_FRAME", frame.DefaultMaxPayload), "maximum frame payload in bytes")
	fs.DurationVar(&c.BackoffMin, "backoff-min", envOrDuration("SHIP_BACKOFF_MIN", 250*time.Millisecond), "minimum link reconnect backoff")
	fs.DurationVar(&c.BackoffMax, "backoff-max", envOrDuration("SHIP_BACKOFF_MAX", 4*time.Second), "maximum link reconnect backoff")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", envOrDuration("SHIP_IDLE_TIMEOUT", 0), "per-stream idle timeout (0 disables)")
	fs.StringVar(&c.LogLevel, "log-level", envOr("SHIP_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	fs.StringVar(&c.MetricsListen, "metrics-listen", envOr("SHIP_METRICS_LISTEN", ""), "bind address for /metrics (empty disables)")
	return c
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server == "" {
		return errors.NewValidationError("--server is required")
	}
	if c.MaxFrame == 0 {
		return errors.NewValidationError("--max-frame must be greater than zero")
	}
	if c.BackoffMin <= 0 || c.BackoffMax <= 0 || c.BackoffMin > c.BackoffMax {
		return errors.NewValidationError("--backoff-min must be positive and no greater than --backoff-max")
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
