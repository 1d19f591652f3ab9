package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can say "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds relay server configuration.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`  // websocket bind address (e.g. ":9700")
	MetricsAddr string `yaml:"metrics_addr"` // HTTP bind address for /metrics (empty = disabled)

	// AllowedOrigins restricts websocket upgrades by Origin header.
	// Empty means same-host and non-browser clients only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	SendBuffer   int      `yaml:"send_buffer"`   // outbound frames buffered per connection
	AuthTimeout  Duration `yaml:"auth_timeout"`  // deadline for the first (auth) frame
	AuthSkew     Duration `yaml:"auth_skew"`     // accepted credential timestamp drift
	WriteTimeout Duration `yaml:"write_timeout"` // per-frame write deadline
	PingInterval Duration `yaml:"ping_interval"` // keepalive ping cadence
	ReadTimeout  Duration `yaml:"read_timeout"`  // pong-refreshed read deadline
	DrainTimeout Duration `yaml:"drain_timeout"` // bounded drain of in-flight frames on close
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":9700",
		MetricsAddr:  ":9702",
		SendBuffer:   256,
		AuthTimeout:  Duration(10 * time.Second),
		AuthSkew:     Duration(2 * time.Minute),
		WriteTimeout: Duration(10 * time.Second),
		PingInterval: Duration(54 * time.Second),
		ReadTimeout:  Duration(60 * time.Second),
		DrainTimeout: Duration(3 * time.Second),
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr is required")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("config: send_buffer must be positive")
	}
	for _, d := range []Duration{c.AuthTimeout, c.AuthSkew, c.WriteTimeout, c.PingInterval, c.ReadTimeout, c.DrainTimeout} {
		if d <= 0 {
			return fmt.Errorf("config: timeouts must be positive")
		}
	}
	return nil
}
