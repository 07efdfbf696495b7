// Package config loads pose channel settings from HCL or YAML files and
// turns them into transport builders and server options.
//
// An HCL file looks like:
//
//	channel {
//	  url         = "http://localhost:5000"
//	  auth_secret = env.POSECHANNEL_SECRET
//
//	  reconnection {
//	    delay     = "1s"
//	    delay_max = "5s"
//	    attempts  = 5
//	  }
//	}
//
//	server {
//	  listen = ":5000"
//	}
//
// Files ending in .yaml or .yml are read as YAML with the same field names.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultListen is the address the reference server listens on.
const DefaultListen = ":5000"

// File is the top level of a configuration file. Both sections are optional.
type File struct {
	Channel *ChannelConfig `hcl:"channel,block" yaml:"channel"`
	Server  *ServerConfig  `hcl:"server,block" yaml:"server"`
}

// ChannelConfig describes the client side of the channel.
type ChannelConfig struct {
	URL          string            `hcl:"url,optional" yaml:"url"`
	Path         string            `hcl:"path,optional" yaml:"path"`
	ClientID     string            `hcl:"client_id,optional" yaml:"client_id"`
	DialTimeout  string            `hcl:"dial_timeout,optional" yaml:"dial_timeout"`
	WriteTimeout string            `hcl:"write_timeout,optional" yaml:"write_timeout"`
	AuthSecret   string            `hcl:"auth_secret,optional" yaml:"auth_secret"`
	AuthSubject  string            `hcl:"auth_subject,optional" yaml:"auth_subject"`
	Headers      map[string]string `hcl:"headers,optional" yaml:"headers"`

	Reconnection *ReconnectionConfig `hcl:"reconnection,block" yaml:"reconnection"`
}

// ReconnectionConfig overrides the reconnection policy. Unset fields keep
// their defaults.
type ReconnectionConfig struct {
	Enabled             *bool    `hcl:"enabled,optional" yaml:"enabled"`
	Delay               string   `hcl:"delay,optional" yaml:"delay"`
	DelayMax            string   `hcl:"delay_max,optional" yaml:"delay_max"`
	Attempts            *int     `hcl:"attempts,optional" yaml:"attempts"`
	RandomizationFactor *float64 `hcl:"randomization_factor,optional" yaml:"randomization_factor"`
}

// ServerConfig describes the reference pose server.
type ServerConfig struct {
	Listen       string `hcl:"listen,optional" yaml:"listen"`
	AuthSecret   string `hcl:"auth_secret,optional" yaml:"auth_secret"`
	PingInterval string `hcl:"ping_interval,optional" yaml:"ping_interval"`
	ReadLimit    int64  `hcl:"read_limit,optional" yaml:"read_limit"`

	// MaxRate limits pose updates per second on each connection; 0 means
	// unlimited. RateBurst defaults to 1.
	MaxRate   float64 `hcl:"max_rate,optional" yaml:"max_rate"`
	RateBurst int     `hcl:"rate_burst,optional" yaml:"rate_burst"`

	// MetricsPath, when set, exposes Prometheus metrics on that path.
	MetricsPath string `hcl:"metrics_path,optional" yaml:"metrics_path"`
}

// Load reads a configuration file, choosing the format by extension.
func Load(path string) (*File, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(src)
	default:
		return ParseHCL(src, path)
	}
}

// parseDuration parses an optional duration setting, returning zero when
// the setting is empty.
func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", name)
	}

	return d, nil
}
