package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the YAML-backed engine configuration. All durations are
// expressed in milliseconds in the file; accessor methods apply defaults
// and convert to time.Duration.
type Config struct {
	Portal struct {
		BaseURL          string `yaml:"base_url"`
		WSURL            string `yaml:"ws_url"`
		RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	} `yaml:"portal"`
	Chat struct {
		PageSize         int `yaml:"page_size"`
		TypingDebounceMS int `yaml:"typing_debounce_ms"`
		TypingTTLMS      int `yaml:"typing_ttl_ms"`
		TypingSweepMS    int `yaml:"typing_sweep_ms"`
		TypingRate       struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"typing_rate"`
		OpQueueSize int `yaml:"op_queue_size"`
	} `yaml:"chat"`
	Push struct {
		BackoffInitialMS int `yaml:"backoff_initial_ms"`
		BackoffMaxMS     int `yaml:"backoff_max_ms"`
		MaxAttempts      int `yaml:"max_attempts"`
	} `yaml:"push"`
	Resync struct {
		Enabled bool   `yaml:"enabled"`
		Cron    string `yaml:"cron"`
	} `yaml:"resync"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text|json
	} `yaml:"logging"`
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &c, nil
}

func (c *Config) BaseURL() string {
	if c.Portal.BaseURL != "" {
		return c.Portal.BaseURL
	}
	return "http://localhost:8080"
}

func (c *Config) WSURL() string {
	if c.Portal.WSURL != "" {
		return c.Portal.WSURL
	}
	return "ws://localhost:8080/ws"
}

func (c *Config) RequestTimeout() time.Duration {
	if c.Portal.RequestTimeoutMS > 0 {
		return time.Duration(c.Portal.RequestTimeoutMS) * time.Millisecond
	}
	return 10 * time.Second
}

func (c *Config) PageSize() int {
	if c.Chat.PageSize > 0 {
		return c.Chat.PageSize
	}
	return 50
}

func (c *Config) TypingDebounce() time.Duration {
	if c.Chat.TypingDebounceMS > 0 {
		return time.Duration(c.Chat.TypingDebounceMS) * time.Millisecond
	}
	return 3 * time.Second
}

func (c *Config) TypingTTL() time.Duration {
	if c.Chat.TypingTTLMS > 0 {
		return time.Duration(c.Chat.TypingTTLMS) * time.Millisecond
	}
	return 5 * time.Second
}

func (c *Config) TypingSweep() time.Duration {
	if c.Chat.TypingSweepMS > 0 {
		return time.Duration(c.Chat.TypingSweepMS) * time.Millisecond
	}
	return time.Second
}

func (c *Config) TypingRate() (rps float64, burst int) {
	rps = c.Chat.TypingRate.RPS
	if rps <= 0 {
		rps = 1
	}
	burst = c.Chat.TypingRate.Burst
	if burst <= 0 {
		burst = 2
	}
	return rps, burst
}

func (c *Config) OpQueueSize() int {
	if c.Chat.OpQueueSize > 0 {
		return c.Chat.OpQueueSize
	}
	return 1024
}

func (c *Config) BackoffInitial() time.Duration {
	if c.Push.BackoffInitialMS > 0 {
		return time.Duration(c.Push.BackoffInitialMS) * time.Millisecond
	}
	return time.Second
}

func (c *Config) BackoffMax() time.Duration {
	if c.Push.BackoffMaxMS > 0 {
		return time.Duration(c.Push.BackoffMaxMS) * time.Millisecond
	}
	return 5 * time.Second
}

func (c *Config) MaxAttempts() int {
	if c.Push.MaxAttempts > 0 {
		return c.Push.MaxAttempts
	}
	return 5
}

// ResyncCron returns the resync schedule; empty means disabled. The default
// when resync is enabled without an expression is every five minutes.
func (c *Config) ResyncCron() string {
	if !c.Resync.Enabled {
		return ""
	}
	if c.Resync.Cron != "" {
		return c.Resync.Cron
	}
	return "*/5 * * * *"
}
