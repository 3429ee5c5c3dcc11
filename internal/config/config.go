// Package config loads the service's YAML configuration with environment
// variable expansion, matching the reference stack's config-loading idiom.
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration object.
type Config struct {
	Host string `yaml:"Host"`
	Port int    `yaml:"Port"`

	Auth struct {
		// BearerSecret is either a static shared-secret bearer token (simple
		// deployments) or the HMAC signing key for jwt-v5 tokens, depending
		// on BearerMode.
		BearerMode   string `yaml:"BearerMode"` // "static" or "jwt"
		BearerSecret string `yaml:"BearerSecret"`
	} `yaml:"Auth"`

	Scheduler struct {
		MaxConcurrent        int   `yaml:"MaxConcurrent"`
		DefaultIdleTimeoutMs int64 `yaml:"DefaultIdleTimeoutMs"`
		DefaultMaxToolCalls  int   `yaml:"DefaultMaxToolCalls"`
		DefaultMaxSteps      int   `yaml:"DefaultMaxSteps"`
		InjectionTruncate    int   `yaml:"InjectionTruncate"`
		RedoResultTruncate   int   `yaml:"RedoResultTruncate"`
	} `yaml:"Scheduler"`

	Progress struct {
		IntervalMs int64 `yaml:"IntervalMs"`
	} `yaml:"Progress"`

	KeepAlive struct {
		SandboxMs int64 `yaml:"SandboxMs"`
		AgentMs   int64 `yaml:"AgentMs"`
	} `yaml:"KeepAlive"`

	Retention struct {
		SweepEnabled  string `yaml:"SweepEnabled"`
		SweepCronSpec string `yaml:"SweepCronSpec"`
		MaxAgeHours   int    `yaml:"MaxAgeHours"`
	} `yaml:"Retention"`
}

// LoadFromBytes loads configuration from YAML bytes, expanding ${VAR}
// environment references before parsing, and applies defaults to any
// unset field.
func LoadFromBytes(data []byte) (Config, error) {
	var c Config
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	return c, nil
}

// Load reads and parses the YAML configuration file at path. A missing file
// is not an error: defaults are applied to a zero-value Config instead, so a
// fresh checkout runs with sane behavior out of the box.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			var c Config
			applyDefaults(&c)
			return c, nil
		}
		return Config{}, err
	}
	return LoadFromBytes(data)
}

// applyDefaults fills in the §6.5 scheduler/progress/keep-alive defaults.
func applyDefaults(c *Config) {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Auth.BearerMode == "" {
		c.Auth.BearerMode = "static"
	}
	if c.Scheduler.MaxConcurrent == 0 {
		c.Scheduler.MaxConcurrent = 5
	}
	if c.Scheduler.DefaultIdleTimeoutMs == 0 {
		c.Scheduler.DefaultIdleTimeoutMs = 120_000
	}
	if c.Scheduler.DefaultMaxToolCalls == 0 {
		c.Scheduler.DefaultMaxToolCalls = 200
	}
	if c.Scheduler.DefaultMaxSteps == 0 {
		c.Scheduler.DefaultMaxSteps = 50
	}
	if c.Scheduler.InjectionTruncate == 0 {
		c.Scheduler.InjectionTruncate = 4000
	}
	if c.Scheduler.RedoResultTruncate == 0 {
		c.Scheduler.RedoResultTruncate = 2000
	}
	if c.Progress.IntervalMs == 0 {
		c.Progress.IntervalMs = 15_000
	}
	if c.KeepAlive.SandboxMs == 0 {
		c.KeepAlive.SandboxMs = 1_800_000
	}
	if c.KeepAlive.AgentMs == 0 {
		c.KeepAlive.AgentMs = 1_800_000
	}
	if c.Retention.SweepEnabled == "" {
		c.Retention.SweepEnabled = "false"
	}
	if c.Retention.MaxAgeHours == 0 {
		c.Retention.MaxAgeHours = 168
	}
}

// parseBool parses a string as boolean with a default value.
// Accepts "true", "1", "yes" (case-insensitive) as true.
func parseBool(s string, defaultVal bool) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return defaultVal
	}
	return s == "true" || s == "1" || s == "yes"
}

func (c Config) IsRetentionSweepEnabled() bool {
	return parseBool(c.Retention.SweepEnabled, false)
}

func (c Config) IdleTimeoutDefault() time.Duration {
	return time.Duration(c.Scheduler.DefaultIdleTimeoutMs) * time.Millisecond
}

func (c Config) ProgressInterval() time.Duration {
	return time.Duration(c.Progress.IntervalMs) * time.Millisecond
}

func (c Config) SandboxKeepAlive() time.Duration {
	return time.Duration(c.KeepAlive.SandboxMs) * time.Millisecond
}

func (c Config) AgentKeepAlive() time.Duration {
	return time.Duration(c.KeepAlive.AgentMs) * time.Millisecond
}

func (c Config) RetentionMaxAge() time.Duration {
	return time.Duration(c.Retention.MaxAgeHours) * time.Hour
}
