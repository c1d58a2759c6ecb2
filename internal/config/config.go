package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds process-level settings. Values come from defaults, then an
// optional YAML file, then SHOWDOWN_* environment variables, strongest
// last.
type Config struct {
	Port     string `yaml:"port"`
	MaxConns int    `yaml:"max_conns"`

	NATSURL      string `yaml:"nats_url"`
	RelayEnabled bool   `yaml:"relay_enabled"`

	CountdownStart int `yaml:"countdown_start"`
	TriggerMinMs   int `yaml:"trigger_min_ms"`
	TriggerMaxMs   int `yaml:"trigger_max_ms"`
	DuelBoundSec   int `yaml:"duel_bound_sec"`
	GraceSec       int `yaml:"grace_sec"`

	ParticipantTTLSec int `yaml:"participant_ttl_sec"`
	SweepIntervalSec  int `yaml:"sweep_interval_sec"`
}

// Defaults mirror the original game server's constants.
func defaults() Config {
	return Config{
		Port:              "8080",
		MaxConns:          1024,
		NATSURL:           "nats://localhost:4222",
		RelayEnabled:      false,
		CountdownStart:    3,
		TriggerMinMs:      1000,
		TriggerMaxMs:      5000,
		DuelBoundSec:      10,
		GraceSec:          15,
		ParticipantTTLSec: 300,
		SweepIntervalSec:  5,
	}
}

// Load reads configuration. path may be empty or point at a YAML file; a
// missing file at the default location is not an error.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.Port = getEnv("SHOWDOWN_PORT", cfg.Port)
	cfg.MaxConns = getEnvInt("SHOWDOWN_MAX_CONNS", cfg.MaxConns)
	cfg.NATSURL = getEnv("SHOWDOWN_NATS_URL", cfg.NATSURL)
	cfg.RelayEnabled = getEnvBool("SHOWDOWN_RELAY_ENABLED", cfg.RelayEnabled)
	cfg.CountdownStart = getEnvInt("SHOWDOWN_COUNTDOWN_START", cfg.CountdownStart)
	cfg.TriggerMinMs = getEnvInt("SHOWDOWN_TRIGGER_MIN_MS", cfg.TriggerMinMs)
	cfg.TriggerMaxMs = getEnvInt("SHOWDOWN_TRIGGER_MAX_MS", cfg.TriggerMaxMs)
	cfg.DuelBoundSec = getEnvInt("SHOWDOWN_DUEL_BOUND_SEC", cfg.DuelBoundSec)
	cfg.GraceSec = getEnvInt("SHOWDOWN_GRACE_SEC", cfg.GraceSec)
	cfg.ParticipantTTLSec = getEnvInt("SHOWDOWN_PARTICIPANT_TTL_SEC", cfg.ParticipantTTLSec)
	cfg.SweepIntervalSec = getEnvInt("SHOWDOWN_SWEEP_INTERVAL_SEC", cfg.SweepIntervalSec)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.TriggerMinMs <= 0 || c.TriggerMaxMs < c.TriggerMinMs {
		return fmt.Errorf("invalid trigger interval [%d, %d] ms", c.TriggerMinMs, c.TriggerMaxMs)
	}
	if c.CountdownStart < 0 {
		return fmt.Errorf("invalid countdown start %d", c.CountdownStart)
	}
	if c.DuelBoundSec <= 0 || c.GraceSec <= 0 {
		return fmt.Errorf("duel bound and grace must be positive")
	}
	return nil
}

// TriggerMin returns the lower bound of the randomized trigger delay.
func (c Config) TriggerMin() time.Duration {
	return time.Duration(c.TriggerMinMs) * time.Millisecond
}

// TriggerMax returns the upper bound of the randomized trigger delay.
func (c Config) TriggerMax() time.Duration {
	return time.Duration(c.TriggerMaxMs) * time.Millisecond
}

// DuelBound returns the bounded dueling window.
func (c Config) DuelBound() time.Duration {
	return time.Duration(c.DuelBoundSec) * time.Second
}

// Grace returns the post-resolution grace period.
func (c Config) Grace() time.Duration {
	return time.Duration(c.GraceSec) * time.Second
}

// ParticipantTTL returns the idle participant lifetime.
func (c Config) ParticipantTTL() time.Duration {
	return time.Duration(c.ParticipantTTLSec) * time.Second
}

// SweepInterval returns the directory sweep cadence.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
