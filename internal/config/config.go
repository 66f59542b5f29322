package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk configuration (config.toml in the data dir).
// Interval and margin fields use plain integers so hand-edited files stay
// simple.
type Config struct {
	SelfUserID int64 `toml:"self_user_id"`

	PollIntervalSecs      int `toml:"poll_interval_secs"`
	PageSize              int `toml:"page_size"`
	RequestTimeoutSecs    int `toml:"request_timeout_secs"`
	DedupSafetyMarginSecs int `toml:"dedup_safety_margin_secs"`
	// LegacySendDelayMs spaces consecutive sends to legacy threads, whose
	// ordering tie-breaks on coarse timestamps. Set to 0 only against a
	// server confirmed to order by sequence id.
	LegacySendDelayMs int `toml:"legacy_send_delay_ms"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		PollIntervalSecs:      10,
		PageSize:              50,
		RequestTimeoutSecs:    30,
		DedupSafetyMarginSecs: 10,
		LegacySendDelayMs:     1000,
	}
}

// Load reads config from the given path, applying defaults for fields the
// file omits. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

func (c *Config) DedupSafetyMargin() time.Duration {
	return time.Duration(c.DedupSafetyMarginSecs) * time.Second
}

func (c *Config) LegacySendDelay() time.Duration {
	return time.Duration(c.LegacySendDelayMs) * time.Millisecond
}
