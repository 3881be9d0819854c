package agent

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chazu/javelin/instrument"
)

// Config is the javelin.toml agent configuration.
type Config struct {
	Selector SelectorConfig `toml:"selector"`
	Report   ReportConfig   `toml:"report"`
	Store    StoreConfig    `toml:"store"`
}

// SelectorConfig names the methods to instrument. Patterns match the
// "class.method" form with * and ? wildcards; exclusion wins over inclusion,
// and an empty include list selects everything not excluded.
type SelectorConfig struct {
	Include []string `toml:"include"`
	Exclude []string `toml:"exclude"`
}

// ReportConfig configures periodic snapshot reporting.
type ReportConfig struct {
	// Interval between snapshots, as a duration string ("30s", "5m").
	Interval string `toml:"interval"`
	// Output path for the latest CBOR report; empty disables file output.
	Output string `toml:"output"`
}

// StoreConfig configures the snapshot history database.
type StoreConfig struct {
	// Path to the SQLite file; empty disables persistence.
	Path string `toml:"path"`
}

// LoadConfig parses a javelin.toml file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	// Defaults
	if c.Report.Interval == "" {
		c.Report.Interval = "30s"
	}
	if _, err := c.ReportInterval(); err != nil {
		return nil, fmt.Errorf("invalid report interval in %s: %w", path, err)
	}
	return &c, nil
}

// DefaultConfig returns the configuration used when no javelin.toml exists:
// instrument everything except the runtime's own classes, report every 30s,
// keep no history.
func DefaultConfig() *Config {
	return &Config{
		Selector: SelectorConfig{
			Exclude: []string{"java/*", "jdk/*", "sun/*", "javelin/*"},
		},
		Report: ReportConfig{Interval: "30s"},
	}
}

// ReportInterval returns the parsed report interval.
func (c *Config) ReportInterval() (time.Duration, error) {
	return time.ParseDuration(c.Report.Interval)
}

// BuildSelector converts the pattern lists into a method selector.
func (c *Config) BuildSelector() instrument.Selector {
	return &instrument.NamePattern{
		Include: c.Selector.Include,
		Exclude: c.Selector.Exclude,
	}
}
