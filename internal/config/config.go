// Package config handles homesim configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Supported MQTT protocol versions for [BrokerConfig.Protocol].
const (
	ProtocolV311 = "3.1.1"
	ProtocolV5   = "5"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/homesim/config.yaml, /etc/homesim/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "homesim", "config.yaml"))
	}

	paths = append(paths, "/etc/homesim/config.yaml")
	return paths
}

// ErrNotFound is returned by [FindConfig] when no explicit path was
// given and none of the default locations hold a config file.
var ErrNotFound = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error wrapping [ErrNotFound].
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNotFound, DefaultSearchPaths())
}

// Config holds all homesim configuration.
type Config struct {
	Broker     BrokerConfig     `yaml:"broker"`
	Topics     TopicsConfig     `yaml:"topics"`
	Sensors    SensorsConfig    `yaml:"sensors"`
	Controller ControllerConfig `yaml:"controller"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text (default) or json
}

// BrokerConfig defines the MQTT broker connection shared by every role.
type BrokerConfig struct {
	URL               string `yaml:"url"`      // e.g. tcp://localhost:1883, mqtts://broker:8883
	Protocol          string `yaml:"protocol"` // "3.1.1" (default) or "5"
	ClientPrefix      string `yaml:"client_prefix"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	KeepAliveSec      int    `yaml:"keep_alive_sec"`
	CleanSession      bool   `yaml:"clean_session"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
}

// TopicsConfig names the topics the simulation publishes to.
type TopicsConfig struct {
	Temperature        string `yaml:"temperature"`
	Motion             string `yaml:"motion"`
	Light              string `yaml:"light"`
	AvailabilityPrefix string `yaml:"availability_prefix"`
}

// SensorsConfig groups the synthetic sensor settings.
type SensorsConfig struct {
	Temperature TemperatureConfig `yaml:"temperature"`
	Motion      MotionConfig      `yaml:"motion"`
}

// TemperatureConfig configures the temperature sensor. Readings are
// drawn uniformly from [Min, Max] and rounded to Precision decimals.
type TemperatureConfig struct {
	Enabled     bool    `yaml:"enabled"`
	IntervalSec int     `yaml:"interval_sec"`
	Min         float64 `yaml:"min"`
	Max         float64 `yaml:"max"`
	Precision   int     `yaml:"precision"`
}

// MotionConfig configures the motion sensor. Probability is the chance
// that any single reading reports motion.
type MotionConfig struct {
	Enabled     bool    `yaml:"enabled"`
	IntervalSec int     `yaml:"interval_sec"`
	Probability float64 `yaml:"probability"`
}

// ControllerConfig configures the light controller.
type ControllerConfig struct {
	Enabled bool `yaml:"enabled"`
	// Retain publishes the light state as a retained message so late
	// subscribers see the current state immediately.
	Retain bool `yaml:"retain"`
}

// DashboardConfig configures the web dashboard.
type DashboardConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Address          string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port             int    `yaml:"port"`
	RefreshMS        int    `yaml:"refresh_ms"`
	HistorySize      int    `yaml:"history_size"`
	HistoryMaxAgeMin int    `yaml:"history_max_age_min"`
	// Persist stores last-known values in data_dir so a restarted
	// dashboard does not start from zero.
	Persist         bool `yaml:"persist"`
	RateLimitPerSec int  `yaml:"rate_limit_per_sec"`
}

// Configured reports whether a broker URL has been set.
func (b BrokerConfig) Configured() bool {
	return b.URL != ""
}

// Default returns a default configuration matching the classic
// single-host setup: a local broker and every role enabled.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:               "tcp://localhost:1883",
			Protocol:          ProtocolV311,
			ClientPrefix:      "homesim",
			KeepAliveSec:      60,
			CleanSession:      true,
			ConnectTimeoutSec: 30,
		},
		Topics: TopicsConfig{
			Temperature:        "home/temperature",
			Motion:             "home/motion",
			Light:              "home/light",
			AvailabilityPrefix: "homesim",
		},
		Sensors: SensorsConfig{
			Temperature: TemperatureConfig{
				Enabled:     true,
				IntervalSec: 5,
				Min:         20.0,
				Max:         25.0,
				Precision:   2,
			},
			Motion: MotionConfig{
				Enabled:     true,
				IntervalSec: 5,
				Probability: 0.5,
			},
		},
		Controller: ControllerConfig{
			Enabled: true,
			Retain:  true,
		},
		Dashboard: DashboardConfig{
			Enabled:          true,
			Port:             8080,
			RefreshMS:        1000,
			HistorySize:      50,
			HistoryMaxAgeMin: 30,
			Persist:          true,
			RateLimitPerSec:  100,
		},
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads configuration from a YAML file. Values in the file are
// layered over [Default], so a config only needs to name what differs.
// Environment variables in the form ${VAR} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.DataDir = expandHome(cfg.DataDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Validate checks the configuration for values that would make a role
// misbehave at runtime. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	switch c.Broker.Protocol {
	case ProtocolV311, ProtocolV5:
	default:
		errs = append(errs, fmt.Errorf("broker.protocol %q is not supported (valid: %s, %s)",
			c.Broker.Protocol, ProtocolV311, ProtocolV5))
	}
	if !c.Broker.Configured() {
		errs = append(errs, errors.New("broker.url is required"))
	}
	if c.Broker.KeepAliveSec <= 0 || c.Broker.KeepAliveSec > 65535 {
		errs = append(errs, fmt.Errorf("broker.keep_alive_sec must be 1..65535, got %d", c.Broker.KeepAliveSec))
	}
	if c.Broker.ConnectTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("broker.connect_timeout_sec must be positive, got %d", c.Broker.ConnectTimeoutSec))
	}

	for name, topic := range map[string]string{
		"topics.temperature": c.Topics.Temperature,
		"topics.motion":      c.Topics.Motion,
		"topics.light":       c.Topics.Light,
	} {
		if strings.TrimSpace(topic) == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", name))
		} else if strings.ContainsAny(topic, "+#") {
			errs = append(errs, fmt.Errorf("%s must not contain wildcards: %q", name, topic))
		}
	}
	topics := []struct{ name, topic string }{
		{"topics.temperature", c.Topics.Temperature},
		{"topics.motion", c.Topics.Motion},
		{"topics.light", c.Topics.Light},
	}
	for i, a := range topics {
		for _, b := range topics[i+1:] {
			if a.topic != "" && a.topic == b.topic {
				errs = append(errs, fmt.Errorf("%s and %s must differ (both %q)", a.name, b.name, a.topic))
			}
		}
	}

	t := c.Sensors.Temperature
	if t.IntervalSec <= 0 {
		errs = append(errs, fmt.Errorf("sensors.temperature.interval_sec must be positive, got %d", t.IntervalSec))
	}
	if t.Min > t.Max {
		errs = append(errs, fmt.Errorf("sensors.temperature.min (%g) exceeds max (%g)", t.Min, t.Max))
	}
	if t.Precision < 0 || t.Precision > 6 {
		errs = append(errs, fmt.Errorf("sensors.temperature.precision must be 0..6, got %d", t.Precision))
	}

	m := c.Sensors.Motion
	if m.IntervalSec <= 0 {
		errs = append(errs, fmt.Errorf("sensors.motion.interval_sec must be positive, got %d", m.IntervalSec))
	}
	if m.Probability < 0 || m.Probability > 1 {
		errs = append(errs, fmt.Errorf("sensors.motion.probability must be within [0, 1], got %g", m.Probability))
	}

	d := c.Dashboard
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Errorf("dashboard.port must be 1..65535, got %d", d.Port))
	}
	if d.RefreshMS <= 0 {
		errs = append(errs, fmt.Errorf("dashboard.refresh_ms must be positive, got %d", d.RefreshMS))
	}
	if d.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("dashboard.history_size must not be negative, got %d", d.HistorySize))
	}
	if d.RateLimitPerSec < 0 {
		errs = append(errs, fmt.Errorf("dashboard.rate_limit_per_sec must not be negative, got %d", d.RateLimitPerSec))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
