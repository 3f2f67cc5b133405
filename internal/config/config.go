// Package config loads the svcctl/svchost YAML configuration.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/BrainStation-23/svcctl/internal/logging"
	"github.com/BrainStation-23/svcctl/internal/service"
)

const (
	DefaultHostName          = "svchost"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatMessage  = "alive"
	DefaultStartWaitHint     = 30 * time.Second
	DefaultStopWaitHint      = 15 * time.Second
)

// Config is the root of svcctl.yaml.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Host      HostConfig       `yaml:"host"`
	Heartbeat HeartbeatConfig  `yaml:"heartbeat"`
	Services  []service.Config `yaml:"services"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	File      string `yaml:"file"`
	AddSource bool   `yaml:"add_source"`
}

// HostConfig configures how svchost registers and runs.
type HostConfig struct {
	Name           string        `yaml:"name"`
	DisplayName    string        `yaml:"display_name"`
	Description    string        `yaml:"description"`
	Debug          bool          `yaml:"debug"`
	MetricsAddress string        `yaml:"metrics_address"`
	StartWaitHint  time.Duration `yaml:"start_wait_hint"`
	StopWaitHint   time.Duration `yaml:"stop_wait_hint"`
	StopOnShutdown bool          `yaml:"stop_on_shutdown"`
}

// HeartbeatConfig configures the sample heartbeat service.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Message  string        `yaml:"message"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path, fills in defaults and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config from %q: %w", path, err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to parse config from %q: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed for %q: %w", path, err)
	}
	return &cfg, nil
}

// Watcher reloads a config file whenever it changes on disk.
type Watcher struct {
	provider *file.File
}

// Watch calls onChange with the reloaded configuration after every write to
// path. A reload that fails validation is passed as an error and the previous
// configuration stays in effect for the caller.
func Watch(path string, onChange func(*Config, error)) (*Watcher, error) {
	provider := file.Provider(path)
	err := provider.Watch(func(_ interface{}, err error) {
		if err != nil {
			onChange(nil, fmt.Errorf("config watch failed: %w", err))
			return
		}
		onChange(Load(path))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to watch config %q: %w", path, err)
	}
	return &Watcher{provider: provider}, nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.provider.Unwatch()
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = string(logging.FormatText)
	}
	if c.Host.Name == "" {
		c.Host.Name = DefaultHostName
	}
	if c.Host.DisplayName == "" {
		c.Host.DisplayName = c.Host.Name
	}
	if c.Host.StartWaitHint == 0 {
		c.Host.StartWaitHint = DefaultStartWaitHint
	}
	if c.Host.StopWaitHint == 0 {
		c.Host.StopWaitHint = DefaultStopWaitHint
	}
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = DefaultHeartbeatInterval
	}
	if c.Heartbeat.Message == "" {
		c.Heartbeat.Message = DefaultHeartbeatMessage
	}
}

// Validate checks field ranges and the service registration entries.
func (c *Config) Validate() error {
	switch logging.Format(c.Log.Format) {
	case logging.FormatJSON, logging.FormatText:
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	if c.Host.StartWaitHint < 0 || c.Host.StopWaitHint < 0 {
		return errors.New("host wait hints must not be negative")
	}
	if c.Heartbeat.Interval < 0 {
		return errors.New("heartbeat.interval must not be negative")
	}

	seen := make(map[string]bool, len(c.Services))
	for i, svc := range c.Services {
		if err := svc.Validate(); err != nil {
			return fmt.Errorf("services[%d]: %w", i, err)
		}
		if seen[svc.Name] {
			return fmt.Errorf("services[%d]: duplicate service name %q", i, svc.Name)
		}
		seen[svc.Name] = true
	}
	return nil
}

// Service returns the registration entry with the given name.
func (c *Config) Service(name string) (service.Config, bool) {
	for _, svc := range c.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return service.Config{}, false
}

// Logging converts the log section into a logging.Config writing to stderr.
func (l LogConfig) Logging() *logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = l.Level
	cfg.Format = logging.Format(l.Format)
	cfg.File = l.File
	cfg.AddSource = l.AddSource
	return cfg
}

// Millis converts a wait hint to the uint32 milliseconds carried in a status record.
func Millis(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(d / time.Millisecond)
}
