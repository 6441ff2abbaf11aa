package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/hoistsched/core/metrics"
	"github.com/kilianp07/hoistsched/infra/monitoring"
	"github.com/kilianp07/hoistsched/infra/mqtt"
)

// EnvPrefix marks environment overrides. HS_SCHEDULER__DECOMPOSE=false sets
// scheduler.decompose.
const EnvPrefix = "HS_"

type Config struct {
	Scheduler SchedulerConfig   `json:"scheduler"`
	Output    OutputConfig      `json:"output"`
	Metrics   metrics.Config    `json:"metrics"`
	MQTT      mqtt.Config       `json:"mqtt"`
	Logging   LoggingConfig     `json:"logging"`
	Sentry    monitoring.Config `json:"sentry"`
}

// Default returns the configuration used for keys absent from the file.
func Default() Config {
	return Config{Scheduler: DefaultScheduler()}
}

// Load reads path, applies HS_ environment overrides, then defaults and
// validation. An empty path loads defaults and the environment only.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		ext := strings.ToLower(filepath.Ext(path))
		var parser koanf.Parser
		switch ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, err
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills empty values.
func (c *Config) SetDefaults() {
	c.Scheduler.SetDefaults()
	c.Output.SetDefaults()
	c.Logging.SetDefaults()
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := c.Output.Validate(); err != nil {
		return fmt.Errorf("output: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt: broker is required when enabled")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt: qos must be 0, 1 or 2")
	}
	if r := c.Sentry.TracesSampleRate; r < 0 || r > 1 {
		return fmt.Errorf("sentry: traces_sample_rate must be within [0,1]")
	}
	return nil
}
