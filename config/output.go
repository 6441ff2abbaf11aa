package config

import (
	"fmt"
	"slices"

	"github.com/kilianp07/hoistsched/infra/store"
)

// OutputConfig selects the component accumulator and the export directory.
type OutputConfig struct {
	// Backend is "jsonl", "sqlite" or empty to disable accumulation.
	Backend string     `json:"backend"`
	Path    string     `json:"path"`
	Mode    store.Mode `json:"mode"`
	// Dir receives the CSV and JSON exports.
	Dir string `json:"dir"`
	// RunName groups accumulated components. Defaults to the run id.
	RunName string `json:"run_name"`
}

// SetDefaults applies sane defaults.
func (c *OutputConfig) SetDefaults() {
	if c.Mode == "" {
		c.Mode = store.ModeAppend
	}
	if c.Dir == "" {
		c.Dir = "out"
	}
	if c.Backend != "" && c.Path == "" {
		switch c.Backend {
		case "jsonl":
			c.Path = "out/components.jsonl"
		case "sqlite":
			c.Path = "out/hoistsched.db"
		}
	}
}

// Validate checks mandatory fields.
func (c OutputConfig) Validate() error {
	if c.Backend != "" && !slices.Contains(store.Backends(), c.Backend) {
		return fmt.Errorf("unknown backend %s", c.Backend)
	}
	if c.Mode != store.ModeAppend && c.Mode != store.ModeOverwrite {
		return fmt.Errorf("unknown mode %s", c.Mode)
	}
	return nil
}

// Store converts the section for store.Open.
func (c OutputConfig) Store() store.Config {
	return store.Config{Backend: c.Backend, Path: c.Path, Mode: c.Mode}
}
