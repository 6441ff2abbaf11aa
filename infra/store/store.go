// Package store accumulates the schedules of decomposed components in solve
// order. Backends are a JSONL file and a SQLite database.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/kilianp07/hoistsched/core/factory"
	"github.com/kilianp07/hoistsched/core/model"
)

// Mode selects what Begin does with the rows of an earlier run of the same
// name.
type Mode string

const (
	// ModeAppend keeps earlier rows. Load returns every component ever
	// appended under the run name.
	ModeAppend Mode = "append"
	// ModeOverwrite drops earlier rows of the run name.
	ModeOverwrite Mode = "overwrite"
)

// Record is one solved component.
type Record struct {
	Run       string         `json:"run"`
	Component int            `json:"component"`
	Time      time.Time      `json:"time"`
	Schedule  model.Schedule `json:"schedule"`
}

// Store persists component schedules. It satisfies scheduler.Accumulator.
type Store interface {
	Begin(ctx context.Context, run string) error
	Append(ctx context.Context, run string, component int, s model.Schedule) error
	// Load concatenates the components of run in append order.
	Load(ctx context.Context, run string) (model.Schedule, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string `json:"backend"`
	Path    string `json:"path"`
	Mode    Mode   `json:"mode"`
}

var backends = factory.NewRegistry[Store]("output backend")

func init() {
	_ = backends.Register("jsonl", func(conf map[string]any) (Store, error) {
		path, mode, err := decodeConf(conf)
		if err != nil {
			return nil, err
		}
		return NewJSONLStore(path, mode)
	})
	_ = backends.Register("sqlite", func(conf map[string]any) (Store, error) {
		path, mode, err := decodeConf(conf)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(path, mode)
	})
}

func decodeConf(conf map[string]any) (string, Mode, error) {
	var c struct {
		Path string `json:"path"`
		Mode Mode   `json:"mode"`
	}
	if err := factory.Decode(conf, &c); err != nil {
		return "", "", err
	}
	return c.Path, c.Mode, nil
}

// Backends lists the registered backend names.
func Backends() []string { return backends.Names() }

// Open returns the backend named by cfg.Backend. An empty backend or path
// disables accumulation and returns nil.
func Open(cfg Config) (Store, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeAppend
	}
	if mode != ModeAppend && mode != ModeOverwrite {
		return nil, fmt.Errorf("unknown output mode %q", cfg.Mode)
	}
	if cfg.Backend == "" || cfg.Path == "" {
		return nil, nil
	}
	s, err := backends.Create(factory.ModuleConfig{
		Type: cfg.Backend,
		Conf: map[string]any{"path": cfg.Path, "mode": string(mode)},
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store %s: %w", cfg.Backend, cfg.Path, err)
	}
	return s, nil
}
