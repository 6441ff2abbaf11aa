package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the process-wide log output.
type Options struct {
	Level string
	// File additionally writes JSON lines to a rotated file.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	outMu  sync.RWMutex
	extra  io.Writer
	outLvl string
)

// Configure applies o to every logger created afterwards. The returned closer
// releases the log file.
func Configure(o Options) (io.Closer, error) {
	outMu.Lock()
	defer outMu.Unlock()
	outLvl = o.Level
	extra = nil
	if o.File == "" {
		return noClose{}, nil
	}
	if dir := filepath.Dir(o.File); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	lj := &lumberjack.Logger{
		Filename:   o.File,
		MaxSize:    o.MaxSizeMB,
		MaxBackups: o.MaxBackups,
		MaxAge:     o.MaxAgeDays,
	}
	extra = lj
	return lj, nil
}

type noClose struct{}

func (noClose) Close() error { return nil }

func configured() (io.Writer, string) {
	outMu.RLock()
	defer outMu.RUnlock()
	return extra, outLvl
}
