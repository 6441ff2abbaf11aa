// Package monitoring defines the error reporting hook used for failed
// scheduling runs.
package monitoring

import (
	"sync"
	"time"
)

// Monitor receives errors with identifying tags.
type Monitor interface {
	CaptureException(err error, tags map[string]string)
	Flush(timeout time.Duration)
}

type NopMonitor struct{}

func (NopMonitor) CaptureException(error, map[string]string) {}
func (NopMonitor) Flush(time.Duration)                       {}

// Capture is a captured error.
type Capture struct {
	Err  error
	Tags map[string]string
}

// Recorder keeps every captured error in memory.
type Recorder struct {
	mu       sync.Mutex
	captures []Capture
}

func (r *Recorder) CaptureException(err error, tags map[string]string) {
	if err == nil {
		return
	}
	cp := make(map[string]string, len(tags))
	for k, v := range tags {
		cp[k] = v
	}
	r.mu.Lock()
	r.captures = append(r.captures, Capture{Err: err, Tags: cp})
	r.mu.Unlock()
}

func (r *Recorder) Flush(time.Duration) {}

// Captures returns a copy of the captured errors.
func (r *Recorder) Captures() []Capture {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Capture(nil), r.captures...)
}
