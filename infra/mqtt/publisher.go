package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kilianp07/hoistsched/core/model"
	"github.com/kilianp07/hoistsched/core/scheduler"
	"github.com/kilianp07/hoistsched/infra/logger"
	"github.com/kilianp07/hoistsched/internal/eventbus"
)

// StatusMessage is the payload of a stage status record.
type StatusMessage struct {
	RunID     string            `json:"run_id"`
	Record    model.StageStatus `json:"record"`
	Makespan  int64             `json:"makespan,omitempty"`
	Final     bool              `json:"final"`
	Timestamp int64             `json:"timestamp"`
}

// Publisher sends status records and conflict reports of scheduling runs.
type Publisher struct {
	cli        pahoClient
	prefix     string
	qos        byte
	maxRetries int
	backoff    time.Duration
	log        logger.Logger
	now        func() time.Time
}

// NewPublisher connects to the broker.
func NewPublisher(cfg Config) (*Publisher, error) {
	log := logger.New("mqtt_publisher")
	c, err := connect(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	p := &Publisher{
		cli:        c,
		prefix:     cfg.Prefix(),
		qos:        cfg.QoS,
		maxRetries: cfg.MaxRetries,
		backoff:    time.Duration(cfg.BackoffMS) * time.Millisecond,
		log:        log,
		now:        time.Now,
	}
	if p.maxRetries <= 0 {
		p.maxRetries = 3
	}
	if p.backoff <= 0 {
		p.backoff = 100 * time.Millisecond
	}
	return p, nil
}

// StatusTopic is the topic of status records of a run.
func (p *Publisher) StatusTopic(runID string) string {
	return fmt.Sprintf("%s/runs/%s/status", p.prefix, runID)
}

// ConflictTopic is the topic of the conflict report of a run.
func (p *Publisher) ConflictTopic(runID string) string {
	return fmt.Sprintf("%s/runs/%s/conflict", p.prefix, runID)
}

// PublishProgress sends one progress event as a status record.
func (p *Publisher) PublishProgress(ev scheduler.Progress) error {
	msg := StatusMessage{
		RunID: ev.RunID, Record: ev.Record, Makespan: ev.Makespan, Final: ev.Final,
		Timestamp: p.now().UnixMilli(),
	}
	return p.publishJSON(p.StatusTopic(ev.RunID), false, msg)
}

// PublishConflict sends the conflict report of a failed run. Reports are
// retained so late subscribers see the last failure.
func (p *Publisher) PublishConflict(r scheduler.ConflictReport) error {
	return p.publishJSON(p.ConflictTopic(r.RunID), true, r)
}

// Forward publishes every progress event of bus until ctx is done or the
// bus is closed.
func (p *Publisher) Forward(ctx context.Context, bus *eventbus.Bus[scheduler.Progress]) func() {
	return bus.Forward(ctx, func(ev scheduler.Progress) {
		if err := p.PublishProgress(ev); err != nil {
			p.log.Errorf("publish progress: %v", err)
		}
	})
}

func (p *Publisher) publishJSON(topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var publishErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		token := p.cli.Publish(topic, p.qos, retained, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			p.log.Debugf("published %d bytes to %s", len(payload), topic)
			return nil
		}
		p.log.Errorf("publish attempt %d failed: %v", attempt+1, publishErr)
		time.Sleep(p.backoff * time.Duration(1<<attempt))
	}
	return publishErr
}

// Disconnect gracefully closes the MQTT connection.
func (p *Publisher) Disconnect() {
	if p.cli != nil && p.cli.IsConnected() {
		p.cli.Disconnect(250)
	}
}
