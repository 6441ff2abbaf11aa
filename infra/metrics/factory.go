package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/hoistsched/core/factory"
	coremetrics "github.com/kilianp07/hoistsched/core/metrics"
)

type influxConf struct {
	URL    string            `json:"url"`
	Token  string            `json:"token"`
	Org    string            `json:"org"`
	Bucket string            `json:"bucket"`
	Tags   map[string]string `json:"tags"`
}

func newInfluxFromConf(conf map[string]any) (coremetrics.MetricsSink, error) {
	var c influxConf
	if err := factory.Decode(conf, &c); err != nil {
		return nil, err
	}
	sink := NewInfluxSinkWithFallback(c.URL, c.Token, c.Org, c.Bucket)
	if is, ok := sink.(*InfluxSink); ok && len(c.Tags) > 0 {
		is.SetTags(c.Tags)
	}
	return sink, nil
}

func init() {
	_ = coremetrics.RegisterMetricsSink("nop", func(map[string]any) (coremetrics.MetricsSink, error) {
		return coremetrics.NopSink{}, nil
	})
	_ = coremetrics.RegisterMetricsSink("prometheus", func(map[string]any) (coremetrics.MetricsSink, error) {
		return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
	})
	_ = coremetrics.RegisterMetricsSink("influx", newInfluxFromConf)
}
