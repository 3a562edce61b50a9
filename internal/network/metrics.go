package network

import (
	"github.com/hashicorp/go-metrics"
)

var (
	MetricConnAccepted = []string{"peermesh", "conn", "accepted"}
	MetricConnClosed   = []string{"peermesh", "conn", "closed"}
	MetricBytesIn      = []string{"peermesh", "conn", "bytes", "in"}
	MetricBytesOut     = []string{"peermesh", "conn", "bytes", "out"}
	MetricDial         = []string{"peermesh", "conn", "dial"}
)

type TelemetryLabel string

var (
	LabelRole   TelemetryLabel = "role"
	LabelResult TelemetryLabel = "result"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (m *mux) incr(key []string, val float32, extra ...metrics.Label) {
	labels := make([]metrics.Label, 0, len(m.labels)+len(extra)+1)
	labels = append(labels, m.labels...)
	labels = append(labels, LabelRole.M(string(m.role)))
	labels = append(labels, extra...)
	m.msink.IncrCounterWithLabels(key, val, labels)
}

func sinkOrDefault(sink metrics.MetricSink) metrics.MetricSink {
	if sink == nil {
		return &metrics.BlackholeSink{}
	}
	return sink
}
