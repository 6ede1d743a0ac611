package sockyard

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricSocketCreatedCount   = []string{"sockyard", "socket", "created", "count"}
	MetricSocketClosedCount    = []string{"sockyard", "socket", "closed", "count"}
	MetricSocketInBytes        = []string{"sockyard", "socket", "in", "bytes"}
	MetricSocketOutBytes       = []string{"sockyard", "socket", "out", "bytes"}
	MetricSocketErrorCount     = []string{"sockyard", "socket", "error", "count"}
	MetricAcceptCount          = []string{"sockyard", "listener", "accept", "count"}
	MetricAcceptErrorCount     = []string{"sockyard", "listener", "accept", "error", "count"}
	MetricEventOverrunCount    = []string{"sockyard", "event", "overrun", "dropped", "count"}
	MetricUDPBufferSizeBytes   = []string{"sockyard", "udp", "buffer", "size", "bytes"}
	MetricTLSUpgradeCount      = []string{"sockyard", "tls", "upgrade", "count"}
	MetricTLSUpgradeErrorCount = []string{"sockyard", "tls", "upgrade", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelHandle   TelemetryLabel = "handle"
	LabelAccepted TelemetryLabel = "accepted"
	LabelKind     TelemetryLabel = "kind"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelAddr     TelemetryLabel = "local_addr"
	LabelGroup    TelemetryLabel = "group"
	LabelDropped  TelemetryLabel = "dropped"
	LabelDuration TelemetryLabel = "duration"
	LabelOwner    TelemetryLabel = "owner"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

func (m *Manager) labels(extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(m.config.metricLabels)+len(extra))
	labels = append(labels, m.config.metricLabels...)
	return append(labels, extra...)
}
