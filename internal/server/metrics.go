package server

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "go.ocbridge.dev/ocbridge"

	namespace = "ocbridge"

	bridgeSubsystem   = "bridge"
	controlSubsystem  = "control"
	listenerSubsystem = "public_listener"
	sessionSubsystem  = "session"
)

var (
	outcomeKey   = attribute.Key("outcome")
	commandKey   = attribute.Key("command")
	directionKey = attribute.Key("direction")
)

const (
	outcomeControl  = "control"
	outcomeSession  = "session"
	outcomeRejected = "rejected"
	outcomeTimeout  = "timeout"

	directionInbound  = "inbound"
	directionOutbound = "outbound"
)

type metrics struct {
	handshakesTotal     metric.Int64Counter
	controlCommandTotal metric.Int64Counter
	acceptsTotal        metric.Int64Counter
	activeSessions      metric.Int64UpDownCounter
	bytesTotal          metric.Int64Counter
}

func newMetrics(meter metric.Meter, pending func() int) (_ *metrics, err error) {
	var m metrics

	m.handshakesTotal, err = meter.Int64Counter(
		prometheus.BuildFQName(namespace, bridgeSubsystem, "handshakes_total"),
		metric.WithDescription("Total number of handshakes handled by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.controlCommandTotal, err = meter.Int64Counter(
		prometheus.BuildFQName(namespace, controlSubsystem, "commands_total"),
		metric.WithDescription("Total number of control commands received by command"),
	)
	if err != nil {
		return nil, err
	}

	m.acceptsTotal, err = meter.Int64Counter(
		prometheus.BuildFQName(namespace, listenerSubsystem, "accepts_total"),
		metric.WithDescription("Total number of external connections accepted"),
	)
	if err != nil {
		return nil, err
	}

	m.activeSessions, err = meter.Int64UpDownCounter(
		prometheus.BuildFQName(namespace, sessionSubsystem, "active"),
		metric.WithDescription("Number of sessions currently relaying"),
	)
	if err != nil {
		return nil, err
	}

	m.bytesTotal, err = meter.Int64Counter(
		prometheus.BuildFQName(namespace, sessionSubsystem, "bytes_total"),
		metric.WithDescription("Total number of bytes relayed by direction"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		prometheus.BuildFQName(namespace, sessionSubsystem, "pending"),
		metric.WithDescription("Number of external connections waiting to be claimed"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(pending()))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

func (m *metrics) handshake(outcome string) {
	m.handshakesTotal.Add(context.Background(), 1, metric.WithAttributes(outcomeKey.String(outcome)))
}

func (m *metrics) command(name string) {
	m.controlCommandTotal.Add(context.Background(), 1, metric.WithAttributes(commandKey.String(name)))
}

func (m *metrics) relayed(direction string, n int64) {
	m.bytesTotal.Add(context.Background(), n, metric.WithAttributes(directionKey.String(direction)))
}
