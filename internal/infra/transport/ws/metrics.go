package ws

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/reactor/internal/infra/telemetry"
)

type connectionMetrics struct {
	endpoint string

	dials        metric.Int64Counter
	framesIn     metric.Int64Counter
	framesOut    metric.Int64Counter
	decodeErrors metric.Int64Counter
	frameBytes   metric.Int64Histogram
	pingLatency  metric.Float64Histogram
	connected    metric.Int64UpDownCounter
	stateChanges metric.Int64Counter
}

func newConnectionMetrics(endpoint string) *connectionMetrics {
	meter := otel.Meter("transport.ws")
	m := &connectionMetrics{endpoint: endpoint}
	m.dials, _ = meter.Int64Counter("reactor.transport.dials",
		metric.WithDescription("Websocket dial attempts"),
		metric.WithUnit("{attempt}"))
	m.framesIn, _ = meter.Int64Counter("reactor.transport.frames.received",
		metric.WithDescription("Inbound websocket frames"),
		metric.WithUnit("{frame}"))
	m.framesOut, _ = meter.Int64Counter("reactor.transport.frames.sent",
		metric.WithDescription("Outbound websocket frames"),
		metric.WithUnit("{frame}"))
	m.decodeErrors, _ = meter.Int64Counter("reactor.transport.decode.errors",
		metric.WithDescription("Inbound frames that could not be decoded"),
		metric.WithUnit("{frame}"))
	m.frameBytes, _ = meter.Int64Histogram("reactor.transport.frame.size",
		metric.WithDescription("Inbound frame payload size"),
		metric.WithUnit("By"))
	m.pingLatency, _ = meter.Float64Histogram("reactor.transport.ping.latency",
		metric.WithDescription("Websocket ping round trip"),
		metric.WithUnit("ms"))
	m.connected, _ = meter.Int64UpDownCounter("reactor.transport.connected",
		metric.WithDescription("Endpoints with an established connection"),
		metric.WithUnit("{connection}"))
	m.stateChanges, _ = meter.Int64Counter("reactor.transport.state.changes",
		metric.WithDescription("Connection up and down transitions"),
		metric.WithUnit("{transition}"))
	return m
}

func (m *connectionMetrics) attrs(extra ...attribute.KeyValue) metric.MeasurementOption {
	base := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrEndpoint.String(m.endpoint),
	}
	return metric.WithAttributes(append(base, extra...)...)
}

func (m *connectionMetrics) dial(ctx context.Context, result string) {
	if m == nil || m.dials == nil {
		return
	}
	m.dials.Add(ctx, 1, m.attrs(telemetry.AttrOperation.String("dial"), telemetry.AttrResult.String(result)))
}

func (m *connectionMetrics) received(ctx context.Context, size int) {
	if m == nil {
		return
	}
	if m.framesIn != nil {
		m.framesIn.Add(ctx, 1, m.attrs())
	}
	if m.frameBytes != nil {
		m.frameBytes.Record(ctx, int64(size), m.attrs())
	}
}

func (m *connectionMetrics) sent(ctx context.Context) {
	if m == nil || m.framesOut == nil {
		return
	}
	m.framesOut.Add(ctx, 1, m.attrs())
}

func (m *connectionMetrics) decodeError(ctx context.Context) {
	if m == nil || m.decodeErrors == nil {
		return
	}
	m.decodeErrors.Add(ctx, 1, m.attrs())
}

func (m *connectionMetrics) ping(ctx context.Context, ms float64, result string) {
	if m == nil || m.pingLatency == nil {
		return
	}
	m.pingLatency.Record(ctx, ms, m.attrs(telemetry.AttrResult.String(result)))
}

func (m *connectionMetrics) state(ctx context.Context, up bool) {
	if m == nil {
		return
	}
	delta, state := int64(-1), string(StateDown)
	if up {
		delta, state = 1, string(StateUp)
	}
	if m.connected != nil {
		m.connected.Add(ctx, delta, m.attrs())
	}
	if m.stateChanges != nil {
		m.stateChanges.Add(ctx, 1, metric.WithAttributes(
			telemetry.ConnectionAttributes(telemetry.Environment(), m.endpoint, state)...))
	}
}
