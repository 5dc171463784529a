package reactor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/reactor/internal/infra/telemetry"
)

type routerMetrics struct {
	eventsSubmitted    metric.Int64Counter
	eventsDispatched   metric.Int64Counter
	eventsDropped      metric.Int64Counter
	eventsDuplicate    metric.Int64Counter
	eventsUnroutable   metric.Int64Counter
	handlerFailures    metric.Int64Counter
	handlerDuration    metric.Float64Histogram
	queueWait          metric.Float64Histogram
	sessionsActive     metric.Int64UpDownCounter
	sessionTransitions metric.Int64Counter
}

func newRouterMetrics(router *Router) *routerMetrics {
	meter := otel.Meter("reactor")
	m := new(routerMetrics)
	m.eventsSubmitted, _ = meter.Int64Counter("reactor.events.submitted",
		metric.WithDescription("Number of events accepted into the dispatch queue"),
		metric.WithUnit("{event}"))
	m.eventsDispatched, _ = meter.Int64Counter("reactor.events.dispatched",
		metric.WithDescription("Number of events delivered to a handler"),
		metric.WithUnit("{event}"))
	m.eventsDropped, _ = meter.Int64Counter("reactor.events.dropped",
		metric.WithDescription("Number of events dropped before dispatch"),
		metric.WithUnit("{event}"))
	m.eventsDuplicate, _ = meter.Int64Counter("reactor.events.duplicate",
		metric.WithDescription("Number of duplicate events detected"),
		metric.WithUnit("{event}"))
	m.eventsUnroutable, _ = meter.Int64Counter("reactor.events.unroutable",
		metric.WithDescription("Number of events with no bound handler"),
		metric.WithUnit("{event}"))
	m.handlerFailures, _ = meter.Int64Counter("reactor.handler.failures",
		metric.WithDescription("Number of handler invocations that reported failure"),
		metric.WithUnit("{event}"))
	m.handlerDuration, _ = meter.Float64Histogram("reactor.handler.duration",
		metric.WithDescription("Callback handler invocation duration"),
		metric.WithUnit("ms"))
	m.queueWait, _ = meter.Float64Histogram("reactor.queue.wait",
		metric.WithDescription("Time an event waited in the dispatch queue"),
		metric.WithUnit("ms"))
	m.sessionsActive, _ = meter.Int64UpDownCounter("reactor.sessions.open",
		metric.WithDescription("Number of sessions that are not closed"),
		metric.WithUnit("{session}"))
	m.sessionTransitions, _ = meter.Int64Counter("reactor.sessions.transitions",
		metric.WithDescription("Number of session state transitions"),
		metric.WithUnit("{transition}"))
	_, _ = meter.Int64ObservableGauge("reactor.registry.version",
		metric.WithDescription("Current callback registry version counter"),
		metric.WithUnit("{version}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			if router.registry != nil {
				observer.Observe(router.registry.Version())
			}
			return nil
		}))
	_, _ = meter.Int64ObservableGauge("reactor.queue.depth",
		metric.WithDescription("Events waiting in the dispatch queue"),
		metric.WithUnit("{event}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(len(router.queue)))
			return nil
		}))
	return m
}

func (m *routerMetrics) dropped(ctx context.Context, role, kind, reason string) {
	if m == nil || m.eventsDropped == nil {
		return
	}
	attrs := telemetry.DispatchAttributes(telemetry.Environment(), role, kind, "")
	attrs = append(attrs, telemetry.AttrReason.String(reason))
	m.eventsDropped.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *routerMetrics) duplicate(ctx context.Context, role, kind string) {
	if m == nil || m.eventsDuplicate == nil {
		return
	}
	m.eventsDuplicate.Add(ctx, 1, metric.WithAttributes(
		telemetry.DispatchAttributes(telemetry.Environment(), role, kind, "")...))
}

func (m *routerMetrics) submitted(ctx context.Context, role, kind string) {
	if m == nil || m.eventsSubmitted == nil {
		return
	}
	m.eventsSubmitted.Add(ctx, 1, metric.WithAttributes(
		telemetry.DispatchAttributes(telemetry.Environment(), role, kind, "")...))
}

func (m *routerMetrics) unroutable(ctx context.Context, role, kind, capability string) {
	if m == nil || m.eventsUnroutable == nil {
		return
	}
	m.eventsUnroutable.Add(ctx, 1, metric.WithAttributes(
		telemetry.DispatchAttributes(telemetry.Environment(), role, kind, capability)...))
}

func (m *routerMetrics) dispatched(ctx context.Context, role, kind, capability, disposition string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := telemetry.DispatchAttributes(telemetry.Environment(), role, kind, capability)
	if m.eventsDispatched != nil {
		m.eventsDispatched.Add(ctx, 1, metric.WithAttributes(append(attrs, telemetry.AttrDisposition.String(disposition))...))
	}
	if m.handlerDuration != nil {
		m.handlerDuration.Record(ctx, durationMs, metric.WithAttributes(attrs...))
	}
}

func (m *routerMetrics) failed(ctx context.Context, role, kind, capability, disposition string) {
	if m == nil || m.handlerFailures == nil {
		return
	}
	attrs := telemetry.DispatchAttributes(telemetry.Environment(), role, kind, capability)
	m.handlerFailures.Add(ctx, 1, metric.WithAttributes(append(attrs, telemetry.AttrDisposition.String(disposition))...))
}

func (m *routerMetrics) waited(ctx context.Context, role string, waitMs float64) {
	if m == nil || m.queueWait == nil {
		return
	}
	m.queueWait.Record(ctx, waitMs, metric.WithAttributes(
		telemetry.SessionAttributes(telemetry.Environment(), role, "")...))
}

func (m *routerMetrics) transitioned(ctx context.Context, role, state string, delta int64) {
	if m == nil {
		return
	}
	attrs := telemetry.SessionAttributes(telemetry.Environment(), role, state)
	if m.sessionTransitions != nil {
		m.sessionTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if delta != 0 && m.sessionsActive != nil {
		m.sessionsActive.Add(ctx, delta, metric.WithAttributes(
			telemetry.SessionAttributes(telemetry.Environment(), role, "")...))
	}
}
