// Package telemetry holds the reactor's metric attribute vocabulary and the OTLP
// meter provider wiring.
package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared by every reactor instrument.
const (
	AttrEnvironment = attribute.Key("environment")

	// Sessions and dispatch.
	AttrRole         = attribute.Key("session.role")
	AttrSessionState = attribute.Key("session.state")
	AttrEventKind    = attribute.Key("event.kind")
	AttrCapability   = attribute.Key("capability")
	AttrDisposition  = attribute.Key("disposition")
	AttrReason       = attribute.Key("reason")

	// Infrastructure operations such as journal writes and migrations.
	AttrOperation = attribute.Key("operation")
	AttrResult    = attribute.Key("result")

	// Websocket transport.
	AttrEndpoint        = attribute.Key("transport.endpoint")
	AttrConnectionState = attribute.Key("connection.state")
)

// Values of AttrResult.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// labels starts an attribute list with the environment label and room for extra.
func labels(env string, extra int) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 1, 1+extra)
	out[0] = AttrEnvironment.String(env)
	return out
}

// DispatchAttributes labels per-event router metrics. capability is omitted when the
// event never resolved to one.
func DispatchAttributes(env, role, kind, capability string) []attribute.KeyValue {
	out := append(labels(env, 3), AttrRole.String(role), AttrEventKind.String(kind))
	if capability != "" {
		out = append(out, AttrCapability.String(capability))
	}
	return out
}

// SessionAttributes labels session lifecycle metrics; state is optional.
func SessionAttributes(env, role, state string) []attribute.KeyValue {
	out := append(labels(env, 2), AttrRole.String(role))
	if state != "" {
		out = append(out, AttrSessionState.String(state))
	}
	return out
}

// ConnectionAttributes labels transport connection state changes.
func ConnectionAttributes(env, endpoint, state string) []attribute.KeyValue {
	return append(labels(env, 2), AttrEndpoint.String(endpoint), AttrConnectionState.String(state))
}

// OperationResultAttributes labels an infrastructure operation with its outcome.
func OperationResultAttributes(env, operation, result string) []attribute.KeyValue {
	return append(labels(env, 2), AttrOperation.String(operation), AttrResult.String(result))
}
