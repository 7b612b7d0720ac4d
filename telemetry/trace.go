package telemetry

import (
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/najoast/filament/abi"
)

// MintTrace creates a fresh W3C trace context for a host-originated
// inbound event (timer fire, I/O reply). Trace ids are random and never
// observable by Logic modules, so determinism is unaffected.
func MintTrace() abi.TraceContext {
	var tc abi.TraceContext
	id := uuid.New()
	copy(tc.TraceID[:], id[:])
	span := uuid.New()
	copy(tc.SpanID[:], span[:8])
	tc.Flags = uint32(trace.FlagsSampled)
	return tc
}

// ToSpanContext converts an ABI trace context for handoff to an
// OpenTelemetry exporter.
func ToSpanContext(tc abi.TraceContext) trace.SpanContext {
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID(tc.TraceID),
		SpanID:     trace.SpanID(tc.SpanID),
		TraceFlags: trace.TraceFlags(tc.Flags),
	})
}

// FromSpanContext embeds an OpenTelemetry span context into the ABI
// form carried by event headers.
func FromSpanContext(sc trace.SpanContext) abi.TraceContext {
	var tc abi.TraceContext
	tid := sc.TraceID()
	sid := sc.SpanID()
	copy(tc.TraceID[:], tid[:])
	copy(tc.SpanID[:], sid[:])
	tc.Flags = uint32(sc.TraceFlags())
	return tc
}
