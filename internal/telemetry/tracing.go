package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name used for every framepace span.
const TracerName = "github.com/roach88/framepace"

// Tracer returns the framepace tracer from the global provider.
//
// Configure the provider before starting the scheduler:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// Span attribute keys.
const (
	AttrDispatcher  = "framepace.dispatcher"
	AttrConnection  = "framepace.connection"
	AttrOwner       = "framepace.owner"
	AttrVsyncCount  = "framepace.vsync.count"
	AttrTimestamp   = "framepace.vsync.timestamp_ns"
	AttrExpected    = "framepace.vsync.expected_present_ns"
	AttrDelivered   = "framepace.delivered"
	AttrFailed      = "framepace.failed"
	AttrDropped     = "framepace.dropped"
	AttrDivisor     = "framepace.rate.divisor"
	AttrVote        = "framepace.rate.vote_hz"
	AttrSourceLayer = "framepace.rate.source_layer"
	AttrPriority    = "framepace.rate.priority"
	AttrDisplayRate = "framepace.rate.display_hz"
	AttrTimedOut    = "framepace.timed_out"
)
