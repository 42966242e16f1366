// Package otlpbridge translates OTLP ExportTraceServiceRequest batches
// into calls against an ingest.Pipeline (§6.1's "insert_span/insert_event
// accept OTLP-shaped field structs"). It never listens on a network
// socket - wiring a gRPC/HTTP OTLP receiver on top of Bridge.Consume is
// an explicit Non-goal.
package otlpbridge

import (
	"fmt"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"venator/internal/value"
)

// rootSpanParentID is how the teacher's ingest package represents "no
// parent" for an 8-byte OTLP span id.
const rootSpanParentID = "0000000000000000"

// FormatSpanID and ResourceServiceName are adapted from the teacher's
// internal/ingest/stdout.go (ValueString/FormatSpanID/ResourceServiceName);
// the stdout-writing Sink itself has no place in this engine, but the
// OTLP-field formatting it relied on is exactly what the bridge needs.
func FormatSpanID(spanID []byte) string {
	if len(spanID) == 0 {
		return rootSpanParentID
	}
	return fmt.Sprintf("%x", spanID)
}

func ResourceServiceName(resource *resourcepb.Resource) string {
	for _, attr := range resource.GetAttributes() {
		if attr.GetKey() == "service.name" {
			s, _ := anyValueToValue(attr.GetValue()).AsString()
			return s
		}
	}
	return "unknown"
}

// anyValueToValue maps an OTLP AnyValue onto the engine's own tagged Value
// sum (§4.1), generalizing the teacher's anyValueToInterface
// (internal/ingest/duckdb/sink_duckdb.go) from untyped interface{} to
// value.Value.
func anyValueToValue(v *commonpb.AnyValue) value.Value {
	if v == nil {
		return value.Null()
	}
	switch x := v.Value.(type) {
	case *commonpb.AnyValue_StringValue:
		return value.String(x.StringValue)
	case *commonpb.AnyValue_IntValue:
		return value.Int64(x.IntValue)
	case *commonpb.AnyValue_DoubleValue:
		return value.Double(x.DoubleValue)
	case *commonpb.AnyValue_BoolValue:
		return value.Bool(x.BoolValue)
	case *commonpb.AnyValue_BytesValue:
		return value.Bytes(x.BytesValue)
	case *commonpb.AnyValue_ArrayValue:
		items := x.ArrayValue.GetValues()
		out := make([]value.Value, len(items))
		for i, item := range items {
			out[i] = anyValueToValue(item)
		}
		return value.Array(out)
	case *commonpb.AnyValue_KvlistValue:
		out := map[string]value.Value{}
		for _, kv := range x.KvlistValue.GetValues() {
			out[kv.GetKey()] = anyValueToValue(kv.GetValue())
		}
		return value.Object(out)
	default:
		return value.Null()
	}
}

func attributesToValues(attrs []*commonpb.KeyValue) map[string]value.Value {
	out := make(map[string]value.Value, len(attrs))
	for _, a := range attrs {
		out[a.GetKey()] = anyValueToValue(a.GetValue())
	}
	return out
}

func spanErrored(span *tracepb.Span) bool {
	return span.GetStatus().GetCode() == tracepb.Status_STATUS_CODE_ERROR
}
