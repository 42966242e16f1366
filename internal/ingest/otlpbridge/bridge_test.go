package otlpbridge

import (
	"testing"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"venator/internal/ingest"
	"venator/internal/model"
	"venator/internal/store"
)

func strAttr(key, val string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: val}}}
}

func TestConsumeLinksParentAndChild(t *testing.T) {
	s := store.New(nil)
	p := ingest.New(s, ingest.Options{})
	b := New(p)

	parentID := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	childID := []byte{8, 7, 6, 5, 4, 3, 2, 1}
	req := &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{strAttr("service.name", "checkout")}},
			ScopeSpans: []*tracepb.ScopeSpans{{
				Spans: []*tracepb.Span{
					{
						SpanId: parentID, Name: "handle-request",
						StartTimeUnixNano: 100, EndTimeUnixNano: 500,
						Attributes: []*commonpb.KeyValue{strAttr("http.route", "/checkout")},
					},
					{
						SpanId: childID, ParentSpanId: parentID, Name: "charge-card",
						StartTimeUnixNano: 150, EndTimeUnixNano: 300,
						Events: []*tracepb.Span_Event{
							{Name: "card-declined", TimeUnixNano: 200},
						},
					},
				},
			}},
		}},
	}

	if err := b.Consume(req); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	stats := s.Stats()
	if stats.ResourceCount != 1 {
		t.Fatalf("expected 1 resource, got %d", stats.ResourceCount)
	}
	if stats.SpanCount != 2 {
		t.Fatalf("expected 2 spans, got %d", stats.SpanCount)
	}
	if stats.EventCount != 1 {
		t.Fatalf("expected 1 event, got %d", stats.EventCount)
	}

	var resourceID model.ResourceID
	for _, id := range b.resources {
		resourceID = id
	}
	parentLocal, ok := b.spanLocal[spanKey{resource: resourceID, otlpID: FormatSpanID(parentID)}]
	if !ok {
		t.Fatal("expected parent span local id recorded")
	}
	childLocal, ok := b.spanLocal[spanKey{resource: resourceID, otlpID: FormatSpanID(childID)}]
	if !ok {
		t.Fatal("expected child span local id recorded")
	}
	childSpan, ok := s.GetSpan(model.SpanID{Resource: resourceID, Local: childLocal})
	if !ok {
		t.Fatal("expected child span committed to store")
	}
	if childSpan.ParentID == nil || childSpan.ParentID.Local != parentLocal {
		t.Fatalf("expected child span parent local id %d, got %v", parentLocal, childSpan.ParentID)
	}
	if v, ok := childSpan.Inherited["http.route"]; !ok || v.Kind().String() != "string" {
		t.Fatalf("expected inherited http.route attribute on child span, got %+v", childSpan.Inherited)
	}
}
