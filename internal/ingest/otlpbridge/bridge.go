package otlpbridge

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"venator/internal/ingest"
	"venator/internal/model"
)

type spanKey struct {
	resource model.ResourceID
	otlpID   string
}

// Bridge is a stateful OTLP-to-Pipeline translator: one Bridge should live
// for the lifetime of a connection/session, since it remembers the
// resource and span-id mappings needed to resolve OTLP parent references
// into engine-assigned local ids across calls to Consume.
type Bridge struct {
	mu        sync.Mutex
	pipeline  *ingest.Pipeline
	resources map[string]model.ResourceID
	spanLocal map[spanKey]uint64
}

func New(p *ingest.Pipeline) *Bridge {
	return &Bridge{
		pipeline:  p,
		resources: map[string]model.ResourceID{},
		spanLocal: map[spanKey]uint64{},
	}
}

// Consume translates one export batch. Spans are ordered parent-first
// within each resource so LocalParentID can usually be resolved on first
// sight; a parent that does not appear in this or an earlier batch is
// treated as unknown, exactly as if the client itself never captured it.
// A parent first seen in a later batch is not resolved: the span is
// inserted with no parent.
func (b *Bridge) Consume(req *coltracepb.ExportTraceServiceRequest) error {
	if req == nil {
		return nil
	}
	for _, rs := range req.GetResourceSpans() {
		if err := b.consumeResourceSpans(rs); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) consumeResourceSpans(rs *tracepb.ResourceSpans) error {
	var spans []*tracepb.Span
	for _, ss := range rs.GetScopeSpans() {
		spans = append(spans, ss.GetSpans()...)
	}
	if len(spans) == 0 {
		return nil
	}
	var earliest uint64
	for _, sp := range spans {
		if earliest == 0 || sp.GetStartTimeUnixNano() < earliest {
			earliest = sp.GetStartTimeUnixNano()
		}
	}
	resourceID := b.resolveResource(rs.GetResource(), earliest)
	serviceName := ResourceServiceName(rs.GetResource())
	for _, span := range orderSpansParentFirst(spans) {
		if err := b.insertSpan(resourceID, serviceName, span); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) resolveResource(res *resourcepb.Resource, connectedAt uint64) model.ResourceID {
	fp := fingerprint(res)
	b.mu.Lock()
	id, ok := b.resources[fp]
	b.mu.Unlock()
	if ok {
		return id
	}
	sum := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fp))
	var rid model.ResourceID
	copy(rid[:], sum[:])
	b.pipeline.InsertResource(rid, connectedAt, attributesToValues(res.GetAttributes()))
	b.mu.Lock()
	b.resources[fp] = rid
	b.mu.Unlock()
	return rid
}

func fingerprint(res *resourcepb.Resource) string {
	attrs := res.GetAttributes()
	kvs := make([]string, 0, len(attrs))
	for _, a := range attrs {
		s, _ := anyValueToValue(a.GetValue()).AsString()
		kvs = append(kvs, a.GetKey()+"="+s)
	}
	sort.Strings(kvs)
	return strings.Join(kvs, "\x1f")
}

func (b *Bridge) insertSpan(resourceID model.ResourceID, serviceName string, span *tracepb.Span) error {
	otlpID := FormatSpanID(span.GetSpanId())
	parentOtlpID := FormatSpanID(span.GetParentSpanId())

	var localParent *uint64
	if parentOtlpID != rootSpanParentID {
		b.mu.Lock()
		if local, ok := b.spanLocal[spanKey{resourceID, parentOtlpID}]; ok {
			v := local
			localParent = &v
		}
		b.mu.Unlock()
	}

	level := model.LevelInfo
	if spanErrored(span) {
		level = model.LevelError
	}
	id, err := b.pipeline.InsertSpan(ingest.SpanFields{
		Resource:      resourceID,
		LocalParentID: localParent,
		CreatedAt:     span.GetStartTimeUnixNano(),
		Level:         level,
		Target:        serviceName,
		Name:          span.GetName(),
		Attributes:    attributesToValues(span.GetAttributes()),
	})
	if err != nil {
		return fmt.Errorf("insert span %s: %w", otlpID, err)
	}

	b.mu.Lock()
	b.spanLocal[spanKey{resourceID, otlpID}] = id.Local
	b.mu.Unlock()

	if end := span.GetEndTimeUnixNano(); end != 0 {
		if err := b.pipeline.CloseSpan(resourceID, id.Local, end); err != nil {
			return fmt.Errorf("close span %s: %w", otlpID, err)
		}
	}
	return b.insertSpanEvents(resourceID, serviceName, id.Local, span)
}

func (b *Bridge) insertSpanEvents(resourceID model.ResourceID, serviceName string, parentLocal uint64, span *tracepb.Span) error {
	for _, ev := range span.GetEvents() {
		local := parentLocal
		if _, err := b.pipeline.InsertEvent(ingest.EventFields{
			Resource:      resourceID,
			LocalParentID: &local,
			Timestamp:     ev.GetTimeUnixNano(),
			Level:         model.LevelInfo,
			Target:        serviceName,
			Name:          ev.GetName(),
			Attributes:    attributesToValues(ev.GetAttributes()),
		}); err != nil {
			return fmt.Errorf("insert span event %s: %w", ev.GetName(), err)
		}
	}
	return nil
}

// orderSpansParentFirst walks each resource's span set from its roots
// (spans whose parent is absent or outside this batch) down through
// children, so a parent's local id is always assigned before any child
// that references it needs to look it up.
func orderSpansParentFirst(spans []*tracepb.Span) []*tracepb.Span {
	byID := make(map[string]*tracepb.Span, len(spans))
	for _, sp := range spans {
		byID[FormatSpanID(sp.GetSpanId())] = sp
	}
	children := map[string][]*tracepb.Span{}
	var roots []*tracepb.Span
	for _, sp := range spans {
		parent := FormatSpanID(sp.GetParentSpanId())
		if parent == rootSpanParentID || byID[parent] == nil {
			roots = append(roots, sp)
		} else {
			children[parent] = append(children[parent], sp)
		}
	}

	out := make([]*tracepb.Span, 0, len(spans))
	visited := make(map[string]bool, len(spans))
	var walk func(sp *tracepb.Span)
	walk = func(sp *tracepb.Span) {
		id := FormatSpanID(sp.GetSpanId())
		if visited[id] {
			return
		}
		visited[id] = true
		out = append(out, sp)
		for _, child := range children[id] {
			walk(child)
		}
	}
	for _, r := range roots {
		walk(r)
	}
	// A cycle (malformed input) would otherwise drop spans; append
	// anything unreached so Consume never silently loses a span.
	for _, sp := range spans {
		walk(sp)
	}
	return out
}
