package query

import (
	"context"
	"testing"

	"venator/internal/filter"
	"venator/internal/model"
	"venator/internal/store"
	"venator/internal/value"
)

func insertSpan(t *testing.T, s *store.Store, id model.SpanID, parent *model.SpanID, createdAt uint64, name string) *model.Span {
	t.Helper()
	sp := &model.Span{
		ID:         id,
		ParentID:   parent,
		CreatedAt:  createdAt,
		Level:      model.LevelInfo,
		Target:     "app",
		Name:       name,
		Attributes: map[string]value.Value{},
		Inherited:  map[string]value.Value{},
	}
	if err := s.InsertSpanOpen(sp); err != nil {
		t.Fatalf("InsertSpanOpen(%v): %v", id, err)
	}
	return sp
}

// TestSubtreeWalksDescendantsBoundedByRoot exercises §4.6's "Trace view":
// a preorder walk of every descendant of a root span, filtered by residual.
func TestSubtreeWalksDescendantsBoundedByRoot(t *testing.T) {
	s, rid := newTestStore()
	root := model.SpanID{Resource: rid, Local: 1}
	insertSpan(t, s, root, nil, 0, "root")

	childA := model.SpanID{Resource: rid, Local: 2}
	insertSpan(t, s, childA, &root, 10, "childA")

	grandchild := model.SpanID{Resource: rid, Local: 3}
	insertSpan(t, s, grandchild, &childA, 20, "grandchild")

	childB := model.SpanID{Resource: rid, Local: 4}
	insertSpan(t, s, childB, &root, 15, "childB")

	unrelatedRoot := model.SpanID{Resource: rid, Local: 5}
	insertSpan(t, s, unrelatedRoot, nil, 5, "unrelated")

	eng := New(s)
	got, err := eng.Subtree(context.Background(), root, `#level >= TRACE`, s.SpanIndices())
	if err != nil {
		t.Fatalf("Subtree: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 descendants of root, got %d: %+v", len(got), got)
	}
	names := map[string]bool{}
	for _, sp := range got {
		names[sp.Name] = true
	}
	for _, want := range []string{"childA", "childB", "grandchild"} {
		if !names[want] {
			t.Fatalf("expected %q in subtree result, got %+v", want, got)
		}
	}
	if names["unrelated"] {
		t.Fatal("did not expect the unrelated root span in the subtree result")
	}
	if names["root"] {
		t.Fatal("Subtree should not include the root span itself")
	}
}

func TestSubtreeAppliesResidualFilter(t *testing.T) {
	s, rid := newTestStore()
	root := model.SpanID{Resource: rid, Local: 1}
	insertSpan(t, s, root, nil, 0, "root")
	child := model.SpanID{Resource: rid, Local: 2}
	insertSpan(t, s, child, &root, 10, "checkout")

	eng := New(s)
	got, err := eng.Subtree(context.Background(), root, `#name = "checkout"`, s.SpanIndices())
	if err != nil {
		t.Fatalf("Subtree: %v", err)
	}
	if len(got) != 1 || got[0].Name != "checkout" {
		t.Fatalf("expected only the matching child, got %+v", got)
	}

	got, err = eng.Subtree(context.Background(), root, `#name = "nope"`, s.SpanIndices())
	if err != nil {
		t.Fatalf("Subtree: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no matches, got %+v", got)
	}
}

// TestOpenAtReturnsSpansOpenAtTime exercises §4.6's "Open-spans view": spans
// created at or before t that are either still open or closed after t.
func TestOpenAtReturnsSpansOpenAtTime(t *testing.T) {
	s, rid := newTestStore()

	stillOpen := model.SpanID{Resource: rid, Local: 1}
	insertSpan(t, s, stillOpen, nil, 5, "still-open")

	closedBefore := model.SpanID{Resource: rid, Local: 2}
	insertSpan(t, s, closedBefore, nil, 5, "closed-before")
	if err := s.CloseSpan(rid, closedBefore.Local, 8); err != nil {
		t.Fatalf("CloseSpan: %v", err)
	}

	closedAfter := model.SpanID{Resource: rid, Local: 3}
	insertSpan(t, s, closedAfter, nil, 5, "closed-after")
	if err := s.CloseSpan(rid, closedAfter.Local, 50); err != nil {
		t.Fatalf("CloseSpan: %v", err)
	}

	notYetCreated := model.SpanID{Resource: rid, Local: 4}
	insertSpan(t, s, notYetCreated, nil, 100, "future")

	eng := New(s)
	got, err := eng.OpenAt(context.Background(), 10, `#level >= TRACE`, s.SpanIndices())
	if err != nil {
		t.Fatalf("OpenAt: %v", err)
	}
	names := map[string]bool{}
	for _, sp := range got {
		names[sp.Name] = true
	}
	if !names["still-open"] || !names["closed-after"] {
		t.Fatalf("expected still-open and closed-after spans, got %+v", got)
	}
	if names["closed-before"] || names["future"] {
		t.Fatalf("did not expect closed-before or not-yet-created spans, got %+v", got)
	}
}

// TestQuerySpansDurationScenario exercises the spec's worked #duration
// scenario: a span closed after 1s should match ">= 1s", one closed sooner
// should not, and an open span (no duration yet) should never match.
func TestQuerySpansDurationScenario(t *testing.T) {
	s, rid := newTestStore()

	slow := model.SpanID{Resource: rid, Local: 1}
	insertSpan(t, s, slow, nil, 0, "slow")
	if err := s.CloseSpan(rid, slow.Local, uint64(1500*1e6)); err != nil {
		t.Fatalf("CloseSpan: %v", err)
	}

	fast := model.SpanID{Resource: rid, Local: 2}
	insertSpan(t, s, fast, nil, 0, "fast")
	if err := s.CloseSpan(rid, fast.Local, uint64(200*1e6)); err != nil {
		t.Fatalf("CloseSpan: %v", err)
	}

	open := model.SpanID{Resource: rid, Local: 3}
	insertSpan(t, s, open, nil, 0, "open")

	eng := New(s)
	page, err := eng.QuerySpans(context.Background(), Params{
		FilterText: `#duration >= 1s`,
		Window:     filter.Window{},
		Order:      Ascending,
		Limit:      10,
	})
	if err != nil {
		t.Fatalf("QuerySpans: %v", err)
	}
	if len(page.Records) != 1 || page.Records[0].RecName() != "slow" {
		t.Fatalf("expected only the slow span to match #duration >= 1s, got %+v", page.Records)
	}
}
