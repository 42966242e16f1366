package query

import (
	"context"
	"testing"

	"venator/internal/filter"
	"venator/internal/model"
	"venator/internal/store"
	"venator/internal/value"
)

func newTestStore() (*store.Store, model.ResourceID) {
	s := store.New([]string{"http.status_code"})
	var rid model.ResourceID
	rid[0] = 1
	s.InsertResource(model.NewResource(rid, 0, nil))
	return s, rid
}

func insertEvent(t *testing.T, s *store.Store, rid model.ResourceID, ts uint64, level model.Level, attrs map[string]value.Value) {
	t.Helper()
	e := &model.Event{
		ID:         model.EventID{Resource: rid, Timestamp: ts},
		Timestamp:  ts,
		Level:      level,
		Target:     "app",
		Name:       "evt",
		Attributes: attrs,
		Inherited:  map[string]value.Value{},
	}
	if err := s.InsertEvent(e); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
}

func TestQueryEventsBasicAscending(t *testing.T) {
	s, rid := newTestStore()
	for i := uint64(1); i <= 5; i++ {
		insertEvent(t, s, rid, i*10, model.LevelInfo, nil)
	}
	eng := New(s)
	page, err := eng.QueryEvents(context.Background(), Params{
		FilterText: `#level >= TRACE`,
		Window:     filter.Window{Start: 0, End: 100},
		Order:      Ascending,
		Limit:      10,
	})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(page.Records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(page.Records))
	}
	for i := 1; i < len(page.Records); i++ {
		if page.Records[i-1].RecSortKey() > page.Records[i].RecSortKey() {
			t.Fatalf("expected ascending order, got %v", page.Records)
		}
	}
}

func TestQueryEventsDescendingWithCursor(t *testing.T) {
	s, rid := newTestStore()
	for i := uint64(1); i <= 5; i++ {
		insertEvent(t, s, rid, i*10, model.LevelInfo, nil)
	}
	eng := New(s)
	first, err := eng.QueryEvents(context.Background(), Params{
		FilterText: `#level >= TRACE`,
		Window:     filter.Window{Start: 0, End: 100},
		Order:      Descending,
		Limit:      2,
	})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(first.Records) != 2 || first.Records[0].RecSortKey() != 50 || first.Records[1].RecSortKey() != 40 {
		t.Fatalf("unexpected first page: %+v", first.Records)
	}
	second, err := eng.QueryEvents(context.Background(), Params{
		FilterText: `#level >= TRACE`,
		Window:     filter.Window{Start: 0, End: 100},
		Order:      Descending,
		Limit:      2,
		Cursor:     first.NextCursor,
	})
	if err != nil {
		t.Fatalf("QueryEvents page 2: %v", err)
	}
	if len(second.Records) != 2 || second.Records[0].RecSortKey() != 30 || second.Records[1].RecSortKey() != 20 {
		t.Fatalf("unexpected second page: %+v", second.Records)
	}
}

func TestQueryEventsLevelDrivenMerge(t *testing.T) {
	s, rid := newTestStore()
	insertEvent(t, s, rid, 10, model.LevelInfo, nil)
	insertEvent(t, s, rid, 20, model.LevelError, nil)
	insertEvent(t, s, rid, 30, model.LevelWarn, nil)
	insertEvent(t, s, rid, 40, model.LevelDebug, nil)

	eng := New(s)
	page, err := eng.QueryEvents(context.Background(), Params{
		FilterText: `#level >= WARN`,
		Window:     filter.Window{Start: 0, End: 1000},
		Order:      Ascending,
		Limit:      10,
	})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(page.Records) != 2 {
		t.Fatalf("expected 2 records (WARN, ERROR), got %d: %+v", len(page.Records), page.Records)
	}
	if page.Records[0].RecSortKey() != 20 || page.Records[1].RecSortKey() != 30 {
		t.Fatalf("expected merged timestamp order 20,30, got %v, %v",
			page.Records[0].RecSortKey(), page.Records[1].RecSortKey())
	}
}

func TestQueryEventsCancellation(t *testing.T) {
	s, rid := newTestStore()
	insertEvent(t, s, rid, 10, model.LevelInfo, nil)
	eng := New(s)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	page, err := eng.QueryEvents(ctx, Params{
		FilterText: `#level >= TRACE`,
		Window:     filter.Window{Start: 0, End: 100},
		Limit:      10,
	})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if !page.Cancelled {
		t.Fatal("expected cancelled page")
	}
}

func TestQueryEventCounts(t *testing.T) {
	s, rid := newTestStore()
	insertEvent(t, s, rid, 5, model.LevelInfo, nil)
	insertEvent(t, s, rid, 15, model.LevelError, nil)
	insertEvent(t, s, rid, 25, model.LevelInfo, nil)

	eng := New(s)
	hist, err := eng.QueryEventCounts(context.Background(), `#level >= TRACE`, filter.Window{Start: 0, End: 30}, 3)
	if err != nil {
		t.Fatalf("QueryEventCounts: %v", err)
	}
	if len(hist.Counts) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(hist.Counts))
	}
	total := uint64(0)
	for _, bucket := range hist.Counts {
		for _, c := range bucket {
			total += c
		}
	}
	if total != 3 {
		t.Fatalf("expected 3 total events tallied, got %d", total)
	}
}
