package venator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"venator/internal/config"
	"venator/internal/ingest"
	"venator/internal/model"
	"venator/internal/query"
	"venator/internal/value"
)

func testConfig(datasetPath string) config.Config {
	cfg := config.Default()
	cfg.DatasetPath = datasetPath
	return cfg
}

func TestEngineInsertAndQueryEvents(t *testing.T) {
	e, err := Open(testConfig(MemoryDataset))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()
	ctx := context.Background()

	rid, err := e.InsertResource(ctx, ResourceFields{ConnectedAt: 1, Attributes: map[string]value.Value{"service.name": value.String("checkout")}})
	if err != nil {
		t.Fatalf("InsertResource: %v", err)
	}
	if _, err := e.InsertEvent(ctx, ingest.EventFields{Resource: rid, Timestamp: 10, Level: model.LevelWarn, Target: "checkout", Name: "retry"}); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	page, err := e.QueryEvents(ctx, query.Params{FilterText: `#level >= WARN`, Limit: 10})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(page.Records) != 1 {
		t.Fatalf("expected 1 matching event, got %d", len(page.Records))
	}
	if page.Records[0].RecName() != "retry" {
		t.Fatalf("unexpected record: %+v", page.Records[0])
	}

	st := e.Stats()
	if st.ResourceCount != 1 || st.EventCount != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if st.DegradedMode {
		t.Fatal("memory-only engine should never report degraded mode")
	}
}

func TestEngineResourceFrozenAfterFirstSpan(t *testing.T) {
	e, err := Open(testConfig(MemoryDataset))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()
	ctx := context.Background()

	rid, err := e.InsertResource(ctx, ResourceFields{ConnectedAt: 1})
	if err != nil {
		t.Fatalf("InsertResource: %v", err)
	}
	if _, err := e.InsertSpan(ctx, ingest.SpanFields{Resource: rid, CreatedAt: 5, Level: model.LevelInfo, Target: "app", Name: "root"}); err != nil {
		t.Fatalf("InsertSpan: %v", err)
	}
	if err := e.UpdateResourceAttributes(ctx, rid, map[string]value.Value{"late": value.Bool(true)}); err == nil {
		t.Fatal("expected resource-frozen error after first span")
	}
}

func TestEnginePersistsAndReplays(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.db")
	ctx := context.Background()

	e1, err := Open(testConfig(path))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rid, err := e1.InsertResource(ctx, ResourceFields{ConnectedAt: 1, Attributes: map[string]value.Value{"service.name": value.String("api")}})
	if err != nil {
		t.Fatalf("InsertResource: %v", err)
	}
	spanID, err := e1.InsertSpan(ctx, ingest.SpanFields{Resource: rid, CreatedAt: 5, Level: model.LevelInfo, Target: "api", Name: "handle"})
	if err != nil {
		t.Fatalf("InsertSpan: %v", err)
	}
	if err := e1.CloseSpan(ctx, rid, spanID.Local, 20); err != nil {
		t.Fatalf("CloseSpan: %v", err)
	}
	if err := e1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(testConfig(path))
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer e2.Close()
	st := e2.Stats()
	if st.ResourceCount != 1 || st.SpanCount != 1 {
		t.Fatalf("expected replayed counts, got %+v", st)
	}
	page, err := e2.QuerySpans(ctx, query.Params{FilterText: "", Limit: 10})
	if err != nil {
		t.Fatalf("QuerySpans: %v", err)
	}
	if len(page.Records) != 1 || page.Records[0].RecName() != "handle" {
		t.Fatalf("expected replayed span queryable, got %+v", page.Records)
	}
}

func TestEngineReplaySeedsLocalIDsPastPersisted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.db")
	ctx := context.Background()

	e1, err := Open(testConfig(path))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rid, err := e1.InsertResource(ctx, ResourceFields{ConnectedAt: 1})
	if err != nil {
		t.Fatalf("InsertResource: %v", err)
	}
	first, err := e1.InsertSpan(ctx, ingest.SpanFields{Resource: rid, CreatedAt: 5, Level: model.LevelInfo, Target: "app", Name: "first"})
	if err != nil {
		t.Fatalf("InsertSpan: %v", err)
	}
	if err := e1.CloseSpan(ctx, rid, first.Local, 10); err != nil {
		t.Fatalf("CloseSpan: %v", err)
	}
	if err := e1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(testConfig(path))
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer e2.Close()

	second, err := e2.InsertSpan(ctx, ingest.SpanFields{Resource: rid, CreatedAt: 20, Level: model.LevelInfo, Target: "app", Name: "second"})
	if err != nil {
		t.Fatalf("InsertSpan after replay: %v", err)
	}
	if second.Local <= first.Local {
		t.Fatalf("expected a local id past the replayed span %d, got %d", first.Local, second.Local)
	}

	page, err := e2.QuerySpans(ctx, query.Params{FilterText: "", Limit: 10})
	if err != nil {
		t.Fatalf("QuerySpans: %v", err)
	}
	if len(page.Records) != 2 {
		t.Fatalf("expected both the replayed and newly inserted span, got %+v", page.Records)
	}
}

func TestEngineSubscribeLiveDeliversMatchingEvent(t *testing.T) {
	e, err := Open(testConfig(MemoryDataset))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()
	ctx := context.Background()

	sub, err := e.SubscribeLive(`#level >= ERROR`)
	if err != nil {
		t.Fatalf("SubscribeLive: %v", err)
	}
	defer sub.Close()

	rid, err := e.InsertResource(ctx, ResourceFields{ConnectedAt: 1})
	if err != nil {
		t.Fatalf("InsertResource: %v", err)
	}
	if _, err := e.InsertEvent(ctx, ingest.EventFields{Resource: rid, Timestamp: 1, Level: model.LevelInfo, Target: "app", Name: "ignored"}); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if _, err := e.InsertEvent(ctx, ingest.EventFields{Resource: rid, Timestamp: 2, Level: model.LevelError, Target: "app", Name: "boom"}); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	select {
	case rec := <-sub.C:
		if rec.RecName() != "boom" {
			t.Fatalf("expected the ERROR event, got %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed record")
	}
}
