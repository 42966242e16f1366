// Package venator is the engine's public facade (§6.1): it wires
// ingestion, storage, querying, and optional persistence into the single
// asynchronous API a host application embeds. Grounded on the teacher's
// cmd/otlp-server/main.go wiring (sink selection, queue wrapping, handler
// construction over one shared store) - minus the HTTP mux, which spec.md
// §1 excludes as a Non-goal.
package venator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"venator/internal/config"
	"venator/internal/filter"
	"venator/internal/ingest"
	"venator/internal/model"
	"venator/internal/persist"
	"venator/internal/persist/duckdb"
	"venator/internal/persist/sqlite"
	"venator/internal/query"
	"venator/internal/store"
	"venator/internal/value"
)

// MemoryDataset disables persistence: the engine keeps everything in RAM
// and never touches disk. Any other Config.DatasetPath value names a
// backend file to open (and replay from, if it already exists).
const MemoryDataset = ":memory:"

// maxConcurrentQueries bounds how many readers may be mid-iteration at
// once (§5 "multiple concurrent queries are permitted"). The store itself
// has no such limit - readers never block each other or the writer - this
// only protects the host process from an unbounded number of concurrent
// scans if a caller fans out more query goroutines than intended.
const maxConcurrentQueries = 64

// ResourceFields is the caller-supplied shape for a newly connected
// instance; the engine assigns the id.
type ResourceFields struct {
	ConnectedAt uint64
	Attributes  map[string]value.Value
}

// Engine is the embeddable ingestion-and-query core. The zero value is not
// usable; construct one with Open.
type Engine struct {
	cfg      config.Config
	store    *store.Store
	pipeline *ingest.Pipeline
	query    *query.Engine
	writer   *persist.Writer // nil when Config.DatasetPath is MemoryDataset
	degraded *atomic.Bool
	querySem *semaphore.Weighted

	subsMu sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
}

// Open constructs an Engine from cfg. When cfg.DatasetPath is not
// MemoryDataset, it opens (creating if absent) the configured backend,
// replays any durable rows into the Store, and only then wires the
// write-behind persistence queue - so replayed rows are never re-persisted
// (see internal/persist.Replay's doc comment).
func Open(cfg config.Config) (*Engine, error) {
	s := store.New(cfg.IndexedAttributes)
	pipeline := ingest.New(s, ingest.Options{
		MaxPending: cfg.PendingParentCapacity,
		MaxAge:     cfg.PendingParentTTL(),
	})
	e := &Engine{
		cfg:      cfg,
		store:    s,
		pipeline: pipeline,
		query:    query.New(s),
		degraded: &atomic.Bool{},
		querySem: semaphore.NewWeighted(maxConcurrentQueries),
		subs:     map[uint64]*subscription{},
	}

	if cfg.DatasetPath == "" || cfg.DatasetPath == MemoryDataset {
		s.Observe(func(m store.Mutation) { e.publish(m) })
		return e, nil
	}

	backend, err := openBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	if err := persist.Replay(context.Background(), backend, s); err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("replay dataset %s: %w", cfg.DatasetPath, err)
	}
	pipeline.SeedLocals(s.MaxSpanLocals())

	guarded := &degradingBackend{Backend: backend, degraded: e.degraded}
	e.writer = persist.NewWriter(guarded, persist.Options{
		MaxBatchBytes: cfg.PersistBatchBytes,
		MaxBatchAge:   cfg.PersistBatchMaxAge(),
	})
	s.Observe(e.writer.Observe)
	s.Observe(func(m store.Mutation) { e.publish(m) })
	return e, nil
}

func openBackend(cfg config.Config) (persist.Backend, error) {
	switch cfg.Backend {
	case config.BackendDuckDB:
		return duckdb.New(cfg.DatasetPath)
	case config.BackendSQLite, "":
		return sqlite.New(cfg.DatasetPath)
	default:
		return nil, fmt.Errorf("unrecognized backend %q", cfg.Backend)
	}
}

// degradingBackend flips a shared flag the first time a batch fails to
// apply, without changing the logging behavior persist.Writer
// already provides - it only observes the outcome. Stats() surfaces the
// flag per §7's "storage errors ... a degraded-mode flag is reported in
// stats()".
type degradingBackend struct {
	persist.Backend
	degraded *atomic.Bool
}

func (b *degradingBackend) ApplyBatch(ctx context.Context, batch []store.Mutation) error {
	err := b.Backend.ApplyBatch(ctx, batch)
	if err != nil {
		b.degraded.Store(true)
	}
	return err
}

// Close flushes and closes the persistence queue, if any. Safe to call on
// a memory-only Engine.
func (e *Engine) Close() error {
	if e.writer == nil {
		return nil
	}
	return e.writer.Close()
}

func newResourceID() (model.ResourceID, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return model.ResourceID{}, fmt.Errorf("generate resource id: %w", err)
	}
	var id model.ResourceID
	copy(id[:], u[:])
	return id, nil
}

// InsertResource registers a newly connected instance and returns its
// assigned id (§6.1).
func (e *Engine) InsertResource(ctx context.Context, f ResourceFields) (model.ResourceID, error) {
	if err := ctx.Err(); err != nil {
		return model.ResourceID{}, err
	}
	id, err := newResourceID()
	if err != nil {
		return model.ResourceID{}, err
	}
	e.pipeline.InsertResource(id, f.ConnectedAt, f.Attributes)
	return id, nil
}

// UpdateResourceAttributes merges attrs into the resource, failing with
// store.ErrResourceFrozen once any span or event has been recorded
// against it (§7 "resource-frozen").
func (e *Engine) UpdateResourceAttributes(ctx context.Context, id model.ResourceID, attrs map[string]value.Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.pipeline.UpdateResourceAttributes(id, attrs)
}

// DisconnectResource marks a resource disconnected at at.
func (e *Engine) DisconnectResource(ctx context.Context, id model.ResourceID, at uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.pipeline.DisconnectResource(id, at)
}

// InsertSpan opens a new span, resolving its parent against the open-span
// table (buffering it if the parent hasn't arrived yet - §4.7).
func (e *Engine) InsertSpan(ctx context.Context, f ingest.SpanFields) (model.SpanID, error) {
	if err := ctx.Err(); err != nil {
		return model.SpanID{}, err
	}
	return e.pipeline.InsertSpan(f)
}

// CloseSpan sets a previously opened span's closed_at.
func (e *Engine) CloseSpan(ctx context.Context, resource model.ResourceID, local uint64, closedAt uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.pipeline.CloseSpan(resource, local, closedAt)
}

// InsertEvent appends an immutable event.
func (e *Engine) InsertEvent(ctx context.Context, f ingest.EventFields) (model.EventID, error) {
	if err := ctx.Err(); err != nil {
		return model.EventID{}, err
	}
	return e.pipeline.InsertEvent(f)
}

// QueryEvents runs a filtered, cursor-paginated read over events.
func (e *Engine) QueryEvents(ctx context.Context, p query.Params) (query.Page, error) {
	if err := e.querySem.Acquire(ctx, 1); err != nil {
		return query.Page{}, err
	}
	defer e.querySem.Release(1)
	return e.query.QueryEvents(ctx, p)
}

// QuerySpans runs a filtered, cursor-paginated read over spans.
func (e *Engine) QuerySpans(ctx context.Context, p query.Params) (query.Page, error) {
	if err := e.querySem.Acquire(ctx, 1); err != nil {
		return query.Page{}, err
	}
	defer e.querySem.Release(1)
	return e.query.QuerySpans(ctx, p)
}

// RecordKind distinguishes which index family a counting query runs
// against (§6.1's query_counts does not itself name one; the engine's two
// index families make the choice unavoidable).
type RecordKind int

const (
	KindEvent RecordKind = iota
	KindSpan
)

// QueryCounts buckets matching records into a time histogram (§4.6
// "Counting queries").
func (e *Engine) QueryCounts(ctx context.Context, kind RecordKind, filterText string, w filter.Window, buckets int) (query.Histogram, error) {
	if err := e.querySem.Acquire(ctx, 1); err != nil {
		return query.Histogram{}, err
	}
	defer e.querySem.Release(1)
	if kind == KindSpan {
		return e.query.QuerySpanCounts(ctx, filterText, w, buckets)
	}
	return e.query.QueryEventCounts(ctx, filterText, w, buckets)
}

// Subtree walks the span tree rooted at root, applying filterText's
// residual to every visited span (§4.6 "Trace view").
func (e *Engine) Subtree(ctx context.Context, root model.SpanID, filterText string) ([]*model.Span, error) {
	if err := e.querySem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.querySem.Release(1)
	return e.query.Subtree(ctx, root, filterText, e.store.SpanIndices())
}

// OpenAt returns every span open at t (§4.6 "Open-spans view").
func (e *Engine) OpenAt(ctx context.Context, t uint64, filterText string) ([]*model.Span, error) {
	if err := e.querySem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.querySem.Release(1)
	return e.query.OpenAt(ctx, t, filterText, e.store.SpanIndices())
}

// Stats reports the engine's current record counts and, if persistence is
// enabled, whether any persistence batch has failed to apply (§6.1, §7).
// The flag does not switch the engine to memory-only: later batches are
// still sent to the backend.
func (e *Engine) Stats() store.Stats {
	st := e.store.Stats()
	st.DegradedMode = e.degraded.Load()
	if e.writer != nil {
		if info, err := os.Stat(e.cfg.DatasetPath); err == nil {
			st.BytesOnDisk = info.Size()
		}
	}
	return st
}
