// Package persist implements the write-behind persistence layer (§4.8):
// a bounded queue drains committed Store mutations in background batches,
// handing each batch to a Backend (sqlite by default, duckdb when the
// config selects it in a cgo build). Startup replay reconstructs the Store
// from the backend's tables: resources, then spans, then events, each
// ordered by its time column rather than by original commit order.
package persist

import (
	"context"

	"venator/internal/model"
	"venator/internal/store"
	"venator/internal/value"
)

// Sink receives replayed mutations in the order they were originally
// committed. *store.Store implements it directly, so replay can feed a
// freshly constructed Store without persist depending on the ingestion
// package.
type Sink interface {
	InsertResource(*model.Resource)
	UpdateResourceAttributes(model.ResourceID, map[string]value.Value) error
	DisconnectResource(model.ResourceID, uint64) error
	InsertSpanOpen(*model.Span) error
	CloseSpan(resource model.ResourceID, local uint64, closedAt uint64) error
	InsertEvent(*model.Event) error
}

// Backend is one durable storage implementation. ApplyBatch persists a
// batch of mutations in a single transaction. The Writer logs a batch that
// fails to apply and drops it; it does not retry. The backends write rows
// with upserts, so re-applying a batch is harmless.
type Backend interface {
	ApplyBatch(ctx context.Context, batch []store.Mutation) error
	Replay(ctx context.Context, into Sink) error
	Close() error
}

// mutationSize estimates a mutation's encoded size for batch-size bounding
// (§4.8 "bounded by size and latency"). It only needs to be roughly right;
// getting the exact byte count would mean encoding twice.
func mutationSize(m store.Mutation) int {
	const base = 64 // id + kind + fixed columns, rounded up
	size := base
	switch m.Kind {
	case store.MutationResourceInserted, store.MutationResourceUpdated:
		size += attrsSize(m.Resource.Attributes)
	case store.MutationSpanInserted:
		size += attrsSize(m.Span.Attributes) + attrsSize(m.Span.Inherited) + len(m.Span.Target) + len(m.Span.Name)
	case store.MutationEventInserted:
		size += attrsSize(m.Event.Attributes) + attrsSize(m.Event.Inherited) + len(m.Event.Target) + len(m.Event.Name)
	}
	return size
}

func attrsSize(attrs map[string]value.Value) int {
	size := 0
	for k, v := range attrs {
		size += len(k) + 16
		if s, ok := v.AsString(); ok {
			size += len(s)
		}
		if b, ok := v.AsBytes(); ok {
			size += len(b)
		}
	}
	return size
}
