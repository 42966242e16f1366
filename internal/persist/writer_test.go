package persist

import (
	"context"
	"sync"
	"testing"
	"time"

	"venator/internal/model"
	"venator/internal/store"
	"venator/internal/value"
)

type fakeBackend struct {
	mu      sync.Mutex
	batches [][]store.Mutation
	closed  bool
}

func (f *fakeBackend) ApplyBatch(ctx context.Context, batch []store.Mutation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]store.Mutation, len(batch))
	copy(cp, batch)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeBackend) Replay(ctx context.Context, into Sink) error { return nil }

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestWriterFlushesOnAge(t *testing.T) {
	backend := &fakeBackend{}
	w := NewWriter(backend, Options{MaxBatchAge: 5 * time.Millisecond, MaxBatchBytes: 1 << 20})
	var rid model.ResourceID
	rid[0] = 1
	w.Observe(store.Mutation{Kind: store.MutationResourceInserted, Resource: model.NewResource(rid, 1, map[string]value.Value{"a": value.Int64(1)})})

	deadline := time.Now().Add(200 * time.Millisecond)
	for backend.total() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if backend.total() != 1 {
		t.Fatalf("expected mutation flushed by age timer, got %d", backend.total())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !backend.closed {
		t.Fatal("expected backend closed")
	}
}

func TestWriterDrainsOnClose(t *testing.T) {
	backend := &fakeBackend{}
	w := NewWriter(backend, Options{MaxBatchAge: time.Hour, MaxBatchBytes: 1 << 20})
	var rid model.ResourceID
	rid[0] = 2
	for i := 0; i < 5; i++ {
		w.Observe(store.Mutation{Kind: store.MutationResourceInserted, Resource: model.NewResource(rid, uint64(i), nil)})
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if backend.total() != 5 {
		t.Fatalf("expected all 5 mutations flushed on close, got %d", backend.total())
	}
}
