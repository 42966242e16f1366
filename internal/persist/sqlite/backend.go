// Package sqlite is the engine's pure-Go durable backend, available
// whether or not the binary is built with cgo. Grounded on the teacher's
// internal/ingest/sqlite package: same sql.Open("sqlite", path) + single
// schema.Exec + modernc.org/sqlite driver, retargeted from OTLP export
// batches to persist.Backend's Store-mutation batches.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"venator/internal/model"
	"venator/internal/persist"
	"venator/internal/store"
	"venator/internal/value"
)

type Backend struct {
	db *sql.DB
}

func New(path string) (*Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn
	return &Backend{db: db}, nil
}

func (b *Backend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *Backend) ApplyBatch(ctx context.Context, batch []store.Mutation) error {
	if b == nil || b.db == nil || len(batch) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	for _, m := range batch {
		if err := applyMutation(ctx, tx, m); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func applyMutation(ctx context.Context, tx *sql.Tx, m store.Mutation) error {
	switch m.Kind {
	case store.MutationResourceInserted:
		return insertResource(ctx, tx, m.Resource)
	case store.MutationResourceUpdated:
		return upsertAttributes(ctx, tx, "resource_attributes", "resource_id", nil, m.Resource.ID[:], "own", m.Resource.Attributes)
	case store.MutationResourceDisconnected:
		at, _ := m.Resource.DisconnectedAt()
		_, err := tx.ExecContext(ctx, `UPDATE resources SET disconnected_at = ? WHERE id = ?`, at, m.Resource.ID[:])
		return err
	case store.MutationSpanInserted:
		return insertSpan(ctx, tx, m.Span)
	case store.MutationSpanClosed:
		closedAt, _ := m.Span.ClosedAt()
		_, err := tx.ExecContext(ctx, `UPDATE spans SET closed_at = ? WHERE resource_id = ? AND local_id = ?`,
			closedAt, m.Span.ID.Resource[:], m.Span.ID.Local)
		return err
	case store.MutationEventInserted:
		return insertEvent(ctx, tx, m.Event)
	default:
		return nil
	}
}

func insertResource(ctx context.Context, tx *sql.Tx, r *model.Resource) error {
	disconnectedAt, _ := r.DisconnectedAt()
	_, err := tx.ExecContext(ctx,
		`INSERT INTO resources (id, connected_at, disconnected_at) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET disconnected_at = excluded.disconnected_at`,
		r.ID[:], r.ConnectedAt, disconnectedAt)
	if err != nil {
		return fmt.Errorf("insert resource: %w", err)
	}
	return upsertAttributes(ctx, tx, "resource_attributes", "resource_id", nil, r.ID[:], "own", r.Attributes)
}

func insertSpan(ctx context.Context, tx *sql.Tx, sp *model.Span) error {
	var parentResource []byte
	var parentLocal *uint64
	if sp.ParentID != nil {
		parentResource = sp.ParentID.Resource[:]
		parentLocal = &sp.ParentID.Local
	}
	closedAt, _ := sp.ClosedAt()
	_, err := tx.ExecContext(ctx,
		`INSERT INTO spans (resource_id, local_id, parent_resource_id, parent_local_id, created_at, closed_at, level, target, name, file, line)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (resource_id, local_id) DO UPDATE SET closed_at = excluded.closed_at`,
		sp.ID.Resource[:], sp.ID.Local, parentResource, parentLocal, sp.CreatedAt, closedAt,
		int32(sp.Level), sp.Target, sp.Name, sp.File, sp.Line)
	if err != nil {
		return fmt.Errorf("insert span: %w", err)
	}
	if err := upsertAttributes(ctx, tx, "span_attributes", "local_id", &sp.ID.Local, sp.ID.Resource[:], "own", sp.Attributes); err != nil {
		return err
	}
	return upsertAttributes(ctx, tx, "span_attributes", "local_id", &sp.ID.Local, sp.ID.Resource[:], "inherited", sp.Inherited)
}

func insertEvent(ctx context.Context, tx *sql.Tx, e *model.Event) error {
	var parentResource []byte
	var parentLocal *uint64
	if e.ParentID != nil {
		parentResource = e.ParentID.Resource[:]
		parentLocal = &e.ParentID.Local
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO events (resource_id, timestamp, parent_resource_id, parent_local_id, level, target, name, file, line)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (resource_id, timestamp) DO NOTHING`,
		e.ID.Resource[:], e.ID.Timestamp, parentResource, parentLocal, int32(e.Level), e.Target, e.Name, e.File, e.Line)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := upsertAttributesByTimestamp(ctx, tx, "event_attributes", e.ID.Resource[:], e.ID.Timestamp, "own", e.Attributes); err != nil {
		return err
	}
	return upsertAttributesByTimestamp(ctx, tx, "event_attributes", e.ID.Resource[:], e.ID.Timestamp, "inherited", e.Inherited)
}

func upsertAttributes(ctx context.Context, tx *sql.Tx, table, localIDColumn string, localID *uint64, resourceID []byte, scope string, attrs map[string]value.Value) error {
	if len(attrs) == 0 {
		return nil
	}
	if localID != nil {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE resource_id = ? AND scope = ? AND %s = ?`, table, localIDColumn), resourceID, scope, *localID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE resource_id = ? AND scope = ?`, table), resourceID, scope); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	for key, v := range attrs {
		typ, payload, err := persist.EncodeValue(v)
		if err != nil {
			return fmt.Errorf("encode %s.%s: %w", table, key, err)
		}
		if localID != nil {
			_, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (resource_id, local_id, scope, key, type, value) VALUES (?, ?, ?, ?, ?, ?)`, table),
				resourceID, *localID, scope, key, typ, payload)
		} else {
			_, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (resource_id, scope, key, type, value) VALUES (?, ?, ?, ?, ?)`, table),
				resourceID, scope, key, typ, payload)
		}
		if err != nil {
			return fmt.Errorf("insert %s.%s: %w", table, key, err)
		}
	}
	return nil
}

func upsertAttributesByTimestamp(ctx context.Context, tx *sql.Tx, table string, resourceID []byte, ts uint64, scope string, attrs map[string]value.Value) error {
	if len(attrs) == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE resource_id = ? AND timestamp = ? AND scope = ?`, table), resourceID, ts, scope); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	for key, v := range attrs {
		typ, payload, err := persist.EncodeValue(v)
		if err != nil {
			return fmt.Errorf("encode %s.%s: %w", table, key, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (resource_id, timestamp, scope, key, type, value) VALUES (?, ?, ?, ?, ?, ?)`, table),
			resourceID, ts, scope, key, typ, payload); err != nil {
			return fmt.Errorf("insert %s.%s: %w", table, key, err)
		}
	}
	return nil
}
