//go:build cgo

// Package duckdb is the optional durable backend, used when the config
// selects it; it is real only in cgo builds. Grounded closely on the teacher's internal/ingest/duckdb
// package: same sql.Open("duckdb", path) + schema-exec-on-open + one
// transaction per batch shape, retargeted from OTLP export batches to
// persist.Backend's Store-mutation batches.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"

	"venator/internal/model"
	"venator/internal/persist"
	"venator/internal/store"
	"venator/internal/value"
)

type Backend struct {
	db *sql.DB
}

func New(path string) (*Backend, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := execSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(1)
	return &Backend{db: db}, nil
}

func execSchema(db *sql.DB) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
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
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open connection: %w", err)
	}
	defer conn.Close()
	tx, err := conn.BeginTx(ctx, nil)
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
	spanAttrTable := "span_attributes"
	if err := upsertAttributes(ctx, tx, spanAttrTable, "local_id", &sp.ID.Local, sp.ID.Resource[:], "own", sp.Attributes); err != nil {
		return err
	}
	return upsertAttributes(ctx, tx, spanAttrTable, "local_id", &sp.ID.Local, sp.ID.Resource[:], "inherited", sp.Inherited)
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
	eventAttrTable := "event_attributes"
	if err := upsertAttributesByTimestamp(ctx, tx, eventAttrTable, e.ID.Resource[:], e.ID.Timestamp, "own", e.Attributes); err != nil {
		return err
	}
	return upsertAttributesByTimestamp(ctx, tx, eventAttrTable, e.ID.Resource[:], e.ID.Timestamp, "inherited", e.Inherited)
}

// upsertAttributes writes span_attributes rows keyed by (resource_id,
// local_id, scope, key); localID is nil for resource_attributes, which has
// no local_id column.
func upsertAttributes(ctx context.Context, tx *sql.Tx, table, localIDColumn string, localID *uint64, resourceID []byte, scope string, attrs map[string]value.Value) error {
	if len(attrs) == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE resource_id = ? AND scope = ?`+conditionalLocalID(localID, localIDColumn), table), deleteArgs(resourceID, scope, localID)...); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
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

func conditionalLocalID(localID *uint64, column string) string {
	if localID == nil {
		return ""
	}
	return fmt.Sprintf(` AND %s = ?`, column)
}

func deleteArgs(resourceID []byte, scope string, localID *uint64) []interface{} {
	if localID == nil {
		return []interface{}{resourceID, scope}
	}
	return []interface{}{resourceID, scope, *localID}
}
