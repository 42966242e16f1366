//go:build cgo

package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	"venator/internal/model"
	"venator/internal/persist"
	"venator/internal/value"
)

// Replay reconstructs a Store (or any persist.Sink) from the durable
// tables: resources by connected_at, then spans by created_at, then events
// by timestamp. This is not necessarily the order the writer committed
// them in (§4.8 "startup replay").
func (b *Backend) Replay(ctx context.Context, into persist.Sink) error {
	if b == nil || b.db == nil {
		return fmt.Errorf("duckdb connection unavailable")
	}
	if err := replayResources(ctx, b.db, into); err != nil {
		return err
	}
	if err := replaySpans(ctx, b.db, into); err != nil {
		return err
	}
	return replayEvents(ctx, b.db, into)
}

func replayResources(ctx context.Context, db *sql.DB, into persist.Sink) error {
	rows, err := db.QueryContext(ctx, `SELECT id, connected_at, disconnected_at FROM resources ORDER BY connected_at`)
	if err != nil {
		return fmt.Errorf("replay resources: %w", err)
	}
	defer rows.Close()
	var ids [][]byte
	var connectedAts, disconnectedAts []uint64
	for rows.Next() {
		var id []byte
		var connectedAt, disconnectedAt uint64
		if err := rows.Scan(&id, &connectedAt, &disconnectedAt); err != nil {
			return fmt.Errorf("scan resource: %w", err)
		}
		ids = append(ids, id)
		connectedAts = append(connectedAts, connectedAt)
		disconnectedAts = append(disconnectedAts, disconnectedAt)
	}
	for i, id := range ids {
		rid := toResourceID(id)
		attrs, err := loadAttributes(ctx, db, "resource_attributes", "resource_id", id, nil, "own")
		if err != nil {
			return err
		}
		into.InsertResource(model.NewResource(rid, connectedAts[i], attrs))
		if disconnectedAts[i] != 0 {
			if err := into.DisconnectResource(rid, disconnectedAts[i]); err != nil {
				return fmt.Errorf("replay disconnect %s: %w", rid, err)
			}
		}
	}
	return nil
}

func replaySpans(ctx context.Context, db *sql.DB, into persist.Sink) error {
	rows, err := db.QueryContext(ctx, `SELECT resource_id, local_id, parent_resource_id, parent_local_id, created_at, closed_at, level, target, name, file, line FROM spans ORDER BY created_at`)
	if err != nil {
		return fmt.Errorf("replay spans: %w", err)
	}
	defer rows.Close()
	type row struct {
		resourceID, parentResourceID   []byte
		local                          uint64
		parentLocal                    sql.NullInt64
		createdAt, closedAt            uint64
		level                          int32
		target, name                   string
		file                           sql.NullString
		line                           sql.NullInt64
	}
	var buffered []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.resourceID, &r.local, &r.parentResourceID, &r.parentLocal, &r.createdAt, &r.closedAt, &r.level, &r.target, &r.name, &r.file, &r.line); err != nil {
			return fmt.Errorf("scan span: %w", err)
		}
		buffered = append(buffered, r)
	}
	for _, r := range buffered {
		rid := toResourceID(r.resourceID)
		own, err := loadAttributes(ctx, db, "span_attributes", "resource_id", r.resourceID, &r.local, "own")
		if err != nil {
			return err
		}
		inherited, err := loadAttributes(ctx, db, "span_attributes", "resource_id", r.resourceID, &r.local, "inherited")
		if err != nil {
			return err
		}
		sp := &model.Span{
			ID:         model.SpanID{Resource: rid, Local: r.local},
			CreatedAt:  r.createdAt,
			Level:      model.Level(r.level),
			Target:     r.target,
			Name:       r.name,
			Attributes: own,
			Inherited:  inherited,
		}
		if r.parentResourceID != nil && r.parentLocal.Valid {
			parent := model.SpanID{Resource: toResourceID(r.parentResourceID), Local: uint64(r.parentLocal.Int64)}
			sp.ParentID = &parent
		}
		if r.file.Valid {
			f := r.file.String
			sp.File = &f
		}
		if r.line.Valid {
			l := uint32(r.line.Int64)
			sp.Line = &l
		}
		if err := into.InsertSpanOpen(sp); err != nil {
			return fmt.Errorf("replay span %s: %w", sp.ID, err)
		}
		if r.closedAt != 0 {
			if err := into.CloseSpan(rid, r.local, r.closedAt); err != nil {
				return fmt.Errorf("replay close span %s: %w", sp.ID, err)
			}
		}
	}
	return nil
}

func replayEvents(ctx context.Context, db *sql.DB, into persist.Sink) error {
	rows, err := db.QueryContext(ctx, `SELECT resource_id, timestamp, parent_resource_id, parent_local_id, level, target, name, file, line FROM events ORDER BY timestamp`)
	if err != nil {
		return fmt.Errorf("replay events: %w", err)
	}
	defer rows.Close()
	type row struct {
		resourceID, parentResourceID []byte
		timestamp                    uint64
		parentLocal                  sql.NullInt64
		level                        int32
		target, name                 string
		file                         sql.NullString
		line                         sql.NullInt64
	}
	var buffered []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.resourceID, &r.timestamp, &r.parentResourceID, &r.parentLocal, &r.level, &r.target, &r.name, &r.file, &r.line); err != nil {
			return fmt.Errorf("scan event: %w", err)
		}
		buffered = append(buffered, r)
	}
	for _, r := range buffered {
		rid := toResourceID(r.resourceID)
		own, err := loadAttributesByTimestamp(ctx, db, "event_attributes", r.resourceID, r.timestamp, "own")
		if err != nil {
			return err
		}
		inherited, err := loadAttributesByTimestamp(ctx, db, "event_attributes", r.resourceID, r.timestamp, "inherited")
		if err != nil {
			return err
		}
		e := &model.Event{
			ID:         model.EventID{Resource: rid, Timestamp: r.timestamp},
			Timestamp:  r.timestamp,
			Level:      model.Level(r.level),
			Target:     r.target,
			Name:       r.name,
			Attributes: own,
			Inherited:  inherited,
		}
		if r.parentResourceID != nil && r.parentLocal.Valid {
			parent := model.SpanID{Resource: toResourceID(r.parentResourceID), Local: uint64(r.parentLocal.Int64)}
			e.ParentID = &parent
		}
		if r.file.Valid {
			f := r.file.String
			e.File = &f
		}
		if r.line.Valid {
			l := uint32(r.line.Int64)
			e.Line = &l
		}
		if err := into.InsertEvent(e); err != nil {
			return fmt.Errorf("replay event %s: %w", e.ID, err)
		}
	}
	return nil
}

func loadAttributes(ctx context.Context, db *sql.DB, table, resourceColumn string, resourceID []byte, localID *uint64, scope string) (map[string]value.Value, error) {
	query := fmt.Sprintf(`SELECT key, type, value FROM %s WHERE %s = ? AND scope = ?`, table, resourceColumn)
	args := []interface{}{resourceID, scope}
	if localID != nil {
		query += ` AND local_id = ?`
		args = append(args, *localID)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	defer rows.Close()
	out := map[string]value.Value{}
	for rows.Next() {
		var key, typ, payload string
		if err := rows.Scan(&key, &typ, &payload); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		v, err := persist.DecodeValue(typ, payload)
		if err != nil {
			return nil, fmt.Errorf("decode %s.%s: %w", table, key, err)
		}
		out[key] = v
	}
	return out, nil
}

func loadAttributesByTimestamp(ctx context.Context, db *sql.DB, table string, resourceID []byte, ts uint64, scope string) (map[string]value.Value, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT key, type, value FROM %s WHERE resource_id = ? AND timestamp = ? AND scope = ?`, table), resourceID, ts, scope)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", table, err)
	}
	defer rows.Close()
	out := map[string]value.Value{}
	for rows.Next() {
		var key, typ, payload string
		if err := rows.Scan(&key, &typ, &payload); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		v, err := persist.DecodeValue(typ, payload)
		if err != nil {
			return nil, fmt.Errorf("decode %s.%s: %w", table, key, err)
		}
		out[key] = v
	}
	return out, nil
}

func toResourceID(b []byte) model.ResourceID {
	var id model.ResourceID
	copy(id[:], b)
	return id
}
