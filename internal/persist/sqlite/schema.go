package sqlite

const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS resources (
  id BLOB PRIMARY KEY,
  connected_at INTEGER NOT NULL,
  disconnected_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS resource_attributes (
  resource_id BLOB NOT NULL,
  scope TEXT NOT NULL,
  key TEXT NOT NULL,
  type TEXT NOT NULL,
  value TEXT NOT NULL,
  UNIQUE(resource_id, scope, key),
  FOREIGN KEY(resource_id) REFERENCES resources(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS spans (
  resource_id BLOB NOT NULL,
  local_id INTEGER NOT NULL,
  parent_resource_id BLOB,
  parent_local_id INTEGER,
  created_at INTEGER NOT NULL,
  closed_at INTEGER NOT NULL DEFAULT 0,
  level INTEGER NOT NULL,
  target TEXT NOT NULL,
  name TEXT NOT NULL,
  file TEXT,
  line INTEGER,
  PRIMARY KEY (resource_id, local_id)
);

CREATE INDEX IF NOT EXISTS spans_created_at_idx ON spans(created_at);
CREATE INDEX IF NOT EXISTS spans_parent_idx ON spans(parent_resource_id, parent_local_id);

CREATE TABLE IF NOT EXISTS span_attributes (
  resource_id BLOB NOT NULL,
  local_id INTEGER NOT NULL,
  scope TEXT NOT NULL,
  key TEXT NOT NULL,
  type TEXT NOT NULL,
  value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS span_attributes_span_idx ON span_attributes(resource_id, local_id);
CREATE INDEX IF NOT EXISTS span_attributes_key_value_idx ON span_attributes(key, value);

CREATE TABLE IF NOT EXISTS events (
  resource_id BLOB NOT NULL,
  timestamp INTEGER NOT NULL,
  parent_resource_id BLOB,
  parent_local_id INTEGER,
  level INTEGER NOT NULL,
  target TEXT NOT NULL,
  name TEXT NOT NULL,
  file TEXT,
  line INTEGER,
  PRIMARY KEY (resource_id, timestamp)
);

CREATE INDEX IF NOT EXISTS events_timestamp_idx ON events(timestamp);
CREATE INDEX IF NOT EXISTS events_parent_idx ON events(parent_resource_id, parent_local_id);

CREATE TABLE IF NOT EXISTS event_attributes (
  resource_id BLOB NOT NULL,
  timestamp INTEGER NOT NULL,
  scope TEXT NOT NULL,
  key TEXT NOT NULL,
  type TEXT NOT NULL,
  value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS event_attributes_event_idx ON event_attributes(resource_id, timestamp);
CREATE INDEX IF NOT EXISTS event_attributes_key_value_idx ON event_attributes(key, value);
`
