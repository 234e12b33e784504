package kstar

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// traceIndex is an optional embedded relational index over the trace
// family. The JSONL file stays the source of truth; the index only
// accelerates range queries.
type traceIndex struct {
	db *sql.DB
}

const traceIndexSchema = `
CREATE TABLE IF NOT EXISTS traces (
	id            TEXT PRIMARY KEY,
	session_id    TEXT,
	capability_id TEXT,
	actor         TEXT,
	channel       TEXT,
	verb          TEXT,
	success       INTEGER,
	created_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_traces_created ON traces(created_at);
CREATE INDEX IF NOT EXISTS idx_traces_session ON traces(session_id, created_at);
`

func openTraceIndex(path string) (*traceIndex, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace index: %w", err)
	}
	if _, err := db.Exec(traceIndexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize trace index: %w", err)
	}
	return &traceIndex{db: db}, nil
}

func (ix *traceIndex) insert(t *Trace) error {
	_, err := ix.db.Exec(
		`INSERT OR IGNORE INTO traces
		 (id, session_id, capability_id, actor, channel, verb, success, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.CapabilityID,
		t.Situation.Actor, t.Situation.Channel, t.Verb,
		boolInt(t.Result.Success), t.CreatedAt.UnixNano(),
	)
	return err
}

// idsInRange returns trace ids created within [since, until], newest first.
func (ix *traceIndex) idsInRange(since, until time.Time) ([]string, error) {
	lo := int64(0)
	if !since.IsZero() {
		lo = since.UnixNano()
	}
	hi := int64(1<<63 - 1)
	if !until.IsZero() {
		hi = until.UnixNano()
	}
	rows, err := ix.db.Query(
		`SELECT id FROM traces WHERE created_at >= ? AND created_at <= ?
		 ORDER BY created_at DESC`, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (ix *traceIndex) close() error {
	return ix.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
