package profile

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database and ensures the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	schema := `CREATE TABLE IF NOT EXISTS task_profile (
        run_id TEXT,
        task TEXT,
        op TEXT,
        chunk_lat INTEGER,
        chunk_lon INTEGER,
        start INTEGER,
        duration INTEGER,
        heap_bytes INTEGER,
        error TEXT
    );`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO task_profile
        (run_id, task, op, chunk_lat, chunk_lon, start, duration, heap_bytes, error)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Task, r.Op, r.ChunkLat, r.ChunkLon, r.Start.UnixNano(), int64(r.Duration), int64(r.HeapBytes), r.Error)
	return err
}

func (s *SQLiteStore) Query(ctx context.Context, q Query) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, task, op, chunk_lat, chunk_lon, start, duration, heap_bytes, error
        FROM task_profile ORDER BY start, rowid`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []Record
	for rows.Next() {
		var r Record
		var start, dur, heap int64
		if err := rows.Scan(&r.RunID, &r.Task, &r.Op, &r.ChunkLat, &r.ChunkLon, &start, &dur, &heap, &r.Error); err != nil {
			return nil, err
		}
		r.Start = time.Unix(0, start).UTC()
		r.Duration = time.Duration(dur)
		r.HeapBytes = uint64(heap)
		if q.match(r) {
			res = append(res, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
