package mdal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Index is the sqlite-backed resource-manager log: it durably records
// which reference paths hold pending rebuild or repack markers, so the
// resource manager can resume a sweep after a restart without re-walking
// the entire namespace. It stores no reference-directory mapping;
// reference paths are computed by ftag.Metaname. This
// generalizes the teacher's internal/db bootstrap (WAL + busy_timeout
// DSN, CREATE TABLE IF NOT EXISTS migration style) from an NZB-import
// catalog into a marker-tracking log.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if necessary) the sqlite index at path.
func OpenIndex(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mdal: mkdir index dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("mdal: open index: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rebuild_markers (
			id TEXT PRIMARY KEY,
			refpath TEXT NOT NULL,
			objname TEXT NOT NULL,
			recorded_at INTEGER NOT NULL,
			resolved INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rebuild_markers_resolved ON rebuild_markers(resolved, recorded_at);`,
		`CREATE INDEX IF NOT EXISTS idx_rebuild_markers_objname ON rebuild_markers(objname);`,

		`CREATE TABLE IF NOT EXISTS repack_markers (
			id TEXT PRIMARY KEY,
			refpath TEXT NOT NULL,
			recorded_at INTEGER NOT NULL,
			resolved INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_repack_markers_resolved ON repack_markers(resolved, recorded_at);`,
	}
	for _, s := range stmts {
		if _, err := idx.db.Exec(s); err != nil {
			return fmt.Errorf("mdal: migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (idx *Index) Close() error { return idx.db.Close() }

// RecordRebuildMarker durably logs that a rebuild marker was written for
// objname at refpath, so the resource manager can find it even if the
// in-memory sweep that created it crashes before consuming it.
func (idx *Index) RecordRebuildMarker(refpath, objname string) error {
	_, err := idx.db.Exec(
		`INSERT INTO rebuild_markers(id, refpath, objname, recorded_at) VALUES (?,?,?,?)`,
		uuid.NewString(), refpath, objname, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("mdal: record rebuild marker: %w", err)
	}
	return nil
}

// ResolveRebuildMarker marks a previously-recorded rebuild marker as
// resolved (rebuild completed and the marker file removed).
func (idx *Index) ResolveRebuildMarker(refpath string) error {
	_, err := idx.db.Exec(
		`UPDATE rebuild_markers SET resolved = 1 WHERE refpath = ? AND resolved = 0`, refpath,
	)
	if err != nil {
		return fmt.Errorf("mdal: resolve rebuild marker: %w", err)
	}
	return nil
}

// PendingRebuildMarker is one outstanding rebuild-marker log entry.
type PendingRebuildMarker struct {
	RefPath    string
	ObjName    string
	RecordedAt time.Time
}

// PendingRebuildMarkers lists every rebuild marker not yet resolved,
// oldest first.
func (idx *Index) PendingRebuildMarkers() ([]PendingRebuildMarker, error) {
	rows, err := idx.db.Query(
		`SELECT refpath, objname, recorded_at FROM rebuild_markers WHERE resolved = 0 ORDER BY recorded_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("mdal: list pending rebuild markers: %w", err)
	}
	defer rows.Close()
	var out []PendingRebuildMarker
	for rows.Next() {
		var m PendingRebuildMarker
		var recordedAt int64
		if err := rows.Scan(&m.RefPath, &m.ObjName, &recordedAt); err != nil {
			return nil, fmt.Errorf("mdal: scan pending rebuild marker: %w", err)
		}
		m.RecordedAt = time.Unix(recordedAt, 0).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecordRepackMarker durably logs that a repack marker was written at
// refpath.
func (idx *Index) RecordRepackMarker(refpath string) error {
	_, err := idx.db.Exec(
		`INSERT INTO repack_markers(id, refpath, recorded_at) VALUES (?,?,?)`,
		uuid.NewString(), refpath, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("mdal: record repack marker: %w", err)
	}
	return nil
}

// ResolveRepackMarker marks a previously-recorded repack marker as
// resolved (repack completed or rolled back, marker gone).
func (idx *Index) ResolveRepackMarker(refpath string) error {
	_, err := idx.db.Exec(
		`UPDATE repack_markers SET resolved = 1 WHERE refpath = ? AND resolved = 0`, refpath,
	)
	if err != nil {
		return fmt.Errorf("mdal: resolve repack marker: %w", err)
	}
	return nil
}

// PendingRepackMarkers lists every repack marker not yet resolved.
func (idx *Index) PendingRepackMarkers() ([]string, error) {
	rows, err := idx.db.Query(
		`SELECT refpath FROM repack_markers WHERE resolved = 0 ORDER BY recorded_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("mdal: list pending repack markers: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var refpath string
		if err := rows.Scan(&refpath); err != nil {
			return nil, fmt.Errorf("mdal: scan pending repack marker: %w", err)
		}
		out = append(out, refpath)
	}
	return out, rows.Err()
}
