// Package externals records media that lives outside the session tree.
package externals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// DBName is the registry file inside the session's externals directory.
const DBName = "registry.db"

// File is one external media file referenced by a source.
type File struct {
	SourceID   string
	Path       string
	Type       string
	Size       int64
	ArchivedAs string
	UpdatedAt  time.Time
}

type Registry struct {
	db   *sql.DB
	path string
}

// Open opens or creates the registry in dir.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	path := filepath.Join(dir, DBName)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS external_files (
		source_id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		type TEXT NOT NULL,
		size INTEGER NOT NULL,
		archived_as TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create external_files table: %w", err)
	}
	return &Registry{db: db, path: path}, nil
}

func (r *Registry) Path() string {
	return r.path
}

// Record stores or refreshes a file, keeping its archived name.
func (r *Registry) Record(ctx context.Context, f File) error {
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO external_files (source_id, path, type, size, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET path = excluded.path, type = excluded.type,
			size = excluded.size, updated_at = excluded.updated_at`,
		f.SourceID, f.Path, f.Type, f.Size, f.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("record %s: %w", f.SourceID, err)
	}
	return nil
}

// MarkArchived stores the name a file was given inside an archive.
func (r *Registry) MarkArchived(ctx context.Context, sourceID, archivedAs string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE external_files SET archived_as = ?, updated_at = ? WHERE source_id = ?`,
		archivedAs, time.Now().Unix(), sourceID)
	if err != nil {
		return fmt.Errorf("mark archived %s: %w", sourceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark archived: unknown source %s", sourceID)
	}
	return nil
}

// List returns every recorded file ordered by path.
func (r *Registry) List(ctx context.Context) ([]File, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT source_id, path, type, size, archived_as, updated_at
		FROM external_files ORDER BY path, source_id`)
	if err != nil {
		return nil, fmt.Errorf("select external_files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []File
	for rows.Next() {
		var f File
		var updated int64
		if err := rows.Scan(&f.SourceID, &f.Path, &f.Type, &f.Size, &f.ArchivedAs, &updated); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		f.UpdatedAt = time.Unix(updated, 0)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Forget drops every file whose source is not in keep.
func (r *Registry) Forget(ctx context.Context, keep map[string]bool) (removed int, retErr error) {
	files, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, f := range files {
		if keep[f.SourceID] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM external_files WHERE source_id = ?`, f.SourceID); err != nil {
			return 0, fmt.Errorf("forget %s: %w", f.SourceID, err)
		}
		removed++
	}
	return removed, tx.Commit()
}

func (r *Registry) Close() error {
	return r.db.Close()
}
