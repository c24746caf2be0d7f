package blob

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS blobs (
    id           TEXT    PRIMARY KEY,
    content_type TEXT    NOT NULL,
    size_bytes   INTEGER NOT NULL,
    data         BLOB    NOT NULL,
    uploaded_at  TEXT    NOT NULL
);
`

// SQLiteStore keeps blobs in a table of an existing SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

// NewSQLiteStore creates the blobs table in db if needed. The caller keeps
// ownership of db.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("applying blob schema: %w", err)
	}
	return &SQLiteStore{db: db, log: logger}, nil
}

// Upload stores data under id, replacing any previous content.
func (s *SQLiteStore) Upload(ctx context.Context, id string, data []byte, contentType string) (Metadata, error) {
	id, err := ValidateUpload(id, data, contentType)
	if err != nil {
		return Metadata{}, err
	}
	meta := Metadata{ID: id, ContentType: contentType, Size: int64(len(data)), UploadedAt: time.Now().UTC()}

	const q = `
		INSERT INTO blobs (id, content_type, size_bytes, data, uploaded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    content_type = excluded.content_type,
		    size_bytes   = excluded.size_bytes,
		    data         = excluded.data,
		    uploaded_at  = excluded.uploaded_at`
	if _, err := s.db.ExecContext(ctx, q, id, contentType, meta.Size, data,
		meta.UploadedAt.Format(time.RFC3339Nano)); err != nil {
		return Metadata{}, fmt.Errorf("storing blob %q: %w", id, err)
	}
	s.log.Debug("blob uploaded", "file_id", id, "size", meta.Size)
	return meta, nil
}

// Download returns the content stored under id.
func (s *SQLiteStore) Download(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob %q: %w", id, err)
	}
	return data, nil
}

// Stat returns the metadata of the blob stored under id.
func (s *SQLiteStore) Stat(ctx context.Context, id string) (Metadata, error) {
	meta := Metadata{ID: id}
	var uploaded string
	err := s.db.QueryRowContext(ctx,
		`SELECT content_type, size_bytes, uploaded_at FROM blobs WHERE id = ?`, id,
	).Scan(&meta.ContentType, &meta.Size, &uploaded)
	if err == sql.ErrNoRows {
		return Metadata{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("reading blob metadata %q: %w", id, err)
	}
	meta.UploadedAt, _ = time.Parse(time.RFC3339Nano, uploaded)
	return meta, nil
}

// Delete removes the blob stored under id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting blob %q: %w", id, err)
	}
	return nil
}
