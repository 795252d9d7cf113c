package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite stores documents as JSON rows in a single table.
type SQLite struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(ctx context.Context, path string, log *slog.Logger) (*SQLite, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLite{db: db, log: log.With(slog.String("component", "docstore")), clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS documents (
    collection TEXT NOT NULL,
    id TEXT NOT NULL,
    fields TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY(collection, id)
);
CREATE INDEX IF NOT EXISTS idx_documents_collection_created ON documents(collection, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init docstore schema: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	var (
		where strings.Builder
		args  = []any{collection}
	)
	where.WriteString("collection = ?")
	for _, f := range filters {
		if err := ValidateField(f.Field); err != nil {
			return nil, err
		}
		where.WriteString(" AND json_extract(fields, '$." + f.Field + "') = ?")
		args = append(args, f.Value)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fields FROM documents WHERE `+where.String()+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			id  string
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		fields, err := decodeFields(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
		docs = append(docs, Document{ID: id, Fields: fields})
	}
	return docs, rows.Err()
}

func (s *SQLite) Create(ctx context.Context, collection string, fields Fields) (string, error) {
	now := s.clock().UTC()
	raw, err := encodeFields(resolveTimestamps(fields, now))
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents(collection, id, fields, created_at, updated_at) VALUES(?, ?, ?, ?, ?)`,
		collection, id, raw, now, now)
	if err != nil {
		return "", fmt.Errorf("create in %s: %w", collection, err)
	}
	return id, nil
}

// Update merges fields into an existing document.
func (s *SQLite) Update(ctx context.Context, collection, id string, fields Fields) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT fields FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	current, err := decodeFields(raw)
	if err != nil {
		return err
	}
	now := s.clock().UTC()
	for k, v := range resolveTimestamps(fields, now) {
		current[k] = v
	}
	merged, err := encodeFields(current)
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE documents SET fields = ?, updated_at = ? WHERE collection = ? AND id = ?`,
		merged, now, collection, id); err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	return tx.Commit()
}

func (s *SQLite) Delete(ctx context.Context, collection string, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, collection)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", collection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func resolveTimestamps(fields Fields, now time.Time) Fields {
	out := make(Fields, len(fields))
	for k, v := range fields {
		if v == ServerTimestamp {
			v = now.Format(time.RFC3339Nano)
		}
		out[k] = v
	}
	return out
}

func encodeFields(fields Fields) (string, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(data), nil
}

func decodeFields(raw string) (Fields, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	fields := Fields{}
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}
