package history

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed schema.sql
var schema string

// SQLiteBackend stores records in an embedded SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	b := &SQLiteBackend{db: db}
	if err := b.initPragmas(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// Load reads all records ordered by id.
func (b *SQLiteBackend) Load(ctx context.Context) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, run_id, attempt, executor_id, quality_score, success, duration_ms, method, features, created_at
		FROM dispatch_history ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r            Record
			success      int
			featuresJSON string
			createdAt    string
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.Attempt, &r.ExecutorID, &r.QualityScore,
			&success, &r.DurationMs, &r.Method, &featuresJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.Success = success != 0
		if err := json.Unmarshal([]byte(featuresJSON), &r.Features); err != nil {
			return nil, fmt.Errorf("decode features of record %d: %w", r.ID, err)
		}
		if r.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse timestamp of record %d: %w", r.ID, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return records, nil
}

// Append inserts one record.
func (b *SQLiteBackend) Append(ctx context.Context, r Record) error {
	return insertRecord(ctx, b.db, r)
}

// Save replaces the table contents in one transaction.
func (b *SQLiteBackend) Save(ctx context.Context, records []Record) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM dispatch_history"); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	for _, r := range records {
		if err := insertRecord(ctx, tx, r); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, db execer, r Record) error {
	featuresJSON, err := json.Marshal(r.Features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	success := 0
	if r.Success {
		success = 1
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO dispatch_history (id, run_id, attempt, executor_id, quality_score, success, duration_ms, method, features, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RunID, r.Attempt, r.ExecutorID, r.QualityScore, success, r.DurationMs, r.Method,
		string(featuresJSON), r.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert record %d: %w", r.ID, err)
	}
	return nil
}
