// Package ledger keeps a local SQLite history of runs and verifications.
// The ledger is a convenience index: chains verify without it.
package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

type RunEntry struct {
	RunID       string    `json:"run_id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	RunRoot     string    `json:"run_root"`
	ChainPath   string    `json:"chain_path,omitempty"`
	ChainDigest string    `json:"chain_digest,omitempty"`
	Steps       int       `json:"steps"`
	State       string    `json:"state"`
	Error       string    `json:"error,omitempty"`
}

type VerificationEntry struct {
	RunID           string    `json:"run_id"`
	ChainPath       string    `json:"chain_path"`
	VerifiedAt      time.Time `json:"verified_at"`
	OK              bool      `json:"ok"`
	StepsChecked    int       `json:"steps_checked"`
	FailureCheck    string    `json:"failure_check,omitempty"`
	FailureSequence *int      `json:"failure_sequence,omitempty"`
	FailureReason   string    `json:"failure_reason,omitempty"`
}

type Ledger struct {
	db *sql.DB
}

// Open creates or opens the ledger database at path.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect ledger: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ledger %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// RecordRun inserts or replaces the entry for entry.RunID.
func (l *Ledger) RecordRun(ctx context.Context, entry RunEntry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
			(run_id, started_at, finished_at, run_root, chain_path, chain_digest, steps, state, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID,
		entry.StartedAt.UTC().UnixNano(),
		entry.FinishedAt.UTC().UnixNano(),
		entry.RunRoot,
		entry.ChainPath,
		entry.ChainDigest,
		entry.Steps,
		entry.State,
		entry.Error,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", entry.RunID, err)
	}
	return nil
}

func (l *Ledger) RecordVerification(ctx context.Context, entry VerificationEntry) error {
	var sequence sql.NullInt64
	if entry.FailureSequence != nil {
		sequence = sql.NullInt64{Int64: int64(*entry.FailureSequence), Valid: true}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO verifications
			(run_id, chain_path, verified_at, ok, steps_checked, failure_check, failure_sequence, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID,
		entry.ChainPath,
		entry.VerifiedAt.UTC().UnixNano(),
		entry.OK,
		entry.StepsChecked,
		entry.FailureCheck,
		sequence,
		entry.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("record verification of %s: %w", entry.RunID, err)
	}
	return nil
}

// Runs lists recorded runs newest first. A limit of zero or less lists all.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]RunEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, started_at, finished_at, run_root, chain_path, chain_digest, steps, state, error
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var entries []RunEntry
	for rows.Next() {
		var entry RunEntry
		var started, finished int64
		if err := rows.Scan(&entry.RunID, &started, &finished, &entry.RunRoot, &entry.ChainPath, &entry.ChainDigest, &entry.Steps, &entry.State, &entry.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		entry.StartedAt = time.Unix(0, started).UTC()
		entry.FinishedAt = time.Unix(0, finished).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return entries, nil
}

// Verifications lists the verifications recorded for runID, oldest first.
func (l *Ledger) Verifications(ctx context.Context, runID string) ([]VerificationEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, chain_path, verified_at, ok, steps_checked, failure_check, failure_sequence, failure_reason
		FROM verifications
		WHERE run_id = ?
		ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list verifications: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var entries []VerificationEntry
	for rows.Next() {
		var entry VerificationEntry
		var verified int64
		var sequence sql.NullInt64
		if err := rows.Scan(&entry.RunID, &entry.ChainPath, &verified, &entry.OK, &entry.StepsChecked, &entry.FailureCheck, &sequence, &entry.FailureReason); err != nil {
			return nil, fmt.Errorf("scan verification: %w", err)
		}
		entry.VerifiedAt = time.Unix(0, verified).UTC()
		if sequence.Valid {
			value := int(sequence.Int64)
			entry.FailureSequence = &value
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list verifications: %w", err)
	}
	return entries, nil
}
