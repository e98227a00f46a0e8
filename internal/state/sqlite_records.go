package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/leapstack-labs/leapaudit/pkg/core"
)

// Appender writes records of one session inside a single transaction.
// Records are stored in append order and read back in that order.
type Appender struct {
	tx        *sql.Tx
	stmt      *sql.Stmt
	sessionID string
	count     int64
}

// BeginAppend starts appending records to session.
func (s *SQLiteStore) BeginAppend(ctx context.Context, sessionID string) (*Appender, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO audit_records (session_id, kind, payload) VALUES (?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	return &Appender{tx: tx, stmt: stmt, sessionID: sessionID}, nil
}

// Append adds rec to the end of the log.
func (a *Appender) Append(ctx context.Context, rec core.AuditRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if _, err := a.stmt.ExecContext(ctx, a.sessionID, string(rec.Kind), string(payload)); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	a.count++
	return nil
}

// Count returns the number of records appended so far.
func (a *Appender) Count() int64 {
	return a.count
}

// Commit makes the appended records durable.
func (a *Appender) Commit() error {
	_ = a.stmt.Close()
	if err := a.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit records: %w", err)
	}
	return nil
}

// Rollback discards the appended records.
func (a *Appender) Rollback() error {
	_ = a.stmt.Close()
	return a.tx.Rollback()
}

// Records iterates a session's records in append order. A decode or cursor
// error is yielded once and ends the iteration.
func (s *SQLiteStore) Records(ctx context.Context, sessionID string) iter.Seq2[core.AuditRecord, error] {
	return func(yield func(core.AuditRecord, error) bool) {
		if s.db == nil {
			yield(core.AuditRecord{}, fmt.Errorf("database not opened"))
			return
		}

		rows, err := s.db.QueryContext(ctx,
			`SELECT payload FROM audit_records WHERE session_id = ? ORDER BY seq`, sessionID)
		if err != nil {
			yield(core.AuditRecord{}, fmt.Errorf("failed to read records: %w", err))
			return
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var payload string
			if err := rows.Scan(&payload); err != nil {
				yield(core.AuditRecord{}, fmt.Errorf("failed to scan record: %w", err))
				return
			}
			var rec core.AuditRecord
			if err := json.Unmarshal([]byte(payload), &rec); err != nil {
				yield(core.AuditRecord{}, fmt.Errorf("failed to decode record: %w", err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(core.AuditRecord{}, fmt.Errorf("error iterating records: %w", err))
		}
	}
}

// CountRecords returns the number of records stored for a session.
func (s *SQLiteStore) CountRecords(ctx context.Context, sessionID string) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("database not opened")
	}
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_records WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}
