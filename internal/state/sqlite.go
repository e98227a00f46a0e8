package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/leapstack-labs/leapaudit/pkg/core"

	_ "modernc.org/sqlite" // sqlite driver
)

// SQLiteStore is the audit log cache backed by SQLite.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store instance.
// If logger is nil, a discard logger is used.
func NewSQLiteStore(logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SQLiteStore{logger: logger}
}

// Open opens a connection to the SQLite database.
// Use ":memory:" for an in-memory database.
func (s *SQLiteStore) Open(path string) error {
	dsn := path + "?_pragma=foreign_keys(1)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection keeps an in-memory database alive and serializes writes.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	s.db = db
	s.path = path
	s.logger.Debug("opened audit log cache", slog.String("path", path))
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Path returns the database path the store was opened with.
func (s *SQLiteStore) Path() string {
	return s.path
}

// InitSchema initializes the database schema.
func (s *SQLiteStore) InitSchema() error {
	return s.Migrate()
}

// Reset removes every session and record from the log.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audit_records`); err != nil {
		return fmt.Errorf("failed to reset audit records: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM fetch_sessions`); err != nil {
		return fmt.Errorf("failed to reset fetch sessions: %w", err)
	}
	return nil
}

// StartSession opens a new fetch session for window.
func (s *SQLiteStore) StartSession(ctx context.Context, window core.TimeWindow, fingerprint string) (*FetchSession, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	w := window.UTC()
	sess := &FetchSession{
		ID:          uuid.New().String(),
		Fingerprint: fingerprint,
		Window:      w,
		StartedAt:   time.Now().UTC(),
	}

	s.logger.Debug("starting fetch session", slog.String("id", sess.ID), slog.String("window", w.String()))

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fetch_sessions (id, fingerprint, window_start, window_end, bucket_duration, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Fingerprint, formatTime(w.StartTime), formatTime(w.EndTime),
		string(w.BucketDuration), formatTime(sess.StartedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetch session: %w", err)
	}
	return sess, nil
}

// CompleteSession marks a session as fully written with recordCount records.
func (s *SQLiteStore) CompleteSession(ctx context.Context, id string, recordCount int64) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE fetch_sessions SET completed_at = ?, record_count = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), recordCount, id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete fetch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fetch session not found: %s", id)
	}
	return nil
}

// FindCompletedSession returns the latest completed session with fingerprint,
// or nil when there is none.
func (s *SQLiteStore) FindCompletedSession(ctx context.Context, fingerprint string) (*FetchSession, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	row := s.db.QueryRowContext(ctx, sessionSelect+`
		WHERE fingerprint = ? AND completed_at IS NOT NULL
		ORDER BY started_at DESC LIMIT 1`, fingerprint)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find fetch session: %w", err)
	}
	return sess, nil
}

// ListSessions returns every session, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*FetchSession, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	rows, err := s.db.QueryContext(ctx, sessionSelect+` ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list fetch sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*FetchSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fetch session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fetch sessions: %w", err)
	}
	return sessions, nil
}

const sessionSelect = `SELECT id, fingerprint, window_start, window_end, bucket_duration,
	started_at, completed_at, record_count FROM fetch_sessions`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*FetchSession, error) {
	var (
		sess                          FetchSession
		start, end, bucket, startedAt string
		completedAt                   sql.NullString
	)
	if err := sc.Scan(&sess.ID, &sess.Fingerprint, &start, &end, &bucket,
		&startedAt, &completedAt, &sess.RecordCount); err != nil {
		return nil, err
	}

	var err error
	if sess.Window.StartTime, err = parseTime(start); err != nil {
		return nil, err
	}
	if sess.Window.EndTime, err = parseTime(end); err != nil {
		return nil, err
	}
	sess.Window.BucketDuration = core.BucketDuration(bucket)
	if sess.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		sess.CompletedAt = &t
	}
	return &sess, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}
