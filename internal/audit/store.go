// Package audit persists alerts and call transitions to sqlite. The
// real-time path only writes; reads serve the staff API.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"carebridge/pkg/types"
)

var (
	ErrStoreClosed  = errors.New("audit store is closed")
	ErrWriteTimeout = errors.New("audit write timed out")
)

// Limits for RecentAlerts.
const (
	DefaultAlertLimit = 50
	MaxAlertLimit     = 500
)

// Store implements interfaces.AuditStore. Writes go through a single
// writer goroutine; reads use the connection pool.
type Store struct {
	db           *sql.DB
	cfg          Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	log          zerolog.Logger
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// Open opens the database at cfg.Path, applies migrations and starts the
// writer.
func Open(cfg Config, logger zerolog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	migrations := NewMigrationManager(db)
	if err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:           db,
		cfg:          cfg,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		log:          logger.With().Str("component", "audit").Logger(),
	}
	s.wg.Add(1)
	go s.writeLoop()

	s.log.Info().Str("path", cfg.Path).Msg("audit store opened")
	return s, nil
}

// writeLoop runs every write, retrying a failed one once.
func (s *Store) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.writeChannel:
			err := op.operation(s.db)
			if err != nil {
				s.log.Warn().Err(err).Dur("retry_in", s.cfg.RetryDelay).Msg("audit write failed, retrying")
				time.Sleep(s.cfg.RetryDelay)
				if err = op.operation(s.db); err != nil {
					s.log.Error().Err(err).Msg("audit write failed after retry")
				}
			}
			op.result <- err
		case <-s.shutdown:
			return
		}
	}
}

func (s *Store) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(s.cfg.WriteTimeout)
	defer timeout.Stop()

	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timeout.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-s.shutdown:
		return ErrStoreClosed
	}

	select {
	case err := <-result:
		return err
	case <-timeout.C:
		return ErrWriteTimeout
	case <-s.shutdown:
		return ErrStoreClosed
	}
}

// RecordAlert stores an alert.
func (s *Store) RecordAlert(ctx context.Context, alert *types.Alert) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO alerts (id, type, severity, source, subject_id, payload, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			alert.ID,
			alert.Type,
			alert.Severity,
			alert.Source,
			nullString(alert.SubjectID),
			nullString(string(alert.Payload)),
			alert.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert alert: %w", err)
		}
		return nil
	})
}

// RecordCall stores one call lifecycle transition.
func (s *Store) RecordCall(ctx context.Context, record *types.CallRecord) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO call_events (call_id, caller_id, callee_id, call_type, state, reason, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			record.CallID,
			record.CallerID,
			record.CalleeID,
			record.CallType,
			record.State,
			nullString(string(record.Reason)),
			record.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert call event: %w", err)
		}
		return nil
	})
}

// RecentAlerts returns the newest alerts first. limit is clamped to
// [1, MaxAlertLimit]; zero means DefaultAlertLimit.
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]*types.Alert, error) {
	switch {
	case limit <= 0:
		limit = DefaultAlertLimit
	case limit > MaxAlertLimit:
		limit = MaxAlertLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, severity, source, subject_id, payload, timestamp
		FROM alerts
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var alerts []*types.Alert
	for rows.Next() {
		var a types.Alert
		var subject, payload sql.NullString
		if err := rows.Scan(&a.ID, &a.Type, &a.Severity, &a.Source, &subject, &payload, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}
		a.SubjectID = subject.String
		if payload.Valid {
			a.Payload = []byte(payload.String)
		}
		alerts = append(alerts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alert rows: %w", err)
	}
	return alerts, nil
}

// CallHistory returns the transitions of one call in the order recorded.
func (s *Store) CallHistory(ctx context.Context, callID string) ([]*types.CallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT call_id, caller_id, callee_id, call_type, state, reason, timestamp
		FROM call_events
		WHERE call_id = ?
		ORDER BY id ASC
	`, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to query call events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*types.CallRecord
	for rows.Next() {
		var r types.CallRecord
		var reason sql.NullString
		if err := rows.Scan(&r.CallID, &r.CallerID, &r.CalleeID, &r.CallType, &r.State, &reason, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan call event row: %w", err)
		}
		r.Reason = types.EndReason(reason.String)
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating call event rows: %w", err)
	}
	return records, nil
}

// HealthCheck pings the database and runs a read.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops the writer and closes the database. It is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
