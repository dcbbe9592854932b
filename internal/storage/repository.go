// Package storage implements the persistent backends of sessions, settings
// blobs and the auth event audit log.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cashmanager/internal/core"
	"cashmanager/internal/log"
	"cashmanager/internal/session"
	"cashmanager/internal/settings"

	_ "modernc.org/sqlite"
)

// SQLiteRepository stores sessions, settings and auth events in one SQLite file.
type SQLiteRepository struct {
	db     *sql.DB
	logger *log.Logger
}

func NewSQLiteRepository(dbPath string, logger *log.Logger) (*SQLiteRepository, error) {
	if logger == nil {
		logger = log.Default(log.ComponentStorage)
	}
	logger = logger.WithComponent(log.ComponentStorage)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	version, err := RunMigrations(dbPath)
	if err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("SQLite storage ready", "db_path", dbPath, "schema_version", version)
	return &SQLiteRepository{db: db, logger: logger}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping reports whether the database answers.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (session.Record, error) {
	var data string
	err := r.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Record{}, session.ErrNotFound
	}
	if err != nil {
		return session.Record{}, fmt.Errorf("get session: %w", err)
	}

	var rec session.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return session.Record{}, fmt.Errorf("decode session: %w", err)
	}
	return rec, nil
}

func (r *SQLiteRepository) SaveSession(ctx context.Context, rec session.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	var userID, expiresAt any
	if rec.User != nil {
		userID = rec.User.ID
	}
	if exp := rec.ExpiresAt(); !exp.IsZero() {
		expiresAt = exp.Unix()
	}
	now := time.Now().Unix()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, data, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			data = excluded.data,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		rec.ID, userID, string(data), expiresAt, now, now)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) DeleteSession(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at IS NOT NULL AND expires_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count expired sessions: %w", err)
	}
	return int(n), nil
}

func (r *SQLiteRepository) LoadSettings(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings_kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, settings.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return []byte(value), nil
}

func (r *SQLiteRepository) SaveSettings(ctx context.Context, key string, blob []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings_kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(blob), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// RecordAuthEvent stores an event once; redelivered events are ignored.
func (r *SQLiteRepository) RecordAuthEvent(ctx context.Context, e core.AuthEvent) (bool, error) {
	if !e.Type.Valid() {
		return false, fmt.Errorf("unknown auth event type %q", e.Type)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO auth_events (id, type, session_ref, user_id, email, provider, occurred_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		e.ID, string(e.Type), e.SessionRef, nullable(e.UserID), nullable(e.Email), nullable(e.Provider),
		e.Timestamp.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("record auth event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record auth event: %w", err)
	}
	return n == 1, nil
}

// ListAuthEvents returns the most recent events, newest first.
func (r *SQLiteRepository) ListAuthEvents(ctx context.Context, limit int) ([]core.AuthEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, type, session_ref, user_id, email, provider, occurred_at
		FROM auth_events ORDER BY occurred_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list auth events: %w", err)
	}
	defer rows.Close()

	var events []core.AuthEvent
	for rows.Next() {
		var (
			e                       core.AuthEvent
			typ                     string
			userID, email, provider sql.NullString
			occurredAt              int64
		)
		if err := rows.Scan(&e.ID, &typ, &e.SessionRef, &userID, &email, &provider, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan auth event: %w", err)
		}
		e.Type = core.AuthEventType(typ)
		e.UserID = userID.String
		e.Email = email.String
		e.Provider = provider.String
		e.Timestamp = time.UnixMilli(occurredAt).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list auth events: %w", err)
	}
	return events, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// DeleteAuthEventsBefore prunes events that occurred before cutoff.
func (r *SQLiteRepository) DeleteAuthEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM auth_events WHERE occurred_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune auth events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune auth events: %w", err)
	}
	return int(n), nil
}
