package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"secureshare/pkg/domain"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed      = 0
	circuitOpen        = 1
	circuitHalfOpen    = 2
	maxFailures        = 5
	cooldownSeconds    = 30
	minResponseTime    = 50 * time.Millisecond
	responseTimeJitter = 20 * time.Millisecond
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	_, err = s.db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	_, err = s.db.Exec("PRAGMA synchronous=FULL")
	if err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS secrets (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		content TEXT NOT NULL,
		content_kind TEXT NOT NULL DEFAULT 'text',
		file_name TEXT,
		password_hash TEXT,
		expires_at DATETIME,
		delete_after_view INTEGER NOT NULL DEFAULT 0,
		max_views INTEGER,
		current_views INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		is_public INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		created_by TEXT NOT NULL REFERENCES users(id)
	);
	CREATE INDEX IF NOT EXISTS idx_secrets_expires_at ON secrets(expires_at);
	CREATE INDEX IF NOT EXISTS idx_secrets_created_by ON secrets(created_by);
	CREATE TABLE IF NOT EXISTS access_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		secret_id TEXT NOT NULL,
		user_id TEXT,
		ip TEXT NOT NULL,
		user_agent TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_access_logs_secret ON access_logs(secret_id);
	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		secret_id TEXT NOT NULL,
		user_id TEXT,
		action TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	`
	_, err = s.db.Exec(query)
	return err
}

func normalizeResponseTime(start time.Time) {
	elapsed := time.Since(start)
	var jitterNanos int64
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		jitterNanos = int64(responseTimeJitter)
	} else {
		jitterNanos = int64(binary.BigEndian.Uint64(b[:]) % uint64(responseTimeJitter))
	}
	target := minResponseTime + time.Duration(jitterNanos)
	if elapsed < target {
		time.Sleep(target - elapsed)
	}
}

func (s *SQLite) CreateSecret(ctx context.Context, sec *domain.Secret) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO secrets (id, title, description, content, content_kind, file_name, password_hash,
		expires_at, delete_after_view, max_views, current_views, is_active, is_public,
		created_at, updated_at, created_by)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 1, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(queryCtx, q,
		sec.ID, sec.Title, sec.Description, sec.Content, sec.ContentKind, sec.FileName,
		sec.PasswordHash, sec.ExpiresAt, sec.DeleteAfterView, sec.MaxViews, sec.IsPublic,
		sec.CreatedAt, sec.UpdatedAt, sec.CreatedByID,
	)
	s.recordError(err)
	return errors.Wrap(err, "db create secret")
}

// GetSecret returns the row regardless of expiry or active flag; the access
// evaluator needs the full record to pick the right denial reason.
func (s *SQLite) GetSecret(ctx context.Context, id string) (*domain.Secret, error) {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, title, COALESCE(description, ''), content, content_kind, COALESCE(file_name, ''),
		COALESCE(password_hash, ''), expires_at, delete_after_view, max_views, current_views,
		is_active, is_public, created_at, updated_at, created_by
	FROM secrets WHERE id = ?
	`
	var sec domain.Secret
	err := s.db.QueryRowContext(queryCtx, q, id).Scan(
		&sec.ID, &sec.Title, &sec.Description, &sec.Content, &sec.ContentKind, &sec.FileName,
		&sec.PasswordHash, &sec.ExpiresAt, &sec.DeleteAfterView, &sec.MaxViews, &sec.CurrentViews,
		&sec.IsActive, &sec.IsPublic, &sec.CreatedAt, &sec.UpdatedAt, &sec.CreatedByID,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrSecretNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get secret")
	}
	return &sec, nil
}

// IncrViews bumps current_views by one as a single atomic UPDATE and returns
// the post-increment count. The check-then-increment race at the max_views
// boundary is accepted: two requests arriving at the last permitted view may
// both be admitted.
func (s *SQLite) IncrViews(ctx context.Context, id string) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE secrets SET current_views = current_views + 1 WHERE id = ? RETURNING current_views`
	var views int
	err := s.db.QueryRowContext(queryCtx, q, id).Scan(&views)
	if err == sql.ErrNoRows {
		return 0, domain.ErrSecretNotFound
	}
	s.recordError(err)
	if err != nil {
		return 0, errors.Wrap(err, "incr views")
	}
	return views, nil
}

// Deactivate soft-deletes; the row is kept and is_active never flips back.
func (s *SQLite) Deactivate(ctx context.Context, id string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE secrets SET is_active = 0, updated_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(queryCtx, q, time.Now(), id)
	s.recordError(err)
	return errors.Wrap(err, "deactivate secret")
}

// DeactivateOwned soft-deletes only when userID owns the row. A missing row
// and a foreign row both report ErrSecretNotFound so existence never leaks.
func (s *SQLite) DeactivateOwned(ctx context.Context, id, userID string) error {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE secrets SET is_active = 0, updated_at = ? WHERE id = ? AND created_by = ? AND is_active = 1`
	res, err := s.db.ExecContext(queryCtx, q, time.Now(), id, userID)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "deactivate owned")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		return domain.ErrSecretNotFound
	}
	return nil
}

// UpdateOwned applies non-nil fields from params when userID owns the row,
// with the same not-found-or-unauthorized reporting as DeactivateOwned.
func (s *SQLite) UpdateOwned(ctx context.Context, id, userID string, sec *domain.Secret) error {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	UPDATE secrets SET title = ?, description = ?, content = ?, password_hash = ?,
		expires_at = ?, max_views = ?, is_public = ?, updated_at = ?
	WHERE id = ? AND created_by = ? AND is_active = 1
	`
	res, err := s.db.ExecContext(queryCtx, q,
		sec.Title, sec.Description, sec.Content, sec.PasswordHash,
		sec.ExpiresAt, sec.MaxViews, sec.IsPublic, sec.UpdatedAt,
		id, userID,
	)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "update owned")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		return domain.ErrSecretNotFound
	}
	return nil
}

func (s *SQLite) ListByOwner(ctx context.Context, userID string) ([]*domain.SecretMetadata, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT id, title, COALESCE(description, ''), content_kind, COALESCE(file_name, ''),
		COALESCE(password_hash, '') != '', expires_at, delete_after_view, max_views,
		current_views, is_active, is_public, created_at, updated_at, created_by
	FROM secrets WHERE created_by = ? AND is_active = 1
	ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(queryCtx, q, userID)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "list by owner")
	}
	defer rows.Close()
	var out []*domain.SecretMetadata
	for rows.Next() {
		var m domain.SecretMetadata
		if err := rows.Scan(
			&m.ID, &m.Title, &m.Description, &m.ContentKind, &m.FileName,
			&m.HasPassword, &m.ExpiresAt, &m.DeleteAfterView, &m.MaxViews,
			&m.CurrentViews, &m.IsActive, &m.IsPublic, &m.CreatedAt, &m.UpdatedAt, &m.CreatedByID,
		); err != nil {
			return nil, errors.Wrap(err, "scan secret metadata")
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate secrets")
	}
	return out, nil
}

func (s *SQLite) InsertAccessLog(ctx context.Context, e *domain.AccessLogEntry) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `INSERT INTO access_logs (secret_id, user_id, ip, user_agent, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(queryCtx, q, e.SecretID, nullable(e.UserID), e.IP, e.UserAgent, e.CreatedAt)
	s.recordError(err)
	return errors.Wrap(err, "insert access log")
}

func (s *SQLite) InsertAuditEvent(ctx context.Context, e *domain.AuditEvent) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `INSERT INTO audit_events (secret_id, user_id, action, created_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(queryCtx, q, e.SecretID, nullable(e.UserID), e.Action, e.CreatedAt)
	s.recordError(err)
	return errors.Wrap(err, "insert audit event")
}

func (s *SQLite) CountAccessLogs(ctx context.Context, secretID string) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var n int
	err := s.db.QueryRowContext(queryCtx, `SELECT COUNT(*) FROM access_logs WHERE secret_id = ?`, secretID).Scan(&n)
	s.recordError(err)
	return n, errors.Wrap(err, "count access logs")
}

func (s *SQLite) CreateUser(ctx context.Context, u *domain.User) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(queryCtx, q, u.ID, u.Email, u.PasswordHash, u.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return domain.ErrEmailTaken
	}
	s.recordError(err)
	return errors.Wrap(err, "create user")
}

func (s *SQLite) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	start := time.Now()
	defer normalizeResponseTime(start)
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var u domain.User
	q := `SELECT id, email, password_hash, created_at FROM users WHERE email = ?`
	err := s.db.QueryRowContext(queryCtx, q, email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrInvalidCredentials
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "get user by email")
	}
	return &u, nil
}

// CleanupExpired hard-deletes rows whose expiry passed more than the
// retention window ago, in small batches. Soft-deleted rows are retained.
func (s *SQLite) CleanupExpired(ctx context.Context, retention time.Duration) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-retention)
	totalDeleted := 0
	maxIterations := 10000
	for i := 0; i < maxIterations; i++ {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		result, err := s.db.ExecContext(queryCtx, `
			DELETE FROM secrets
			WHERE id IN (
				SELECT id FROM secrets
				WHERE expires_at IS NOT NULL AND expires_at < ?
				LIMIT 100
			)
		`, cutoff)
		cancel()
		s.recordError(err)
		if err != nil {
			return totalDeleted, errors.Wrap(err, "cleanup batch failed")
		}
		deleted, _ := result.RowsAffected()
		totalDeleted += int(deleted)
		if deleted == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	if totalDeleted == maxIterations*100 {
		return totalDeleted, errors.New("cleanup hit iteration limit, more records may exist")
	}
	return totalDeleted, nil
}

func (s *SQLite) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	q := `SELECT 1 FROM secrets WHERE id = ? LIMIT 1`
	err := s.db.QueryRowContext(queryCtx, q, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
