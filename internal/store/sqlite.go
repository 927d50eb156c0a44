package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL DEFAULT '',
	label TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	priority INTEGER NOT NULL DEFAULT 50,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT '',
	access_token TEXT NOT NULL DEFAULT '',
	refresh_token TEXT NOT NULL DEFAULT '',
	expires_at INTEGER NOT NULL DEFAULT 0,
	client_id TEXT NOT NULL DEFAULT '',
	client_secret TEXT NOT NULL DEFAULT '',
	region TEXT NOT NULL DEFAULT '',
	profile_arn TEXT NOT NULL DEFAULT '',
	last_used_at TEXT NOT NULL DEFAULT '',
	last_refresh_at TEXT NOT NULL DEFAULT '',
	cooldown_until TEXT NOT NULL DEFAULT '',
	cooldown_category TEXT NOT NULL DEFAULT '',
	too_many_failures INTEGER NOT NULL DEFAULT 0,
	requests_today INTEGER NOT NULL DEFAULT 0,
	daily_reset_at TEXT NOT NULL DEFAULT '',
	proxy TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS request_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	credential_id TEXT NOT NULL,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_log_created_at ON request_log(created_at);
CREATE INDEX IF NOT EXISTS idx_request_log_credential ON request_log(credential_id);

CREATE TABLE IF NOT EXISTS daily_counters (
	credential_id TEXT NOT NULL,
	day_key TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (credential_id, day_key)
);
`

var credentialCols = []string{
	"id", "provider", "label", "status", "priority", "error_message", "created_at",
	"access_token", "refresh_token", "expires_at", "client_id", "client_secret",
	"region", "profile_arn", "last_used_at", "last_refresh_at", "cooldown_until",
	"cooldown_category", "too_many_failures", "requests_today", "daily_reset_at", "proxy",
}

// fieldToColumn maps Credential JSON-ish field names (as used in the
// map[string]string Store interface) to their SQLite column names.
var fieldToColumn = map[string]string{
	"id": "id", "provider": "provider", "label": "label", "status": "status",
	"priority": "priority", "errorMessage": "error_message", "createdAt": "created_at",
	"accessToken": "access_token", "refreshToken": "refresh_token", "expiresAt": "expires_at",
	"clientId": "client_id", "clientSecret": "client_secret", "region": "region",
	"profileArn": "profile_arn", "lastUsedAt": "last_used_at", "lastRefreshAt": "last_refresh_at",
	"cooldownUntil": "cooldown_until", "cooldownCategory": "cooldown_category",
	"tooManyFailures": "too_many_failures", "requestsToday": "requests_today",
	"dailyResetAt": "daily_reset_at", "proxy": "proxy",
}

// SQLiteStore is the single-process persistence backend, backed by
// modernc.org/sqlite (pure Go, no cgo). Refresh locks are a process-local
// mutex since there is only ever one process holding the database file.
type SQLiteStore struct {
	db *sql.DB

	lockMu sync.Mutex
	locks  map[string]string // credentialID -> holderID
}

func New(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, locks: make(map[string]string)}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                   { return s.db.Close() }

// --- Credential CRUD ---

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (map[string]string, error) {
	query := fmt.Sprintf("SELECT %s FROM credentials WHERE id = ?", strings.Join(credentialCols, ", "))
	row := s.db.QueryRowContext(ctx, query, id)
	return scanCredentialRow(row)
}

func (s *SQLiteStore) SetAccount(ctx context.Context, id string, fields map[string]string) error {
	fields["id"] = id
	cols := make([]string, 0, len(fields))
	placeholders := make([]string, 0, len(fields))
	args := make([]interface{}, 0, len(fields))
	for f, v := range fields {
		col, ok := fieldToColumn[f]
		if !ok {
			continue
		}
		cols = append(cols, col)
		placeholders = append(placeholders, "?")
		args = append(args, v)
	}
	query := fmt.Sprintf("INSERT OR REPLACE INTO credentials (%s) VALUES (%s)",
		strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLiteStore) SetAccountField(ctx context.Context, id, field, value string) error {
	return s.SetAccountFields(ctx, id, map[string]string{field: value})
}

func (s *SQLiteStore) SetAccountFields(ctx context.Context, id string, fields map[string]string) error {
	existing, err := s.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return fmt.Errorf("credential %s not found", id)
	}
	for k, v := range fields {
		existing[k] = v
	}
	return s.SetAccount(ctx, id, existing)
}

func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM credentials WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM credentials ORDER BY priority DESC, created_at ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCredentialRow(row scanner) (map[string]string, error) {
	var (
		id, provider, label, status, errorMessage, createdAt                  string
		accessToken, refreshToken, clientID, clientSecret, region, profileARN string
		lastUsedAt, lastRefreshAt, cooldownUntil, cooldownCategory            string
		dailyResetAt, proxy                                                   string
		priority, tooManyFailures, requestsToday                              int
		expiresAt                                                             int64
	)
	err := row.Scan(&id, &provider, &label, &status, &priority, &errorMessage, &createdAt,
		&accessToken, &refreshToken, &expiresAt, &clientID, &clientSecret,
		&region, &profileARN, &lastUsedAt, &lastRefreshAt, &cooldownUntil,
		&cooldownCategory, &tooManyFailures, &requestsToday, &dailyResetAt, &proxy)
	if err == sql.ErrNoRows {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"id": id, "provider": provider, "label": label, "status": status,
		"priority": itoa(priority), "errorMessage": errorMessage, "createdAt": createdAt,
		"accessToken": accessToken, "refreshToken": refreshToken, "expiresAt": i64toa(expiresAt),
		"clientId": clientID, "clientSecret": clientSecret, "region": region,
		"profileArn": profileARN, "lastUsedAt": lastUsedAt, "lastRefreshAt": lastRefreshAt,
		"cooldownUntil": cooldownUntil, "cooldownCategory": cooldownCategory,
		"tooManyFailures": itoa(tooManyFailures), "requestsToday": itoa(requestsToday),
		"dailyResetAt": dailyResetAt, "proxy": proxy,
	}, nil
}

// --- Refresh lock (process-local) ---

func (s *SQLiteStore) AcquireRefreshLock(ctx context.Context, credentialID, holderID string, ttl time.Duration) (bool, error) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if _, held := s.locks[credentialID]; held {
		return false, nil
	}
	s.locks[credentialID] = holderID
	return true, nil
}

func (s *SQLiteStore) ReleaseRefreshLock(ctx context.Context, credentialID, holderID string) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.locks[credentialID] == holderID {
		delete(s.locks, credentialID)
	}
	return nil
}

// --- Proactive rate-limiter daily counters ---

func (s *SQLiteStore) IncrDailyRequestCount(ctx context.Context, credentialID, dayKey string) (int, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_counters (credential_id, day_key, count) VALUES (?, ?, 1)
		ON CONFLICT(credential_id, day_key) DO UPDATE SET count = count + 1`,
		credentialID, dayKey)
	if err != nil {
		return 0, err
	}
	var count int
	err = s.db.QueryRowContext(ctx,
		"SELECT count FROM daily_counters WHERE credential_id = ? AND day_key = ?",
		credentialID, dayKey).Scan(&count)
	return count, err
}

// --- Request log ---

func (s *SQLiteStore) InsertRequestLog(ctx context.Context, l *RequestLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log (credential_id, model, input_tokens, output_tokens, status, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.CredentialID, l.Model, l.InputTokens, l.OutputTokens, l.Status, l.DurationMs, l.CreatedAt.Unix())
	return err
}

func (s *SQLiteStore) QueryRequestLogs(ctx context.Context, opts RequestLogQuery) ([]*RequestLog, int, error) {
	where := "1=1"
	var args []interface{}
	if opts.CredentialID != "" {
		where = "credential_id = ?"
		args = append(args, opts.CredentialID)
	}

	var total int
	_ = s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM request_log WHERE %s", where), args...).Scan(&total)

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	fetchArgs := append(append([]interface{}{}, args...), limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, credential_id, model, input_tokens, output_tokens, status, duration_ms, created_at
		FROM request_log WHERE %s ORDER BY created_at DESC LIMIT ? OFFSET ?`, where), fetchArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var logs []*RequestLog
	for rows.Next() {
		l := &RequestLog{}
		var ts int64
		if err := rows.Scan(&l.ID, &l.CredentialID, &l.Model, &l.InputTokens, &l.OutputTokens, &l.Status, &l.DurationMs, &ts); err != nil {
			return nil, 0, err
		}
		l.CreatedAt = time.Unix(ts, 0).UTC()
		logs = append(logs, l)
	}
	return logs, total, rows.Err()
}

func (s *SQLiteStore) PurgeOldLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM request_log WHERE created_at < ?", before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func itoa(n int) string     { return fmt.Sprintf("%d", n) }
func i64toa(n int64) string { return fmt.Sprintf("%d", n) }
