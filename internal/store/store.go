// Package store provides the persistence abstraction for kiro-relay:
// credential records, usage logs, and the small set of ephemeral
// coordination state (refresh locks, rate-limiter counters) that must be
// shared across processes when running against Redis.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface implemented by both the SQLite
// (single-process) and Redis (distributed) backends.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Credential records. Map keys use camelCase field names mirroring the
	// Credential struct's JSON tags.
	GetAccount(ctx context.Context, id string) (map[string]string, error)
	SetAccount(ctx context.Context, id string, fields map[string]string) error
	SetAccountField(ctx context.Context, id, field, value string) error
	SetAccountFields(ctx context.Context, id string, fields map[string]string) error
	DeleteAccount(ctx context.Context, id string) error
	ListAccountIDs(ctx context.Context) ([]string, error)

	// Distributed refresh coordination. SQLite deployments satisfy this
	// with a process-local mutex; Redis deployments use SETNX + a
	// conditional Lua-scripted release so only the lock holder can clear it.
	AcquireRefreshLock(ctx context.Context, credentialID, holderID string, ttl time.Duration) (bool, error)
	ReleaseRefreshLock(ctx context.Context, credentialID, holderID string) error

	// Proactive rate-limiter counters (daily request count per credential).
	IncrDailyRequestCount(ctx context.Context, credentialID, dayKey string) (int, error)

	// Request log, for operational visibility.
	InsertRequestLog(ctx context.Context, l *RequestLog) error
	QueryRequestLogs(ctx context.Context, opts RequestLogQuery) ([]*RequestLog, int, error)
	PurgeOldLogs(ctx context.Context, before time.Time) (int64, error)
}

// RequestLog represents one relayed request, for the admin activity view.
type RequestLog struct {
	ID           int64
	CredentialID string
	Model        string
	InputTokens  int
	OutputTokens int
	Status       string
	DurationMs   int64
	CreatedAt    time.Time
}

// RequestLogQuery is a paginated request log query.
type RequestLogQuery struct {
	CredentialID string
	Limit        int
	Offset       int
}
