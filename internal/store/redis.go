package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefixes for the distributed backend.
const (
	keyCredentialPrefix = "kirorelay:credential:"
	keyCredentialIndex  = "kirorelay:credential:index"
	keyRefreshLock      = "kirorelay:refreshlock:"
	keyDailyCounter     = "kirorelay:daily:"
	keyRequestLogSeq    = "kirorelay:requestlog:seq"
)

// releaseLockScript releases a lock only if the caller still holds it,
// preventing a slow holder from clobbering a lock someone else acquired
// after its own TTL expired.
const releaseLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// RedisStore is the distributed persistence backend for multi-process
// deployments, using Redis hashes for credential records and a Lua-scripted
// conditional release for the refresh lock.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedis(addr, password string, db int, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
	})
	if prefix == "" {
		prefix = "kirorelay:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }
func (s *RedisStore) Close() error                   { return s.rdb.Close() }

func (s *RedisStore) credKey(id string) string { return s.prefix + "credential:" + id }
func (s *RedisStore) credIndexKey() string     { return s.prefix + "credential:index" }

func (s *RedisStore) GetAccount(ctx context.Context, id string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, s.credKey(id)).Result()
}

func (s *RedisStore) SetAccount(ctx context.Context, id string, fields map[string]string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.credKey(id))
	if len(fields) > 0 {
		args := make([]interface{}, 0, len(fields)*2)
		for k, v := range fields {
			args = append(args, k, v)
		}
		pipe.HSet(ctx, s.credKey(id), args...)
	}
	pipe.SAdd(ctx, s.credIndexKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) SetAccountField(ctx context.Context, id, field, value string) error {
	return s.rdb.HSet(ctx, s.credKey(id), field, value).Err()
}

func (s *RedisStore) SetAccountFields(ctx context.Context, id string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return s.rdb.HSet(ctx, s.credKey(id), args...).Err()
}

func (s *RedisStore) DeleteAccount(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.credKey(id))
	pipe.SRem(ctx, s.credIndexKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, s.credIndexKey()).Result()
}

// AcquireRefreshLock implements the single-flight refresh gate with SETNX so
// only one process-wide refresh attempt runs per credential at a time.
func (s *RedisStore) AcquireRefreshLock(ctx context.Context, credentialID, holderID string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, s.prefix+"refreshlock:"+credentialID, holderID, ttl).Result()
}

// ReleaseRefreshLock releases the lock only if holderID still owns it.
func (s *RedisStore) ReleaseRefreshLock(ctx context.Context, credentialID, holderID string) error {
	return s.rdb.Eval(ctx, releaseLockScript, []string{s.prefix + "refreshlock:" + credentialID}, holderID).Err()
}

func (s *RedisStore) IncrDailyRequestCount(ctx context.Context, credentialID, dayKey string) (int, error) {
	key := s.prefix + "daily:" + credentialID + ":" + dayKey
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 25*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

func (s *RedisStore) InsertRequestLog(ctx context.Context, l *RequestLog) error {
	id, err := s.rdb.Incr(ctx, s.prefix+"requestlog:seq").Result()
	if err != nil {
		return err
	}
	l.ID = id
	key := fmt.Sprintf("%srequestlog:%d", s.prefix, id)
	fields := map[string]interface{}{
		"credentialId": l.CredentialID,
		"model":        l.Model,
		"inputTokens":  l.InputTokens,
		"outputTokens": l.OutputTokens,
		"status":       l.Status,
		"durationMs":   l.DurationMs,
		"createdAt":    l.CreatedAt.Unix(),
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.ZAdd(ctx, s.prefix+"requestlog:index", redis.Z{Score: float64(l.CreatedAt.Unix()), Member: id})
	_, err = pipe.Exec(ctx)
	return err
}

// QueryRequestLogs is a best-effort implementation: Redis deployments are
// expected to ship logs to an external sink for real analytics, so this
// only serves the admin UI's recent-activity view.
func (s *RedisStore) QueryRequestLogs(ctx context.Context, opts RequestLogQuery) ([]*RequestLog, int, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.prefix+"requestlog:index", 0, -1).Result()
	if err != nil {
		return nil, 0, err
	}
	total := len(ids)

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	start := opts.Offset
	end := start + limit
	if start > len(ids) {
		start = len(ids)
	}
	if end > len(ids) {
		end = len(ids)
	}

	logs := make([]*RequestLog, 0, end-start)
	for _, idStr := range ids[start:end] {
		fields, err := s.rdb.HGetAll(ctx, s.prefix+"requestlog:"+idStr).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		if opts.CredentialID != "" && fields["credentialId"] != opts.CredentialID {
			continue
		}
		id, _ := strconv.ParseInt(idStr, 10, 64)
		ts, _ := strconv.ParseInt(fields["createdAt"], 10, 64)
		in, _ := strconv.Atoi(fields["inputTokens"])
		out, _ := strconv.Atoi(fields["outputTokens"])
		dur, _ := strconv.ParseInt(fields["durationMs"], 10, 64)
		logs = append(logs, &RequestLog{
			ID: id, CredentialID: fields["credentialId"], Model: fields["model"],
			InputTokens: in, OutputTokens: out, Status: fields["status"],
			DurationMs: dur, CreatedAt: time.Unix(ts, 0).UTC(),
		})
	}
	return logs, total, nil
}

func (s *RedisStore) PurgeOldLogs(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.prefix+"requestlog:index", &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(before.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := s.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.prefix+"requestlog:"+id)
		pipe.ZRem(ctx, s.prefix+"requestlog:index", id)
	}
	_, err = pipe.Exec(ctx)
	return int64(len(ids)), err
}
