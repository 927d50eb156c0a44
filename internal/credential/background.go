package credential

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/yansir/kiro-relay/internal/config"
)

// BackgroundRefresher periodically scans the pool for credentials whose
// tokens are about to expire and refreshes them proactively, so a client
// request never blocks on a cold refresh.
type BackgroundRefresher struct {
	pool      *Pool
	refresher *Refresher
	cfg       *config.Config
}

func NewBackgroundRefresher(pool *Pool, refresher *Refresher, cfg *config.Config) *BackgroundRefresher {
	return &BackgroundRefresher{pool: pool, refresher: refresher, cfg: cfg}
}

// Run blocks, refreshing look-ahead-window credentials on each tick, until
// ctx is canceled.
func (b *BackgroundRefresher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

func (b *BackgroundRefresher) tick(ctx context.Context) {
	all, err := b.pool.List(ctx)
	if err != nil {
		slog.Error("background refresh: list credentials failed", "error", err)
		return
	}

	var due []*Credential
	for _, c := range all {
		if c.Status == StatusDisabled || c.Status == StatusQuotaExhausted {
			continue
		}
		if c.IsExpiringSoon(b.cfg.RefreshLookAhead) {
			due = append(due, c)
		}
	}
	if len(due) == 0 {
		return
	}
	if len(due) > b.cfg.RefreshBatchSize {
		due = due[:b.cfg.RefreshBatchSize]
	}

	sem := make(chan struct{}, max(1, b.cfg.RefreshConcurrency))
	var wg sync.WaitGroup
	for _, c := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := b.refresher.BackgroundRefresh(ctx, id); err != nil {
				slog.Warn("background refresh failed", "credentialId", id, "error", err)
			} else {
				slog.Debug("background refresh succeeded", "credentialId", id)
			}
		}(c.ID)
	}
	wg.Wait()
}
