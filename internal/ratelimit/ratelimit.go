// Package ratelimit bounds inbound command frequency per chat with a
// sliding window over the durable command log, so limits survive restarts.
package ratelimit

import (
	"context"
	"time"

	"ixbot/internal/store"
	"ixbot/pkg/logx"
)

const window = 60 * time.Second

// Pruning is lazy: old entries are dropped on the checks that observe
// them, not by a background sweep.
const pruneHorizon = 300 * time.Second

type Limiter struct {
	store store.Store
	limit int
	log   logx.Logger
}

func New(st store.Store, limit int, log logx.Logger) *Limiter {
	if limit <= 0 {
		limit = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Limiter{store: st, limit: limit, log: log}
}

// Allow checks the trailing 60s window for chatID. When allowed it records
// the command and returns (true, 0). When rejected it returns a positive
// cooldown: the time until the oldest counted entry ages out.
func (l *Limiter) Allow(ctx context.Context, chatID int64, command string, now time.Time) (bool, time.Duration, error) {
	since := now.Add(-window)

	count, err := l.store.CommandCount(ctx, chatID, since)
	if err != nil {
		return false, 0, err
	}
	if count >= l.limit {
		oldest, ok, err := l.store.OldestCommand(ctx, chatID, since)
		if err != nil {
			return false, 0, err
		}
		cooldown := window
		if ok {
			cooldown = oldest.Add(window).Sub(now)
			if cooldown <= 0 {
				cooldown = time.Second
			}
		}
		l.log.Warn("rate limit exceeded",
			logx.Int64("chat_id", chatID),
			logx.String("command", command),
			logx.Int("count", count))
		return false, cooldown, nil
	}

	if err := l.store.LogCommand(ctx, chatID, command, now); err != nil {
		return false, 0, err
	}
	_, _ = l.store.PruneCommandLog(ctx, now.Add(-pruneHorizon))
	return true, 0, nil
}
