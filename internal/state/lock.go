// SPDX-License-Identifier: MIT

package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultLockTTL   = 30 * time.Minute
	defaultCancelTTL = 5 * time.Minute
)

// LockInfo is the value stored under lock:{video_id}.
type LockInfo struct {
	RequestID  string  `json:"request_id"`
	AcquiredAt float64 `json:"acquired_at"`
	OwnerID    string  `json:"owner_id"`
}

// Locks serializes runs per video id. Whoever wins Acquire is the sole
// writer of that video's live status until Release or TTL expiry. The
// same type carries the cancellation flag since both share the
// per-video keyspace.
type Locks struct {
	client    *redis.Client
	logger    zerolog.Logger
	ownerID   string
	lockTTL   time.Duration
	cancelTTL time.Duration
}

// LockOptions tunes TTLs. Zero values select the defaults.
type LockOptions struct {
	LockTTL   time.Duration
	CancelTTL time.Duration
}

func NewLocks(client *redis.Client, ownerID string, opts LockOptions, logger zerolog.Logger) *Locks {
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	cancelTTL := opts.CancelTTL
	if cancelTTL <= 0 {
		cancelTTL = defaultCancelTTL
	}
	return &Locks{
		client:    client,
		logger:    logger,
		ownerID:   ownerID,
		lockTTL:   lockTTL,
		cancelTTL: cancelTTL,
	}
}

// Acquire attempts to take the per-video lock. Returns true iff the
// lock did not exist. The stored value names the owning run.
func (l *Locks) Acquire(ctx context.Context, videoID, requestID string) (bool, error) {
	info, err := json.Marshal(LockInfo{
		RequestID:  requestID,
		AcquiredAt: nowSeconds(),
		OwnerID:    l.ownerID,
	})
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: encode: %w", videoID, err)
	}

	ok, err := l.client.SetNX(ctx, LockKey(videoID), info, l.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", videoID, err)
	}
	if ok {
		l.logger.Debug().
			Str("video_id", videoID).
			Str("request_id", requestID).
			Msg("lock acquired")
	}
	return ok, nil
}

// Refresh extends the lock TTL back to its full value. Returns false
// when the lock no longer exists (expired or released).
func (l *Locks) Refresh(ctx context.Context, videoID string) (bool, error) {
	ok, err := l.client.Expire(ctx, LockKey(videoID), l.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("refresh lock %s: %w", videoID, err)
	}
	return ok, nil
}

// Release deletes the lock unconditionally. Only the holder advances a
// run, so no compare-and-delete is needed.
func (l *Locks) Release(ctx context.Context, videoID string) error {
	if err := l.client.Del(ctx, LockKey(videoID)).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", videoID, err)
	}
	return nil
}

// Holder returns the current lock value, or nil when unlocked.
func (l *Locks) Holder(ctx context.Context, videoID string) (*LockInfo, error) {
	raw, err := l.client.Get(ctx, LockKey(videoID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inspect lock %s: %w", videoID, err)
	}
	var info LockInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("inspect lock %s: decode: %w", videoID, err)
	}
	return &info, nil
}

// RequestCancel flags the video's run for cancellation. The flag
// expires on its own if no run ever observes it.
func (l *Locks) RequestCancel(ctx context.Context, videoID string) error {
	if err := l.client.Set(ctx, CancelKey(videoID), "1", l.cancelTTL).Err(); err != nil {
		return fmt.Errorf("request cancel %s: %w", videoID, err)
	}
	return nil
}

// CancelRequested reports whether a cancellation flag is present.
func (l *Locks) CancelRequested(ctx context.Context, videoID string) (bool, error) {
	n, err := l.client.Exists(ctx, CancelKey(videoID)).Result()
	if err != nil {
		return false, fmt.Errorf("check cancel %s: %w", videoID, err)
	}
	return n > 0, nil
}

// ClearCancel removes the flag after a run has honored it.
func (l *Locks) ClearCancel(ctx context.Context, videoID string) error {
	if err := l.client.Del(ctx, CancelKey(videoID)).Err(); err != nil {
		return fmt.Errorf("clear cancel %s: %w", videoID, err)
	}
	return nil
}
