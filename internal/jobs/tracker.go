// SPDX-License-Identifier: MIT

// Package jobs tracks short-lived per-stage job records in Redis
// hashes keyed job:{job_type}:{video_id}[:{sub_id}]. Records expire on
// their own: a lock TTL while processing, a shorter result TTL once
// terminal. Stages use them for granular progress that does not belong
// in the live-status hash.
package jobs

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Job status values stored under the "status" field.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusTimeout    = "timeout"
)

const (
	defaultLockTTL   = 30 * time.Minute
	defaultResultTTL = 24 * time.Hour

	// A processing record this close to its TTL is treated as dead.
	staleMargin = time.Minute
)

// Key builds the Redis key for a job record.
func Key(jobType, videoID, subID string) string {
	if subID != "" {
		return "job:" + jobType + ":" + videoID + ":" + subID
	}
	return "job:" + jobType + ":" + videoID
}

// Tracker reads and writes job records.
type Tracker struct {
	client    *redis.Client
	logger    zerolog.Logger
	lockTTL   time.Duration
	resultTTL time.Duration
}

// Options tunes TTLs. Zero values select the defaults.
type Options struct {
	LockTTL   time.Duration
	ResultTTL time.Duration
}

func NewTracker(client *redis.Client, opts Options, logger zerolog.Logger) *Tracker {
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	resultTTL := opts.ResultTTL
	if resultTTL <= 0 {
		resultTTL = defaultResultTTL
	}
	return &Tracker{
		client:    client,
		logger:    logger,
		lockTTL:   lockTTL,
		resultTTL: resultTTL,
	}
}

// Create claims a new job record. Returns false when a record already
// exists, running or terminal; terminal records block re-creation
// until their result TTL lapses or Delete is called. The status field
// doubles as the atomic claim.
func (t *Tracker) Create(ctx context.Context, jobType, videoID, subID string, extra map[string]string) (bool, error) {
	key := Key(jobType, videoID, subID)

	claimed, err := t.client.HSetNX(ctx, key, "status", StatusProcessing).Result()
	if err != nil {
		return false, fmt.Errorf("create job %s: %w", key, err)
	}
	if !claimed {
		t.logger.Warn().Str("job_key", key).Msg("job already exists")
		return false, nil
	}

	values := map[string]interface{}{
		"job_type":     jobType,
		"video_id":     videoID,
		"started_at":   formatSeconds(nowSeconds()),
		"completed_at": "",
		"error":        "",
	}
	if subID != "" {
		values["sub_id"] = subID
	}
	for k, v := range extra {
		values[k] = v
	}
	if err := t.client.HSet(ctx, key, values).Err(); err != nil {
		return false, fmt.Errorf("create job %s: %w", key, err)
	}
	if err := t.client.Expire(ctx, key, t.lockTTL).Err(); err != nil {
		return false, fmt.Errorf("create job %s: expire: %w", key, err)
	}

	t.logger.Info().Str("job_key", key).Msg("created job")
	return true, nil
}

// Get returns the job record, or nil when absent. A processing record
// whose start time is within staleMargin of the lock TTL is marked
// failed and reported with status timeout.
func (t *Tracker) Get(ctx context.Context, jobType, videoID, subID string) (map[string]string, error) {
	key := Key(jobType, videoID, subID)
	fields, err := t.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	if fields["status"] == StatusProcessing {
		started := parseSeconds(fields["started_at"])
		if started > 0 && nowSeconds()-started > (t.lockTTL - staleMargin).Seconds() {
			if _, err := t.Fail(ctx, jobType, videoID, subID, "job timed out"); err != nil {
				t.logger.Warn().Err(err).Str("job_key", key).Msg("could not fail stale job")
			}
			fields["status"] = StatusTimeout
			fields["error"] = "job timed out"
		}
	}
	return fields, nil
}

// UpdateProgress writes ad-hoc counter fields onto a live record.
// Returns false when the job does not exist.
func (t *Tracker) UpdateProgress(ctx context.Context, jobType, videoID, subID string, fields map[string]string) (bool, error) {
	key := Key(jobType, videoID, subID)
	n, err := t.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("update job %s: %w", key, err)
	}
	if n == 0 {
		t.logger.Warn().Str("job_key", key).Msg("cannot update non-existent job")
		return false, nil
	}

	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	if err := t.client.HSet(ctx, key, values).Err(); err != nil {
		return false, fmt.Errorf("update job %s: %w", key, err)
	}
	return true, nil
}

// Complete marks the job terminal-successful and shortens its TTL to
// the result TTL. Extra fields land in the same write.
func (t *Tracker) Complete(ctx context.Context, jobType, videoID, subID string, extra map[string]string) (bool, error) {
	key := Key(jobType, videoID, subID)
	n, err := t.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", key, err)
	}
	if n == 0 {
		t.logger.Warn().Str("job_key", key).Msg("cannot complete non-existent job")
		return false, nil
	}

	values := map[string]interface{}{
		"status":       StatusCompleted,
		"completed_at": formatSeconds(nowSeconds()),
	}
	for k, v := range extra {
		values[k] = v
	}
	if err := t.client.HSet(ctx, key, values).Err(); err != nil {
		return false, fmt.Errorf("complete job %s: %w", key, err)
	}
	if err := t.client.Expire(ctx, key, t.resultTTL).Err(); err != nil {
		return false, fmt.Errorf("complete job %s: expire: %w", key, err)
	}

	t.logger.Info().Str("job_key", key).Msg("completed job")
	return true, nil
}

// Fail marks the job terminal-failed with an error message.
func (t *Tracker) Fail(ctx context.Context, jobType, videoID, subID, errMsg string) (bool, error) {
	key := Key(jobType, videoID, subID)
	n, err := t.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", key, err)
	}
	if n == 0 {
		t.logger.Warn().Str("job_key", key).Msg("cannot fail non-existent job")
		return false, nil
	}

	values := map[string]interface{}{
		"status":       StatusFailed,
		"completed_at": formatSeconds(nowSeconds()),
		"error":        errMsg,
	}
	if err := t.client.HSet(ctx, key, values).Err(); err != nil {
		return false, fmt.Errorf("fail job %s: %w", key, err)
	}
	if err := t.client.Expire(ctx, key, t.resultTTL).Err(); err != nil {
		return false, fmt.Errorf("fail job %s: expire: %w", key, err)
	}

	t.logger.Error().Str("job_key", key).Str("error", errMsg).Msg("failed job")
	return true, nil
}

// IsRunning reports whether a live processing record exists.
func (t *Tracker) IsRunning(ctx context.Context, jobType, videoID, subID string) (bool, error) {
	fields, err := t.Get(ctx, jobType, videoID, subID)
	if err != nil {
		return false, err
	}
	return fields != nil && fields["status"] == StatusProcessing, nil
}

// Delete removes a job record. Returns false when it did not exist.
func (t *Tracker) Delete(ctx context.Context, jobType, videoID, subID string) (bool, error) {
	key := Key(jobType, videoID, subID)
	n, err := t.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("delete job %s: %w", key, err)
	}
	return n > 0, nil
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 6, 64)
}

func parseSeconds(raw string) float64 {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}
