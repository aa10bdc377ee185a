// SPDX-License-Identifier: MIT

package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrNoActiveRun reports an archival attempt for a video with no
// live-status record.
var ErrNoActiveRun = errors.New("no active run")

// Archive freezes the live-status hash under run:{request_id} with the
// history TTL, indexes it in the per-video history, trims the index to
// the configured cap and deletes the live record. Returns the archived
// request id.
func (s *Status) Archive(ctx context.Context, videoID string) (string, error) {
	fields, err := s.client.HGetAll(ctx, ActiveKey(videoID)).Result()
	if err != nil {
		return "", fmt.Errorf("archive %s: read active: %w", videoID, err)
	}
	if len(fields) == 0 {
		return "", ErrNoActiveRun
	}
	requestID := fields[FieldRequestID]
	if requestID == "" {
		return "", fmt.Errorf("archive %s: active record has no request_id", videoID)
	}

	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	runKey := RunKey(requestID)
	if err := s.client.HSet(ctx, runKey, values).Err(); err != nil {
		return "", fmt.Errorf("archive %s: write run: %w", videoID, err)
	}
	if err := s.client.Expire(ctx, runKey, s.historyTTL).Err(); err != nil {
		return "", fmt.Errorf("archive %s: expire run: %w", videoID, err)
	}

	score := parseSeconds(fields[FieldCompletedAt])
	if score == 0 {
		score = nowSeconds()
	}
	histKey := HistoryKey(videoID)
	if err := s.client.ZAdd(ctx, histKey, redis.Z{Score: score, Member: requestID}).Err(); err != nil {
		return "", fmt.Errorf("archive %s: index run: %w", videoID, err)
	}

	s.trimHistory(ctx, videoID, histKey)

	if err := s.client.Del(ctx, ActiveKey(videoID)).Err(); err != nil {
		return "", fmt.Errorf("archive %s: delete active: %w", videoID, err)
	}

	s.logger.Info().
		Str("video_id", videoID).
		Str("request_id", requestID).
		Msg("archived run")
	return requestID, nil
}

// trimHistory evicts the oldest runs beyond the cap. Eviction failures
// are logged and swallowed so a full archive never blocks on cleanup.
func (s *Status) trimHistory(ctx context.Context, videoID, histKey string) {
	card, err := s.client.ZCard(ctx, histKey).Result()
	if err != nil || card <= s.historyMaxRuns {
		return
	}
	excess := card - s.historyMaxRuns
	oldest, err := s.client.ZRange(ctx, histKey, 0, excess-1).Result()
	if err != nil || len(oldest) == 0 {
		return
	}

	members := make([]interface{}, len(oldest))
	runKeys := make([]string, len(oldest))
	for i, id := range oldest {
		members[i] = id
		runKeys[i] = RunKey(id)
	}
	if err := s.client.ZRem(ctx, histKey, members...).Err(); err != nil {
		s.logger.Warn().Err(err).Str("video_id", videoID).Msg("history trim failed")
		return
	}
	if err := s.client.Del(ctx, runKeys...).Err(); err != nil {
		s.logger.Warn().Err(err).Str("video_id", videoID).Msg("evicted run cleanup failed")
	}
}

// LatestRun returns the most recently archived run for the video, or
// nil when none exists (or the record already expired).
func (s *Status) LatestRun(ctx context.Context, videoID string) (map[string]string, error) {
	ids, err := s.client.ZRevRange(ctx, HistoryKey(videoID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("latest run %s: %w", videoID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	fields, err := s.client.HGetAll(ctx, RunKey(ids[0])).Result()
	if err != nil {
		return nil, fmt.Errorf("latest run %s: read %s: %w", videoID, ids[0], err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

// Runs returns archived runs newest first, at most limit entries
// (all when limit <= 0). Expired records are silently skipped.
func (s *Status) Runs(ctx context.Context, videoID string, limit int) ([]map[string]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, HistoryKey(videoID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("runs %s: %w", videoID, err)
	}

	runs := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, RunKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("runs %s: read %s: %w", videoID, id, err)
		}
		if len(fields) == 0 {
			continue
		}
		runs = append(runs, fields)
	}
	return runs, nil
}
