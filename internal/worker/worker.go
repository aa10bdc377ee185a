// SPDX-License-Identifier: MIT

// Package worker consumes pipeline requests from the Redis stream and
// drives one orchestration per entry. Workers share a consumer group:
// each entry is delivered to exactly one worker, stays pending until
// acknowledged, and is reclaimed by a peer once it has sat idle past
// the claim threshold.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clipline/clipline/internal/model"
	"github.com/clipline/clipline/internal/pipeline"
	"github.com/clipline/clipline/internal/state"
	"github.com/clipline/clipline/internal/telemetry"
)

// Pipeline is the orchestration entry point the worker drives.
// Implemented by pipeline.Orchestrator; tests substitute scripted fakes.
type Pipeline interface {
	Process(ctx context.Context, videoID string, cfg model.PipelineConfig) (pipeline.Result, error)
}

// Options tunes the consume loop. Zero values take the defaults noted
// per field.
type Options struct {
	Stream   string // state.RequestStream
	Group    string // state.ConsumerGroup
	Consumer string // DefaultConsumerName()

	// BlockTimeout bounds one blocking read of the stream. Default 5s.
	BlockTimeout time.Duration
	// ClaimMinIdle is how long an entry must sit unacknowledged in a
	// peer's pending list before this worker steals it. Default 60s.
	ClaimMinIdle time.Duration
	// ErrorBackoff is the pause after a failed loop iteration. Default 1s.
	ErrorBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.Stream == "" {
		o.Stream = state.RequestStream
	}
	if o.Group == "" {
		o.Group = state.ConsumerGroup
	}
	if o.Consumer == "" {
		o.Consumer = DefaultConsumerName()
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = 5 * time.Second
	}
	if o.ClaimMinIdle <= 0 {
		o.ClaimMinIdle = 60 * time.Second
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = time.Second
	}
	return o
}

// DefaultConsumerName identifies this process in the consumer group.
// The random suffix keeps a restarted container from colliding with
// its predecessor on a recycled hostname and pid.
func DefaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("worker-%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Worker reads one request at a time, takes the per-video lock and
// runs the orchestration. Acknowledgement is deliberately last: a
// worker that dies mid-run leaves the entry pending, and a peer
// reclaims and re-runs it with the skip rules absorbing finished work.
type Worker struct {
	client *redis.Client
	status *state.Status
	locks  *state.Locks
	pipe   Pipeline
	opts   Options
	logger zerolog.Logger
}

func New(client *redis.Client, status *state.Status, locks *state.Locks, pipe Pipeline, opts Options, logger zerolog.Logger) *Worker {
	opts = opts.withDefaults()
	return &Worker{
		client: client,
		status: status,
		locks:  locks,
		pipe:   pipe,
		opts:   opts,
		logger: logger.With().Str("component", "worker").Str("consumer", opts.Consumer).Logger(),
	}
}

// Run consumes the request stream until ctx is cancelled, then returns
// nil. Safe to run several instances concurrently; the consumer group
// spreads entries across them.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.ensureGroup(ctx); err != nil {
		return err
	}
	w.logger.Info().Str("stream", w.opts.Stream).Str("group", w.opts.Group).Msg("worker started")

	for {
		if ctx.Err() != nil {
			w.logger.Info().Msg("worker stopped")
			return nil
		}
		if err := w.step(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error().Err(err).Msg("worker step failed")
			select {
			case <-ctx.Done():
			case <-time.After(w.opts.ErrorBackoff):
			}
		}
	}
}

func (w *Worker) ensureGroup(ctx context.Context) error {
	err := w.client.XGroupCreateMkStream(ctx, w.opts.Stream, w.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// step handles at most one entry: stale pending entries first, then a
// blocking read for new ones.
func (w *Worker) step(ctx context.Context) error {
	msg, ok, err := w.claimStale(ctx)
	if err != nil {
		return err
	}
	if !ok {
		msg, ok, err = w.readNew(ctx)
		if err != nil {
			return err
		}
	}
	if !ok {
		return nil
	}
	return w.handle(ctx, msg)
}

// claimStale steals one entry whose consumer stopped acknowledging.
// The scan always restarts from the head of the pending list.
func (w *Worker) claimStale(ctx context.Context) (redis.XMessage, bool, error) {
	msgs, _, err := w.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   w.opts.Stream,
		Group:    w.opts.Group,
		Consumer: w.opts.Consumer,
		MinIdle:  w.opts.ClaimMinIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return redis.XMessage{}, false, fmt.Errorf("claim stale entries: %w", err)
	}
	if len(msgs) == 0 {
		return redis.XMessage{}, false, nil
	}
	staleClaims.Inc()
	w.logger.Info().Str("event", "worker.claimed").Str("entry_id", msgs[0].ID).Msg("reclaimed stale entry")
	return msgs[0], true, nil
}

func (w *Worker) readNew(ctx context.Context) (redis.XMessage, bool, error) {
	streams, err := w.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    w.opts.Group,
		Consumer: w.opts.Consumer,
		Streams:  []string{w.opts.Stream, ">"},
		Count:    1,
		Block:    w.opts.BlockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return redis.XMessage{}, false, nil
	}
	if err != nil {
		return redis.XMessage{}, false, fmt.Errorf("read request stream: %w", err)
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			return s.Messages[0], true, nil
		}
	}
	return redis.XMessage{}, false, nil
}

func (w *Worker) handle(ctx context.Context, msg redis.XMessage) error {
	req, err := model.RequestFromStreamValues(msg.Values)
	if err != nil {
		// Poison entry. Ack and drop it, or the group redelivers it
		// forever.
		w.logger.Error().Err(err).Str("entry_id", msg.ID).Msg("malformed request entry dropped")
		messagesTotal.WithLabelValues("dropped").Inc()
		return w.ack(context.WithoutCancel(ctx), msg.ID)
	}
	log := w.logger.With().Str("video_id", req.VideoID).Str("request_id", req.RequestID).Logger()

	acquired, err := w.locks.Acquire(ctx, req.VideoID, req.RequestID)
	if err != nil {
		return fmt.Errorf("acquire pipeline lock: %w", err)
	}
	if !acquired {
		// Another worker owns the run. The entry stays pending and the
		// stale-claim path retries it after the idle threshold.
		log.Info().Str("event", "worker.lock_busy").Msg("video locked by another worker")
		messagesTotal.WithLabelValues("lock_busy").Inc()
		return nil
	}
	log.Info().Str("event", "worker.accepted").Str("entry_id", msg.ID).Msg("pipeline run accepted")

	started := time.Now()
	runCtx, span := telemetry.Tracer("clipline/worker").Start(ctx, "pipeline.run",
		trace.WithAttributes(telemetry.RunAttributes(req.VideoID, req.RequestID)...))
	res, runErr := w.pipe.Process(runCtx, req.VideoID, req.Config)

	// Teardown must finish even when shutdown already cancelled ctx.
	tctx := context.WithoutCancel(ctx)

	if errors.Is(runErr, pipeline.ErrHalted) {
		span.SetAttributes(attribute.String(telemetry.RunOutcomeKey, "halted"))
		span.End()
		if err := w.locks.Release(tctx, req.VideoID); err != nil {
			log.Warn().Err(err).Msg("lock release failed")
		}
		// No ack and no archive: the entry is reclaimed after the idle
		// threshold and the run resumes where it stopped.
		messagesTotal.WithLabelValues("halted").Inc()
		log.Info().Str("event", "worker.halted").Msg("run halted by shutdown")
		return nil
	}

	outcome := "completed"
	switch {
	case runErr != nil:
		outcome = "failed"
	case res.Cancelled:
		outcome = "cancelled"
	}
	if runErr != nil {
		span.RecordError(runErr)
		log.Error().Err(runErr).Msg("pipeline run failed")
	}
	span.SetAttributes(attribute.String(telemetry.RunOutcomeKey, outcome))
	span.End()

	// Archive in its own step: a failed run still moves to history.
	if _, err := w.status.Archive(tctx, req.VideoID); err != nil && !errors.Is(err, state.ErrNoActiveRun) {
		log.Warn().Err(err).Msg("status archive failed")
	}
	if err := w.locks.Release(tctx, req.VideoID); err != nil {
		log.Warn().Err(err).Msg("lock release failed")
	}

	messagesTotal.WithLabelValues(outcome).Inc()
	log.Info().
		Str("event", "worker.finished").
		Str("outcome", outcome).
		Dur("elapsed", time.Since(started)).
		Msg("pipeline run finished")
	return w.ack(tctx, msg.ID)
}

func (w *Worker) ack(ctx context.Context, entryID string) error {
	if err := w.client.XAck(ctx, w.opts.Stream, w.opts.Group, entryID).Err(); err != nil {
		return fmt.Errorf("ack entry %s: %w", entryID, err)
	}
	return nil
}
