// SPDX-License-Identifier: MIT

// Package kv owns the Redis connection shared by the control plane:
// the request stream, live status hashes, locks, cancel flags and the
// run history. Store-level helpers live in the packages that use them;
// this package only builds the client and classifies connectivity
// failures.
package kv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultPoolSize = 10
	dialTimeout     = 5 * time.Second
	readTimeout     = 3 * time.Second
	writeTimeout    = 3 * time.Second
	minIdleConns    = 5
)

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// ErrUnavailable tags an error as a store connectivity failure.
// IsUnavailable also recognizes it when wrapped.
var ErrUnavailable = errors.New("store unavailable")

// NewClient connects to Redis and verifies the connection with a ping.
func NewClient(cfg Config, logger zerolog.Logger) (*redis.Client, error) {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		PoolSize:     poolSize,
		MinIdleConns: minIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Int("pool_size", poolSize).
		Msg("connected to Redis")

	return client, nil
}

// IsUnavailable reports whether err means the store itself is
// unreachable, as opposed to a data-level miss (redis.Nil) or a
// caller mistake. Used to classify failures as store outages.
func IsUnavailable(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, redis.ErrClosed) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return false
}
