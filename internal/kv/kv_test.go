// SPDX-License-Identifier: MIT

package kv

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestNewClientPingsServer(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client, err := NewClient(Config{Addr: mr.Addr()}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	if err := client.Set(t.Context(), "probe", "ok", time.Minute).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := client.Get(t.Context(), "probe").Result()
	if err != nil || got != "ok" {
		t.Fatalf("get = (%q, %v), want (ok, nil)", got, err)
	}
}

func TestNewClientFailsWhenUnreachable(t *testing.T) {
	// Reserve a port and close it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve addr: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	if _, err := NewClient(Config{Addr: addr}, zerolog.Nop()); err == nil {
		t.Fatal("expected connection failure")
	}
}

func TestIsUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"redis nil", redis.Nil, false},
		{"wrapped redis nil", fmt.Errorf("get: %w", redis.Nil), false},
		{"sentinel", ErrUnavailable, true},
		{"wrapped sentinel", fmt.Errorf("mark running: %w", ErrUnavailable), true},
		{"client closed", redis.ErrClosed, true},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"plain error", errors.New("wrong type"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUnavailable(tt.err); got != tt.want {
				t.Errorf("IsUnavailable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
