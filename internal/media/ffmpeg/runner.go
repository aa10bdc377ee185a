// SPDX-License-Identifier: MIT

// Package ffmpeg fronts the external media tools: audio extraction,
// clip encoding, and stream probing. Every run is bounded by its
// context; failures carry the tail of the tool's stderr.
package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	startTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipline",
		Name:      "ffmpeg_start_total",
		Help:      "Media tool starts by result",
	}, []string{"result"})

	exitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipline",
		Name:      "ffmpeg_exit_total",
		Help:      "Media tool exits by reason",
	}, []string{"reason"})
)

const stopGrace = 5 * time.Second

// runner executes one external tool to completion.
type runner struct {
	binPath string
	logger  zerolog.Logger
}

// run starts the tool, streams stderr into a ring, and waits for exit.
// Context cancellation sends SIGTERM and escalates to SIGKILL after
// the grace period.
func (r *runner) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, r.binPath, args...) // #nosec G204 -- args built internally from validated paths
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = stopGrace

	ring := NewLineRing(64)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		startTotal.WithLabelValues("err").Inc()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	r.logger.Debug().Str("command", cmd.String()).Msg("starting media tool")

	if err := cmd.Start(); err != nil {
		startTotal.WithLabelValues("err").Inc()
		return fmt.Errorf("start %s: %w", r.binPath, err)
	}
	startTotal.WithLabelValues("ok").Inc()

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		_, _ = ring.Write(scanner.Bytes())
		_, _ = ring.Write([]byte("\n"))
	}

	err = cmd.Wait()
	if err == nil {
		exitTotal.WithLabelValues("clean").Inc()
		return nil
	}

	code := 1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}

	reason := "error"
	if ctx.Err() != nil {
		reason = "ctx_cancel"
	}
	exitTotal.WithLabelValues(reason).Inc()

	tail := ring.LastN(20)
	r.logger.Error().
		Int("exit_code", code).
		Str("reason", reason).
		Dur("elapsed", time.Since(start)).
		Strs("stderr", tail).
		Msg("media tool failed")

	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", r.binPath, ctx.Err())
	}
	return fmt.Errorf("%s exited %d: %s", r.binPath, code, strings.Join(tail, " | "))
}
