// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// PingChecker wraps a connectivity probe, typically the Redis PING of
// the control plane.
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

func (c *PingChecker) Name() string { return c.name }

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := c.ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "reachable"}
}

// DirChecker verifies a working directory exists and is writable
// (staging root, object store base).
type DirChecker struct {
	name string
	path string
}

func NewDirChecker(name, path string) *DirChecker {
	return &DirChecker{name: name, path: path}
}

func (c *DirChecker) Name() string { return c.name }

func (c *DirChecker) Check(_ context.Context) CheckResult {
	info, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{Status: StatusUnhealthy, Error: "directory does not exist", Message: c.path}
		}
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusUnhealthy, Error: "not a directory", Message: c.path}
	}

	probe := filepath.Join(c.path, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: "directory is not writable", Message: c.path}
	}
	_ = os.Remove(probe)

	return CheckResult{Status: StatusHealthy, Message: "writable"}
}

// ToolChecker verifies an external binary (ffmpeg, ffprobe, ssh) is
// resolvable. A missing tool is degraded, not unhealthy: the worker
// fails the affected stages but the control plane still serves.
type ToolChecker struct {
	name string
	path string
}

func NewToolChecker(name, path string) *ToolChecker {
	return &ToolChecker{name: name, path: path}
}

func (c *ToolChecker) Name() string { return c.name }

func (c *ToolChecker) Check(_ context.Context) CheckResult {
	if c.path == "" {
		return CheckResult{Status: StatusDegraded, Message: "not configured"}
	}
	if filepath.IsAbs(c.path) {
		if _, err := os.Stat(c.path); err != nil {
			return CheckResult{Status: StatusDegraded, Error: err.Error(), Message: c.path}
		}
		return CheckResult{Status: StatusHealthy, Message: c.path}
	}
	resolved, err := exec.LookPath(c.path)
	if err != nil {
		return CheckResult{Status: StatusDegraded, Error: err.Error(), Message: c.path}
	}
	return CheckResult{Status: StatusHealthy, Message: resolved}
}
