// SPDX-License-Identifier: MIT

package tunnel

import (
	"context"
	"fmt"
	"time"

	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// portOwnerPID returns the pid of the process listening on the local
// TCP port, or 0 when nothing does. Forwarders left behind by earlier
// runs have no launcher handle, so teardown has to find them by port.
func portOwnerPID(port int) (int32, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return 0, fmt.Errorf("list tcp connections: %w", err)
	}
	for _, conn := range conns {
		if conn.Status == "LISTEN" && conn.Laddr.Port == uint32(port) && conn.Pid > 0 {
			return conn.Pid, nil
		}
	}
	return 0, nil
}

// terminatePID stops a process with SIGTERM and escalates to SIGKILL
// when it is still running after the grace period.
func terminatePID(pid int32, grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
	defer cancel()

	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		// Already gone.
		return nil
	}
	if err := proc.TerminateWithContext(ctx); err != nil {
		return fmt.Errorf("sigterm pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		running, err := proc.IsRunningWithContext(ctx)
		if err != nil || !running {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := proc.KillWithContext(ctx); err != nil {
		return fmt.Errorf("sigkill pid %d: %w", pid, err)
	}
	return nil
}
