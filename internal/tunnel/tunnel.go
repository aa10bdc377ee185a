// SPDX-License-Identifier: MIT

// Package tunnel manages ssh port-forward tunnels to remote model
// hosts. Callers choose between reusing a live tunnel on the local
// port and forcing a fresh one so configuration changes take effect.
package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/clipline/clipline/internal/netutil"
)

var (
	openTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipline",
		Name:      "tunnel_open_total",
		Help:      "Tunnel open attempts by result",
	}, []string{"result"})

	teardownTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipline",
		Name:      "tunnel_teardown_total",
		Help:      "Tunnel teardowns by mode",
	}, []string{"mode"})
)

// Policy decides what happens when the local port already carries a
// live tunnel.
type Policy uint8

const (
	// ReuseIfAccessible treats a reachable local port as a live tunnel
	// and hands it out without owning it.
	ReuseIfAccessible Policy = iota
	// AlwaysFresh tears down whatever holds the local port and opens a
	// new tunnel matching the current configuration.
	AlwaysFresh
)

func (p Policy) String() string {
	if p == AlwaysFresh {
		return "always_fresh"
	}
	return "reuse_if_accessible"
}

// Spec names one port forward: localhost:LocalPort is forwarded to
// RemoteHost:RemotePort through the ssh host.
type Spec struct {
	SSHHost    string // user@host
	RemoteHost string
	LocalPort  int
	RemotePort int
}

// Validate rejects specs that cannot form a safe ssh invocation.
func (s Spec) Validate() error {
	if _, _, err := netutil.SplitSSHHost(s.SSHHost); err != nil {
		return err
	}
	if _, err := netutil.NormalizeHost(s.RemoteHost); err != nil {
		return fmt.Errorf("invalid remote host: %w", err)
	}
	if s.LocalPort <= 0 || s.LocalPort > 65535 {
		return fmt.Errorf("invalid local port %d", s.LocalPort)
	}
	if s.RemotePort <= 0 || s.RemotePort > 65535 {
		return fmt.Errorf("invalid remote port %d", s.RemotePort)
	}
	return nil
}

// Options tunes the manager. Zero values select the defaults.
type Options struct {
	SSHPath      string        // ssh binary (default "ssh")
	ForkWait     time.Duration // how long the launcher may take to fork (default 5 s)
	ProbeTimeout time.Duration // per-connect health check timeout (default 3 s)
	ProbePeriod  time.Duration // poll interval while waiting for the port (default 100 ms)
	KillGrace    time.Duration // SIGTERM to SIGKILL escalation (default 5 s)
}

// Manager opens and tears down tunnels. It remembers the launcher
// processes it started so teardown can signal them directly; tunnels
// whose launcher already exited are released by terminating the
// process that owns the local port.
type Manager struct {
	logger zerolog.Logger
	opts   Options

	mu    sync.Mutex
	owned map[int]*launcher // local port → launcher this manager started
}

// launcher tracks one ssh invocation. done is closed once Wait
// returns; err is only readable after that.
type launcher struct {
	cmd  *exec.Cmd
	err  error
	done chan struct{}
}

func NewManager(opts Options, logger zerolog.Logger) *Manager {
	if opts.SSHPath == "" {
		opts.SSHPath = "ssh"
	}
	if opts.ForkWait <= 0 {
		opts.ForkWait = 5 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 3 * time.Second
	}
	if opts.ProbePeriod <= 0 {
		opts.ProbePeriod = 100 * time.Millisecond
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	return &Manager{
		logger: logger,
		opts:   opts,
		owned:  make(map[int]*launcher),
	}
}

// Handle is a lease on a reachable tunnel. Release tears the tunnel
// down only when this Open call created it; reused tunnels stay up
// for future callers.
type Handle struct {
	mgr     *Manager
	port    int
	created bool
}

// Created reports whether the Open call launched the tunnel itself.
func (h *Handle) Created() bool { return h.created }

// LocalPort returns the forwarded local port.
func (h *Handle) LocalPort() int { return h.port }

// Release tears down a tunnel this handle created. Cleanup failures
// are logged, not returned: the caller is on its way out either way.
func (h *Handle) Release() {
	if h == nil || !h.created {
		return
	}
	h.mgr.teardownQuiet(h.port)
}

// Accessible reports whether the local port accepts a TCP connection
// within the probe timeout. This is the tunnel health check; whether
// the service behind it answers is the caller's HTTP call to find out.
func (m *Manager) Accessible(port int) bool {
	return probePort(port, m.opts.ProbeTimeout)
}

func probePort(port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("localhost", strconv.Itoa(port)), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Open establishes a tunnel per the spec and policy and returns a
// handle once the local port accepts connections.
func (m *Manager) Open(ctx context.Context, spec Spec, policy Policy) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		openTotal.WithLabelValues("err_spec").Inc()
		return nil, fmt.Errorf("tunnel spec: %w", err)
	}

	if m.Accessible(spec.LocalPort) {
		if policy == ReuseIfAccessible {
			m.logger.Debug().
				Int("local_port", spec.LocalPort).
				Msg("reusing accessible tunnel")
			openTotal.WithLabelValues("reused").Inc()
			return &Handle{mgr: m, port: spec.LocalPort, created: false}, nil
		}
		// Fresh policy: whatever holds the port goes, even if it
		// still answers, so a changed remote host takes effect.
		if err := m.teardown(spec.LocalPort); err != nil {
			openTotal.WithLabelValues("err_teardown").Inc()
			return nil, fmt.Errorf("replace tunnel on port %d: %w", spec.LocalPort, err)
		}
		m.waitPortFree(spec.LocalPort)
	}

	created, err := m.launch(ctx, spec)
	if err != nil {
		openTotal.WithLabelValues("err_launch").Inc()
		return nil, err
	}

	if created {
		openTotal.WithLabelValues("created").Inc()
	} else {
		openTotal.WithLabelValues("reused").Inc()
	}
	m.logger.Info().
		Int("local_port", spec.LocalPort).
		Int("remote_port", spec.RemotePort).
		Str("policy", policy.String()).
		Bool("created", created).
		Msg("tunnel established")
	return &Handle{mgr: m, port: spec.LocalPort, created: created}, nil
}

// waitPortFree polls until the local port stops accepting connections
// so the replacement launcher does not race the dying forwarder.
func (m *Manager) waitPortFree(port int) {
	deadline := time.Now().Add(m.opts.KillGrace + time.Second)
	for time.Now().Before(deadline) {
		if !probePort(port, m.opts.ProbePeriod) {
			return
		}
		time.Sleep(m.opts.ProbePeriod)
	}
	m.logger.Warn().Int("local_port", port).Msg("port still busy after teardown")
}

// launch starts the ssh launcher and waits for the local port to come
// up. ssh runs in background mode, so the launcher usually exits right
// after forking the forwarder; the port probe is the real readiness
// signal. The returned flag is false when the launcher lost the port
// to a concurrent tunnel that turned out to be live.
func (m *Manager) launch(ctx context.Context, spec Spec) (bool, error) {
	args := []string{
		"-fN",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "StrictHostKeyChecking=no",
		"-o", "ConnectTimeout=10",
		"-L", fmt.Sprintf("%d:%s:%d", spec.LocalPort, spec.RemoteHost, spec.RemotePort),
		spec.SSHHost,
	}

	cmd := exec.CommandContext(ctx, m.opts.SSHPath, args...) // #nosec G204 -- args validated by Spec.Validate
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("start tunnel launcher: %w", err)
	}

	l := &launcher{cmd: cmd, done: make(chan struct{})}
	m.mu.Lock()
	m.owned[spec.LocalPort] = l
	m.mu.Unlock()

	// Reap the launcher in the background; ssh -f exits once forked.
	go func() {
		l.err = cmd.Wait()
		close(l.done)
	}()

	exited := l.done
	deadline := time.Now().Add(m.opts.ForkWait + m.opts.ProbeTimeout)
	for {
		if probePort(spec.LocalPort, m.opts.ProbeTimeout) {
			return true, nil
		}
		select {
		case <-exited:
			if l.err != nil {
				m.forget(spec.LocalPort)
				if strings.Contains(stderr.String(), "Address already in use") &&
					probePort(spec.LocalPort, m.opts.ProbeTimeout) {
					// Lost a race for the port; the winner answers,
					// so ride its forward instead.
					return false, nil
				}
				return false, fmt.Errorf("tunnel launcher failed: %w (%s)", l.err, lastLine(stderr.String()))
			}
			// Launcher forked and exited cleanly; keep polling until
			// the deadline for the forward to come up.
			exited = nil
		case <-ctx.Done():
			m.teardownQuiet(spec.LocalPort)
			return false, ctx.Err()
		case <-time.After(m.opts.ProbePeriod):
		}
		if time.Now().After(deadline) {
			m.teardownQuiet(spec.LocalPort)
			return false, fmt.Errorf("tunnel on port %d not accessible after %s", spec.LocalPort, m.opts.ForkWait+m.opts.ProbeTimeout)
		}
	}
}

func (m *Manager) forget(port int) {
	m.mu.Lock()
	delete(m.owned, port)
	m.mu.Unlock()
}

func (m *Manager) teardownQuiet(port int) {
	if err := m.teardown(port); err != nil {
		m.logger.Warn().Err(err).Int("local_port", port).Msg("tunnel teardown failed")
	}
}

// teardown closes whatever forwards the local port: the launcher this
// manager started when it is still alive, otherwise the OS process
// that owns the port.
func (m *Manager) teardown(port int) error {
	m.mu.Lock()
	l := m.owned[port]
	delete(m.owned, port)
	m.mu.Unlock()

	if l != nil {
		select {
		case <-l.done:
			// Launcher exited; the forked forwarder owns the port now.
		default:
			m.signalStop(l.cmd.Process)
			teardownTotal.WithLabelValues("launcher").Inc()
			return nil
		}
	}

	pid, err := portOwnerPID(port)
	if err != nil {
		return err
	}
	if pid == 0 {
		// Nothing listens anymore; the forwarder is already gone.
		return nil
	}
	if pid == int32(os.Getpid()) {
		return fmt.Errorf("port %d is owned by this process; refusing to terminate", port)
	}
	if err := terminatePID(pid, m.opts.KillGrace); err != nil {
		return fmt.Errorf("terminate port %d owner (pid %d): %w", port, pid, err)
	}
	teardownTotal.WithLabelValues("port_owner").Inc()
	m.logger.Info().Int("local_port", port).Int32("pid", pid).Msg("terminated tunnel owner")
	return nil
}

// signalStop sends SIGTERM and escalates to SIGKILL after the grace
// period if the process is still around.
func (m *Manager) signalStop(proc *os.Process) {
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return
	}
	go func(p *os.Process, grace time.Duration) {
		time.Sleep(grace)
		_ = p.Kill()
	}(proc, m.opts.KillGrace)
}

// Close tears down every tunnel this manager still owns. Called on
// daemon shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	ports := make([]int, 0, len(m.owned))
	for port := range m.owned {
		ports = append(ports, port)
	}
	m.mu.Unlock()

	for _, port := range ports {
		m.teardownQuiet(port)
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
