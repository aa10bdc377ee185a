// SPDX-License-Identifier: MIT

package tunnel

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func testManager(t *testing.T, sshPath string) *Manager {
	t.Helper()
	return NewManager(Options{
		SSHPath:      sshPath,
		ForkWait:     2 * time.Second,
		ProbeTimeout: 300 * time.Millisecond,
		ProbePeriod:  20 * time.Millisecond,
		KillGrace:    200 * time.Millisecond,
	}, zerolog.Nop())
}

func testSpec(port int) Spec {
	return Spec{
		SSHHost:    "ubuntu@models.example.com",
		RemoteHost: "localhost",
		LocalPort:  port,
		RemotePort: 9100,
	}
}

func TestProbePort(t *testing.T) {
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	if !probePort(port, time.Second) {
		t.Fatal("live listener reported inaccessible")
	}
	_ = ln.Close()
	if probePort(port, 200*time.Millisecond) {
		t.Fatal("closed port reported accessible")
	}
}

func TestSpecValidate(t *testing.T) {
	cases := []struct {
		name string
		spec Spec
		ok   bool
	}{
		{"valid", testSpec(18000), true},
		{"missing user", Spec{SSHHost: "models.example.com", RemoteHost: "localhost", LocalPort: 18000, RemotePort: 9100}, false},
		{"flag injection host", Spec{SSHHost: "ubuntu@-oProxyCommand=evil", RemoteHost: "localhost", LocalPort: 18000, RemotePort: 9100}, false},
		{"bad remote host", Spec{SSHHost: "ubuntu@models.example.com", RemoteHost: "host/path", LocalPort: 18000, RemotePort: 9100}, false},
		{"zero local port", Spec{SSHHost: "ubuntu@models.example.com", RemoteHost: "localhost", LocalPort: 0, RemotePort: 9100}, false},
		{"remote port out of range", Spec{SSHHost: "ubuntu@models.example.com", RemoteHost: "localhost", LocalPort: 18000, RemotePort: 70000}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}

func TestOpenReusesAccessibleTunnel(t *testing.T) {
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	// The ssh path must never run on the reuse path.
	mgr := testManager(t, "/bin/false")

	h, err := mgr.Open(context.Background(), testSpec(port), ReuseIfAccessible)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	if h.Created() {
		t.Fatal("reused tunnel reported as created")
	}
	if h.LocalPort() != port {
		t.Fatalf("LocalPort() = %d, want %d", h.LocalPort(), port)
	}

	h.Release()
	if !probePort(port, time.Second) {
		t.Fatal("Release of a reused handle tore down the tunnel")
	}
}

func TestOpenLaunchFailure(t *testing.T) {
	port := freePort(t)
	mgr := testManager(t, "/bin/false")

	_, err := mgr.Open(context.Background(), testSpec(port), ReuseIfAccessible)
	if err == nil {
		t.Fatal("Open() = nil, want launcher failure")
	}
}

func TestOpenPollsForForkedForwarder(t *testing.T) {
	port := freePort(t)

	// Stands in for ssh -f: exits immediately like a launcher that
	// forked its forwarder; the test binds the port a moment later.
	script := filepath.Join(t.TempDir(), "fake-ssh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	mgr := testManager(t, script)

	lnCh := make(chan net.Listener, 1)
	go func() {
		time.Sleep(100 * time.Millisecond)
		ln, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
		if err != nil {
			return
		}
		lnCh <- ln
	}()

	h, err := mgr.Open(context.Background(), testSpec(port), AlwaysFresh)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	if !h.Created() {
		t.Fatal("launched tunnel not reported as created")
	}

	ln := <-lnCh
	defer ln.Close()

	// The forwarder port is owned by this test process, so Release
	// must refuse to terminate it.
	h.Release()
	if !probePort(port, time.Second) {
		t.Fatal("Release terminated a listener owned by this process")
	}
}

func TestOpenAlwaysFreshRejectsSelfOwnedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	mgr := testManager(t, "/bin/false")

	if _, err := mgr.Open(context.Background(), testSpec(port), AlwaysFresh); err == nil {
		t.Fatal("Open() = nil, want error for port held by this process")
	}
	if !probePort(port, time.Second) {
		t.Fatal("AlwaysFresh terminated a listener owned by this process")
	}
}

func TestLastLine(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"bind: Address already in use\n", "bind: Address already in use"},
		{"line one\nline two\n\n", "line two"},
	}
	for _, tc := range cases {
		if got := lastLine(tc.in); got != tc.want {
			t.Errorf("lastLine(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
