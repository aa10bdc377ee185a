// SPDX-License-Identifier: MIT

package inference

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/clipline/clipline/internal/registry"
	"github.com/clipline/clipline/internal/tunnel"
)

// Service paths on the remote model hosts.
const (
	PathTranscribe      = "/transcribe"
	PathChatCompletions = "/v1/chat/completions"
)

// Connector resolves a model key to a reachable endpoint. Direct-mode
// models cost nothing to connect; tunnel-mode models go through the
// tunnel manager under the connector's policy.
type Connector struct {
	models  *registry.Store
	tunnels *tunnel.Manager
	policy  tunnel.Policy
	logger  zerolog.Logger
}

func NewConnector(models *registry.Store, tunnels *tunnel.Manager, policy tunnel.Policy, logger zerolog.Logger) *Connector {
	return &Connector{models: models, tunnels: tunnels, policy: policy, logger: logger}
}

// Scope is a leased endpoint. Close releases the tunnel when this
// Connect call created it; reused and direct endpoints stay up.
type Scope struct {
	url    string
	handle *tunnel.Handle
}

// URL returns the full service URL including the api path.
func (s *Scope) URL() string { return s.url }

// Close releases the underlying tunnel if this scope owns one.
func (s *Scope) Close() {
	if s == nil {
		return
	}
	s.handle.Release()
}

// Connect acquires an endpoint for the model and returns it with the
// api path appended. Callers must Close the scope on every exit path.
func (c *Connector) Connect(ctx context.Context, modelKey, apiPath string) (*Scope, error) {
	cfg, err := c.models.Get(ctx, modelKey)
	if err != nil {
		return nil, err
	}

	switch cfg.ConnectionMode {
	case registry.ModeDirect:
		return &Scope{url: fmt.Sprintf("http://%s:%d%s", cfg.DirectHost, cfg.DirectPort, apiPath)}, nil

	case registry.ModeTunnel:
		spec := tunnel.Spec{
			SSHHost:    cfg.SSHHost,
			RemoteHost: cfg.SSHRemoteHost,
			LocalPort:  cfg.SSHLocalPort,
			RemotePort: cfg.SSHRemotePort,
		}
		handle, err := c.tunnels.Open(ctx, spec, c.policy)
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", modelKey, err)
		}
		c.logger.Debug().
			Str("model_key", modelKey).
			Int("local_port", handle.LocalPort()).
			Bool("created", handle.Created()).
			Msg("model endpoint acquired")
		return &Scope{
			url:    fmt.Sprintf("http://localhost:%d%s", cfg.SSHLocalPort, apiPath),
			handle: handle,
		}, nil

	default:
		return nil, fmt.Errorf("connect %s: unknown connection mode %q", modelKey, cfg.ConnectionMode)
	}
}
