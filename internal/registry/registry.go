// SPDX-License-Identifier: MIT

// Package registry stores per-model connection parameters and
// capabilities in Redis: hash model:config:{model_key} plus a set of
// registered keys. Stage executors resolve endpoints through it; the
// HTTP façade exposes it for operators.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Connection modes.
const (
	ModeTunnel = "tunnel"
	ModeDirect = "direct"
)

const (
	keyPrefix = "model:config:"
	keysSet   = "model:config:_keys"
)

// ErrUnknownModel reports a lookup for a model key that was never
// registered.
var ErrUnknownModel = errors.New("unknown model")

// Key builds the Redis key for a model's config hash.
func Key(modelKey string) string { return keyPrefix + modelKey }

// ModelConfig describes how to reach one model service and what it can
// do. TopP and TopK are sampling defaults sent with every request to
// the model when set.
type ModelConfig struct {
	Name           string   `json:"name" yaml:"name"`
	ConnectionMode string   `json:"connection_mode" yaml:"connection_mode"`
	SSHHost        string   `json:"ssh_host,omitempty" yaml:"ssh_host,omitempty"`
	SSHRemoteHost  string   `json:"ssh_remote_host,omitempty" yaml:"ssh_remote_host,omitempty"`
	SSHLocalPort   int      `json:"ssh_local_port,omitempty" yaml:"ssh_local_port,omitempty"`
	SSHRemotePort  int      `json:"ssh_remote_port,omitempty" yaml:"ssh_remote_port,omitempty"`
	DirectHost     string   `json:"direct_host,omitempty" yaml:"direct_host,omitempty"`
	DirectPort     int      `json:"direct_port,omitempty" yaml:"direct_port,omitempty"`
	ModelID        string   `json:"model_id,omitempty" yaml:"model_id,omitempty"`
	SupportsVideo  bool     `json:"supports_video" yaml:"supports_video"`
	TopP           *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	TopK           *int     `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	UpdatedAt      float64  `json:"updated_at,omitempty" yaml:"-"`
}

// Validate checks that the config names a reachable endpoint for its
// connection mode.
func (m ModelConfig) Validate() error {
	if m.Name == "" {
		return errors.New("name is required")
	}
	switch m.ConnectionMode {
	case ModeTunnel:
		if m.SSHHost == "" || m.SSHRemoteHost == "" {
			return errors.New("tunnel mode requires ssh_host and ssh_remote_host")
		}
		if m.SSHLocalPort <= 0 || m.SSHRemotePort <= 0 {
			return errors.New("tunnel mode requires ssh_local_port and ssh_remote_port")
		}
	case ModeDirect:
		if m.DirectHost == "" || m.DirectPort <= 0 {
			return errors.New("direct mode requires direct_host and direct_port")
		}
	default:
		return fmt.Errorf("connection_mode must be %q or %q", ModeTunnel, ModeDirect)
	}
	return nil
}

func (m ModelConfig) values() map[string]interface{} {
	v := map[string]interface{}{
		"name":            m.Name,
		"connection_mode": m.ConnectionMode,
		"ssh_host":        m.SSHHost,
		"ssh_remote_host": m.SSHRemoteHost,
		"ssh_local_port":  strconv.Itoa(m.SSHLocalPort),
		"ssh_remote_port": strconv.Itoa(m.SSHRemotePort),
		"direct_host":     m.DirectHost,
		"direct_port":     strconv.Itoa(m.DirectPort),
		"model_id":        m.ModelID,
		"supports_video":  strconv.FormatBool(m.SupportsVideo),
		"updated_at":      strconv.FormatFloat(m.UpdatedAt, 'f', 6, 64),
	}
	if m.TopP != nil {
		v["top_p"] = strconv.FormatFloat(*m.TopP, 'f', -1, 64)
	}
	if m.TopK != nil {
		v["top_k"] = strconv.Itoa(*m.TopK)
	}
	return v
}

func decodeConfig(fields map[string]string) ModelConfig {
	m := ModelConfig{
		Name:           fields["name"],
		ConnectionMode: fields["connection_mode"],
		SSHHost:        fields["ssh_host"],
		SSHRemoteHost:  fields["ssh_remote_host"],
		DirectHost:     fields["direct_host"],
		ModelID:        fields["model_id"],
	}
	m.SSHLocalPort, _ = strconv.Atoi(fields["ssh_local_port"])
	m.SSHRemotePort, _ = strconv.Atoi(fields["ssh_remote_port"])
	m.DirectPort, _ = strconv.Atoi(fields["direct_port"])
	m.SupportsVideo, _ = strconv.ParseBool(fields["supports_video"])
	m.UpdatedAt, _ = strconv.ParseFloat(fields["updated_at"], 64)
	if raw, ok := fields["top_p"]; ok {
		if p, err := strconv.ParseFloat(raw, 64); err == nil {
			m.TopP = &p
		}
	}
	if raw, ok := fields["top_k"]; ok {
		if k, err := strconv.Atoi(raw); err == nil {
			m.TopK = &k
		}
	}
	return m
}

// Store is the Redis-backed registry.
type Store struct {
	client *redis.Client
	logger zerolog.Logger
}

func NewStore(client *redis.Client, logger zerolog.Logger) *Store {
	return &Store{client: client, logger: logger}
}

// Get returns the config for a model key, or ErrUnknownModel.
func (s *Store) Get(ctx context.Context, modelKey string) (ModelConfig, error) {
	fields, err := s.client.HGetAll(ctx, Key(modelKey)).Result()
	if err != nil {
		return ModelConfig{}, fmt.Errorf("get model %s: %w", modelKey, err)
	}
	if len(fields) == 0 {
		return ModelConfig{}, fmt.Errorf("get model %s: %w", modelKey, ErrUnknownModel)
	}
	return decodeConfig(fields), nil
}

// Put validates and replaces the config for a model key. The whole
// hash is rewritten so removed optional fields do not linger.
func (s *Store) Put(ctx context.Context, modelKey string, cfg ModelConfig) error {
	if modelKey == "" {
		return errors.New("put model: empty model key")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("put model %s: %w", modelKey, err)
	}
	cfg.UpdatedAt = float64(time.Now().UnixNano()) / 1e9

	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, Key(modelKey))
		p.HSet(ctx, Key(modelKey), cfg.values())
		p.SAdd(ctx, keysSet, modelKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put model %s: %w", modelKey, err)
	}

	s.logger.Info().
		Str("model_key", modelKey).
		Str("connection_mode", cfg.ConnectionMode).
		Bool("supports_video", cfg.SupportsVideo).
		Msg("model config stored")
	return nil
}

// Keys returns the registered model keys, sorted.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.client.SMembers(ctx, keysSet).Result()
	if err != nil {
		return nil, fmt.Errorf("list model keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// List returns every registered model's config keyed by model key.
func (s *Store) List(ctx context.Context) (map[string]ModelConfig, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	configs := make(map[string]ModelConfig, len(keys))
	for _, k := range keys {
		cfg, err := s.Get(ctx, k)
		if errors.Is(err, ErrUnknownModel) {
			continue
		}
		if err != nil {
			return nil, err
		}
		configs[k] = cfg
	}
	return configs, nil
}

// SupportsVideo reports a model's video capability. Unknown models
// report false, matching the lenient capability probe the stage
// selection relies on.
func (s *Store) SupportsVideo(ctx context.Context, modelKey string) (bool, error) {
	cfg, err := s.Get(ctx, modelKey)
	if errors.Is(err, ErrUnknownModel) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return cfg.SupportsVideo, nil
}
