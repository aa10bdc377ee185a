// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Transcription model key. Pipeline models are chosen per request;
// transcription always goes through this one.
const TranscriptionModelKey = "parakeet"

// Defaults returns the built-in model set. sshHost and sshRemoteHost
// come from the environment since they name deployment-specific
// machines; ports and capabilities are fixed per model family.
func Defaults(sshHost, sshRemoteHost string) map[string]ModelConfig {
	topP := 0.95
	topK := 20
	return map[string]ModelConfig{
		"qwen3_vl_fp8": {
			Name:           "Qwen3-VL-FP8",
			ConnectionMode: ModeTunnel,
			SSHHost:        sshHost,
			SSHRemoteHost:  sshRemoteHost,
			SSHLocalPort:   6010,
			SSHRemotePort:  8010,
			SupportsVideo:  true,
		},
		"minimax": {
			Name:           "MiniMax",
			ConnectionMode: ModeTunnel,
			SSHHost:        sshHost,
			SSHRemoteHost:  sshRemoteHost,
			SSHLocalPort:   8007,
			SSHRemotePort:  7104,
			SupportsVideo:  false,
		},
		"qwen3_omni": {
			Name:           "Qwen3-Omni",
			ConnectionMode: ModeTunnel,
			SSHHost:        sshHost,
			SSHRemoteHost:  sshRemoteHost,
			SSHLocalPort:   7101,
			SSHRemotePort:  8002,
			SupportsVideo:  false,
			TopP:           &topP,
			TopK:           &topK,
		},
		TranscriptionModelKey: {
			Name:           "Parakeet",
			ConnectionMode: ModeTunnel,
			SSHHost:        sshHost,
			SSHRemoteHost:  sshRemoteHost,
			SSHLocalPort:   6106,
			SSHRemotePort:  8006,
			SupportsVideo:  false,
		},
	}
}

// SeedDefaults registers models that are not yet present. Existing
// entries are left alone so operator edits survive restarts. Returns
// the number of models written.
func (s *Store) SeedDefaults(ctx context.Context, defaults map[string]ModelConfig) (int, error) {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seeded := 0
	for _, k := range keys {
		n, err := s.client.Exists(ctx, Key(k)).Result()
		if err != nil {
			return seeded, fmt.Errorf("seed model %s: %w", k, err)
		}
		if n > 0 {
			continue
		}
		if err := s.Put(ctx, k, defaults[k]); err != nil {
			return seeded, err
		}
		seeded++
	}
	if seeded > 0 {
		s.logger.Info().Int("count", seeded).Msg("seeded model configs")
	}
	return seeded, nil
}

// ApplyFile writes every model from a seed file unconditionally.
// File entries represent explicit operator intent and override
// whatever the registry currently holds.
func (s *Store) ApplyFile(ctx context.Context, models map[string]ModelConfig) error {
	keys := make([]string, 0, len(models))
	for k := range models {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := s.Put(ctx, k, models[k]); err != nil {
			return err
		}
	}
	return nil
}

type seedFile struct {
	Models map[string]ModelConfig `yaml:"models"`
}

// LoadSeedFile parses a models YAML file:
//
//	models:
//	  minimax:
//	    name: MiniMax
//	    connection_mode: tunnel
//	    ...
func LoadSeedFile(path string) (map[string]ModelConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read models file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse models file %s: %w", path, err)
	}
	for k, m := range f.Models {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("models file %s: model %s: %w", path, k, err)
		}
	}
	return f.Models, nil
}
