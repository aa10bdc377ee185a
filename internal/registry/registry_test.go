// SPDX-License-Identifier: MIT

package registry_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipline/clipline/internal/registry"
)

func setupStore(t *testing.T) (*redis.Client, *registry.Store) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start(), "start miniredis")
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return client, registry.NewStore(client, zerolog.Nop())
}

func tunnelConfig(name string, localPort, remotePort int) registry.ModelConfig {
	return registry.ModelConfig{
		Name:           name,
		ConnectionMode: registry.ModeTunnel,
		SSHHost:        "ops@gpu-gateway",
		SSHRemoteHost:  "worker-9",
		SSHLocalPort:   localPort,
		SSHRemotePort:  remotePort,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	topP := 0.95
	topK := 20
	in := tunnelConfig("Qwen3-Omni", 7101, 8002)
	in.TopP = &topP
	in.TopK = &topK

	require.NoError(t, store.Put(ctx, "qwen3_omni", in))

	got, err := store.Get(ctx, "qwen3_omni")
	require.NoError(t, err)
	assert.Equal(t, "Qwen3-Omni", got.Name)
	assert.Equal(t, registry.ModeTunnel, got.ConnectionMode)
	assert.Equal(t, 7101, got.SSHLocalPort)
	assert.Equal(t, 8002, got.SSHRemotePort)
	require.NotNil(t, got.TopP)
	assert.InDelta(t, 0.95, *got.TopP, 1e-9)
	require.NotNil(t, got.TopK)
	assert.Equal(t, 20, *got.TopK)
	assert.Greater(t, got.UpdatedAt, 0.0)
}

func TestPutReplacesWholeRecord(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	topP := 0.95
	withSampling := tunnelConfig("Model", 6010, 8010)
	withSampling.TopP = &topP
	require.NoError(t, store.Put(ctx, "m", withSampling))

	require.NoError(t, store.Put(ctx, "m", tunnelConfig("Model", 6010, 8010)))

	got, err := store.Get(ctx, "m")
	require.NoError(t, err)
	assert.Nil(t, got.TopP, "removed optional field must not linger")
}

func TestGetUnknownModel(t *testing.T) {
	_, store := setupStore(t)

	_, err := store.Get(context.Background(), "gpt-oss")
	assert.True(t, errors.Is(err, registry.ErrUnknownModel))
}

func TestPutRejectsInvalidConfig(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	missing := registry.ModelConfig{Name: "Broken", ConnectionMode: registry.ModeTunnel}
	assert.Error(t, store.Put(ctx, "broken", missing))

	badMode := registry.ModelConfig{Name: "Broken", ConnectionMode: "carrier-pigeon"}
	assert.Error(t, store.Put(ctx, "broken", badMode))

	direct := registry.ModelConfig{Name: "Direct", ConnectionMode: registry.ModeDirect}
	assert.Error(t, store.Put(ctx, "direct", direct), "direct mode needs host and port")
	direct.DirectHost = "10.0.0.5"
	direct.DirectPort = 8000
	assert.NoError(t, store.Put(ctx, "direct", direct))
}

func TestSeedDefaultsIsIdempotentAndPreservesEdits(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()
	defaults := registry.Defaults("ops@gpu-gateway", "worker-9")

	seeded, err := store.SeedDefaults(ctx, defaults)
	require.NoError(t, err)
	assert.Equal(t, len(defaults), seeded)

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"minimax", "parakeet", "qwen3_omni", "qwen3_vl_fp8"}, keys)

	// Operator edit survives a re-seed.
	edited, err := store.Get(ctx, "minimax")
	require.NoError(t, err)
	edited.SSHLocalPort = 9999
	require.NoError(t, store.Put(ctx, "minimax", edited))

	seeded, err = store.SeedDefaults(ctx, defaults)
	require.NoError(t, err)
	assert.Zero(t, seeded)

	got, err := store.Get(ctx, "minimax")
	require.NoError(t, err)
	assert.Equal(t, 9999, got.SSHLocalPort)
}

func TestDefaultsCapabilities(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()
	_, err := store.SeedDefaults(ctx, registry.Defaults("ops@gpu-gateway", "worker-9"))
	require.NoError(t, err)

	video, err := store.SupportsVideo(ctx, "qwen3_vl_fp8")
	require.NoError(t, err)
	assert.True(t, video)

	video, err = store.SupportsVideo(ctx, "minimax")
	require.NoError(t, err)
	assert.False(t, video)

	video, err = store.SupportsVideo(ctx, "never-registered")
	require.NoError(t, err)
	assert.False(t, video, "unknown models report no video capability")
}

func TestListReturnsAllConfigs(t *testing.T) {
	_, store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "a", tunnelConfig("A", 6000, 7000)))
	require.NoError(t, store.Put(ctx, "b", tunnelConfig("B", 6001, 7001)))

	configs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "A", configs["a"].Name)
	assert.Equal(t, "B", configs["b"].Name)
}

func TestLoadSeedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
models:
  minimax:
    name: MiniMax
    connection_mode: tunnel
    ssh_host: ops@gpu-gateway
    ssh_remote_host: worker-9
    ssh_local_port: 8007
    ssh_remote_port: 7104
    supports_video: false
  local_vllm:
    name: Local vLLM
    connection_mode: direct
    direct_host: 127.0.0.1
    direct_port: 8000
    supports_video: true
    top_p: 0.9
`), 0o644))

	models, err := registry.LoadSeedFile(path)
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, 8007, models["minimax"].SSHLocalPort)
	assert.Equal(t, registry.ModeDirect, models["local_vllm"].ConnectionMode)
	require.NotNil(t, models["local_vllm"].TopP)
	assert.InDelta(t, 0.9, *models["local_vllm"].TopP, 1e-9)
	assert.True(t, models["local_vllm"].SupportsVideo)
}

func TestLoadSeedFileRejectsInvalidModel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
models:
  broken:
    name: Broken
    connection_mode: tunnel
`), 0o644))

	_, err := registry.LoadSeedFile(path)
	assert.Error(t, err)
}

func TestWatcherAppliesFileChanges(t *testing.T) {
	_, store := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	write := func(port int) {
		content := `
models:
  local_vllm:
    name: Local vLLM
    connection_mode: direct
    direct_host: 127.0.0.1
    direct_port: ` + strconv.Itoa(port) + `
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	write(8000)

	w := registry.NewWatcher(store, path, zerolog.Nop())
	require.NoError(t, w.Start(ctx))
	t.Cleanup(w.Stop)

	got, err := store.Get(ctx, "local_vllm")
	require.NoError(t, err)
	assert.Equal(t, 8000, got.DirectPort, "initial apply on start")

	write(9000)
	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, "local_vllm")
		return err == nil && got.DirectPort == 9000
	}, 5*time.Second, 50*time.Millisecond, "watcher must re-apply the changed file")
}
