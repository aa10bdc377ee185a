// SPDX-License-Identifier: MIT

// Command daemon runs the clipline service: the HTTP façade, the
// stream workers that execute pipeline runs, and the models file
// watcher, all supervised by a single lifecycle manager.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/clipline/clipline/internal/api"
	"github.com/clipline/clipline/internal/config"
	"github.com/clipline/clipline/internal/daemon"
	"github.com/clipline/clipline/internal/download"
	"github.com/clipline/clipline/internal/health"
	"github.com/clipline/clipline/internal/inference"
	"github.com/clipline/clipline/internal/jobs"
	"github.com/clipline/clipline/internal/kv"
	"github.com/clipline/clipline/internal/log"
	"github.com/clipline/clipline/internal/media/ffmpeg"
	"github.com/clipline/clipline/internal/moments"
	"github.com/clipline/clipline/internal/netutil"
	"github.com/clipline/clipline/internal/objstore"
	"github.com/clipline/clipline/internal/pipeline"
	"github.com/clipline/clipline/internal/registry"
	"github.com/clipline/clipline/internal/repo"
	"github.com/clipline/clipline/internal/staging"
	"github.com/clipline/clipline/internal/state"
	"github.com/clipline/clipline/internal/telemetry"
	"github.com/clipline/clipline/internal/tunnel"
	"github.com/clipline/clipline/internal/version"
	"github.com/clipline/clipline/internal/worker"
)

func main() {
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("clipline %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	// The config loader logs through the shared logger, so the logger
	// must be configured first. The level is read straight from the
	// environment for the same reason.
	log.Configure(log.Config{
		Level:   os.Getenv("CLIPLINE_LOG_LEVEL"),
		Service: "clipline",
		Version: version.Version,
	})
	logger := log.WithComponent("main")

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("event", "daemon.starting").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Str("addr", cfg.ListenAddr).
		Int("workers", cfg.Workers).
		Msg("starting clipline")

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.failed").Msg("daemon failed")
	}

	logger.Info().Str("event", "daemon.stopped").Msg("clipline stopped")
}

// run wires every component and blocks until the daemon shuts down.
func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    "clipline",
		ServiceVersion: version.Version,
		Environment:    cfg.Environment,
		ExporterType:   cfg.TracingExporter,
		Endpoint:       cfg.TracingEndpoint,
		SamplingRate:   cfg.TracingSampling,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	client, err := kv.NewClient(kv.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	ownerID := worker.DefaultConsumerName()
	status := state.NewStatus(client, state.StatusOptions{
		HistoryTTL:     cfg.HistoryTTL,
		HistoryMaxRuns: cfg.HistoryMaxRuns,
	}, logger)
	locks := state.NewLocks(client, ownerID, state.LockOptions{
		LockTTL:   cfg.LockTTL,
		CancelTTL: cfg.CancelTTL,
	}, logger)
	tracker := jobs.NewTracker(client, jobs.Options{
		LockTTL:   cfg.JobLockTTL,
		ResultTTL: cfg.JobResultTTL,
	}, logger)

	models := registry.NewStore(client, logger)
	seeded, err := models.SeedDefaults(ctx, registry.Defaults(cfg.SSHHost, cfg.SSHRemoteHost))
	if err != nil {
		return fmt.Errorf("seed models: %w", err)
	}
	logger.Info().Str("event", "models.seeded").Int("count", seeded).Msg("model registry ready")

	var watcher *registry.Watcher
	if cfg.ModelsFile != "" {
		watcher = registry.NewWatcher(models, cfg.ModelsFile, logger)
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("models watcher: %w", err)
		}
	}

	layout := staging.NewLayout(cfg.DataDir)
	if err := layout.Prepare(); err != nil {
		return fmt.Errorf("staging dirs: %w", err)
	}

	repos, err := repo.New(cfg.DBBackend, cfg.DatabaseDir())
	if err != nil {
		return fmt.Errorf("repositories: %w", err)
	}

	secret := cfg.SigningSecret
	if secret == "" {
		secret = randomSecret()
		logger.Warn().
			Str("event", "signer.ephemeral_secret").
			Msg("CLIPLINE_SIGNING_SECRET is unset; signed URLs will not survive a restart")
	}
	signer, err := objstore.NewSigner(cfg.PublicBaseURL, secret)
	if err != nil {
		return fmt.Errorf("url signer: %w", err)
	}
	objects, err := objstore.NewFS(cfg.ObjectStoreDir, signer, logger)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}

	tunnels := tunnel.NewManager(tunnel.Options{}, logger)
	connector := inference.NewConnector(models, tunnels, tunnel.AlwaysFresh, logger)
	chat := inference.NewChatClient(cfg.InferenceTimeout, logger)
	transcribe := inference.NewTranscribeClient(cfg.TranscriptionTimeout, logger)

	downloader := download.New(download.Options{
		MaxBytes: cfg.MaxDownloadBytes,
		Policy: netutil.Policy{
			Schemes:      []string{"https", "http"},
			AllowPrivate: cfg.AllowPrivateURLs,
			AllowHosts:   cfg.AllowedHosts,
		},
	}, logger)

	tools := ffmpeg.New(ffmpeg.Config{
		FFmpegPath:   cfg.FFmpegPath,
		FFprobePath:  cfg.FFprobePath,
		VideoEncoder: cfg.VideoEncoder,
		Preset:       cfg.EncoderPreset,
	}, logger)

	limits := pipeline.NewLimits(pipeline.Bounds{
		AudioExtraction:  cfg.AudioMaxConcurrent,
		Transcription:    cfg.TranscribeMaxConcurrent,
		MomentGeneration: cfg.GenerateMaxConcurrent,
		ClipExtraction:   cfg.ClipMaxConcurrent,
		Refinement:       cfg.RefineMaxConcurrent,
	})
	stages := pipeline.NewExecutors(pipeline.ExecutorConfig{
		GenerationStageTimeout:  cfg.GenerationStageTimeout,
		RefinementMomentTimeout: cfg.RefinementMomentTimeout,
		ClipTimeout:             cfg.ClipTimeout,
		ClipParallelWorkers:     cfg.ClipParallelWorkers,
		SignedURLTTL:            cfg.SignedURLTTL,
		Alignment:               moments.Alignment{Padding: cfg.ClipPadding, Margin: cfg.ClipMargin},
	}, pipeline.Deps{
		Repos:      repos,
		Objects:    objects,
		Status:     status,
		Jobs:       tracker,
		Layout:     layout,
		Tools:      tools,
		Downloader: downloader,
		Connector:  connector,
		Chat:       chat,
		Transcribe: transcribe,
		Models:     models,
		Limits:     limits,
	}, logger)
	orch := pipeline.NewOrchestrator(status, locks, models, stages, logger)

	healthMgr := health.NewManager(version.Version)
	healthMgr.RegisterChecker(health.NewPingChecker("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))
	healthMgr.RegisterChecker(health.NewDirChecker("staging", cfg.DataDir))
	healthMgr.RegisterChecker(health.NewDirChecker("objects", cfg.ObjectStoreDir))
	healthMgr.RegisterChecker(health.NewToolChecker("ffmpeg", cfg.FFmpegPath))
	healthMgr.RegisterChecker(health.NewToolChecker("ffprobe", cfg.FFprobePath))
	healthMgr.RegisterChecker(health.NewToolChecker("ssh", "ssh"))
	if err := healthMgr.Startup(ctx); err != nil {
		return fmt.Errorf("startup checks: %w", err)
	}

	srv := api.New(api.Deps{
		Client:  client,
		Status:  status,
		Locks:   locks,
		Models:  models,
		Objects: objects,
		Signer:  signer,
		Health:  healthMgr,
	}, api.Options{SubmitLimit: cfg.SubmitRateLimit}, logger)

	subsystems := make([]daemon.Subsystem, 0, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		w := worker.New(client, status, locks, orch, worker.Options{
			Consumer:     fmt.Sprintf("%s-%d", ownerID, i),
			BlockTimeout: cfg.ReadBlock,
			ClaimMinIdle: cfg.ClaimMinIdle,
			ErrorBackoff: cfg.ErrorBackoff,
		}, logger)
		subsystems = append(subsystems, daemon.Subsystem{
			Name: fmt.Sprintf("worker-%d", i),
			Run:  w.Run,
		})
	}

	mgr, err := daemon.NewManager(daemon.Options{
		ListenAddr:      cfg.ListenAddr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, daemon.Deps{
		Logger:     logger,
		APIHandler: srv.Routes(),
		Subsystems: subsystems,
	})
	if err != nil {
		return err
	}

	// Hooks run in reverse registration order, and the manager appends
	// one per subsystem during Start. Teardown therefore drains the
	// workers first, then stops the watcher, closes shared clients, and
	// flushes telemetry last.
	mgr.RegisterShutdownHook("telemetry_flush", tracing.Shutdown)
	mgr.RegisterShutdownHook("tunnels_close", func(context.Context) error {
		tunnels.Close()
		return nil
	})
	mgr.RegisterShutdownHook("repositories_close", func(context.Context) error {
		return repos.Close()
	})
	mgr.RegisterShutdownHook("redis_close", func(context.Context) error {
		return client.Close()
	})
	if watcher != nil {
		mgr.RegisterShutdownHook("models_watcher_stop", func(context.Context) error {
			watcher.Stop()
			return nil
		})
	}

	return mgr.Start(ctx)
}

// randomSecret builds a throwaway signing secret for deployments that
// did not configure one.
func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
