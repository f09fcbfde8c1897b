package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ent0n29/loopd/internal/config"
	"github.com/ent0n29/loopd/internal/credstore"
	"github.com/ent0n29/loopd/internal/httpapi"
	"github.com/ent0n29/loopd/internal/messenger"
	"github.com/ent0n29/loopd/internal/notify"
	"github.com/ent0n29/loopd/internal/observability"
	"github.com/ent0n29/loopd/internal/scheduler"
	"github.com/ent0n29/loopd/internal/snapshot"
	"github.com/ent0n29/loopd/internal/taskruntime"
	"github.com/ent0n29/loopd/internal/tasks"
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Scheduler   *scheduler.Loop
	TaskService *taskruntime.Service
	Metrics     *observability.Metrics
	Store       snapshot.Store

	// Cleanup releases the snapshot backend. Call it after the final save.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	client, err := messenger.NewClient(messenger.Config{
		Mode:    cfg.MessengerMode,
		HTTPURL: cfg.MessengerHTTPURL,
		RPS:     float64(cfg.MessengerHTTPRPS),
	})
	if err != nil {
		return nil, fmt.Errorf("messenger client init failed: %w", err)
	}

	store, err := snapshot.NewStore(ctx, cfg.DatabaseURL, cfg.SnapshotPath)
	if err != nil {
		return nil, fmt.Errorf("snapshot store init failed: %w", err)
	}

	loop := scheduler.NewLoop(log.With().Str("component", "scheduler").Logger())

	policy := tasks.DefaultPolicy()
	policy.MaxRestarts = cfg.TaskMaxRestarts
	policy.StallTimeout = cfg.TaskStallTimeout

	rtCfg := taskruntime.DefaultConfig()
	rtCfg.Policy = policy
	rtCfg.SaveInterval = cfg.TaskSaveInterval
	rtCfg.HealthInterval = cfg.TaskHealthInterval

	svc := taskruntime.New(rtCfg, taskruntime.Deps{
		Scheduler:   loop,
		Client:      client,
		Credentials: credstore.NewFileStore(cfg.CredentialsDir),
		Store:       store,
		Bus:         notify.NewBus(),
		Metrics:     metrics,
		Log:         log,
	})

	api := httpapi.New(cfg, svc, metrics, log)

	log.Info().
		Str("messenger", cfg.MessengerMode).
		Str("store", store.Mode()).
		Int("max_restarts", policy.MaxRestarts).
		Msg("components built")

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Scheduler:   loop,
		TaskService: svc,
		Metrics:     metrics,
		Store:       store,
		Cleanup:     store.Close,
	}, nil
}
