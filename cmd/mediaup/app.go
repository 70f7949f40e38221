package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mediaup/internal/config"
	"mediaup/internal/fileguard"
	"mediaup/internal/hash"
	"mediaup/internal/journal"
	"mediaup/internal/logging"
	"mediaup/internal/metrics"
	"mediaup/internal/observe"
	"mediaup/internal/orchestrator"
	"mediaup/internal/quota"
	"mediaup/internal/remote"
	"mediaup/internal/remote/gcs"
	"mediaup/internal/state"
)

type globalFlags struct {
	configPath string
	stateDir   string
	logLevel   string
}

// app holds what every command shares. Only commands that talk to the
// remote service build an orchestrator.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	store    *state.Store
	quota    *quota.Governor
	journal  *journal.Journal // nil when the journal could not be opened
	events   *observe.Recorder
	registry *prometheus.Registry
	closers  []func() error
}

// newRemote connects to the configured bucket. Tests replace it.
var newRemote = func(ctx context.Context, cfg config.GCSConfig, logger *zap.Logger) (remote.Service, func() error, error) {
	if cfg.Bucket == "" {
		return nil, nil, errors.New("gcs.bucket is not configured (config file or MEDIAUP_GCS_BUCKET)")
	}
	client, err := gcs.NewClient(ctx, gcs.Config{
		Bucket:          cfg.Bucket,
		Prefix:          cfg.Prefix,
		CredentialsFile: cfg.CredentialsFile,
		Endpoint:        cfg.Endpoint,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("gcs client: %w", err)
	}
	return gcs.New(client, cfg.Bucket, cfg.Prefix, logger), client.Close, nil
}

func loadApp(cmd *cobra.Command, g *globalFlags) (*app, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.stateDir != "" {
		cfg.State.Dir = g.stateDir
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &app{
		cfg:      cfg,
		logger:   logger,
		events:   observe.NewRecorder(100),
		registry: prometheus.NewRegistry(),
		closers:  []func() error{closeLog},
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.store, err = state.Open(cfg.State.Dir, logger.Named("state"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.quota = quota.New(a.store, quota.Config{
		Cooldown:   cfg.Quota.Cooldown,
		Buffer:     cfg.Quota.Buffer,
		DailyLimit: cfg.Quota.DailyLimit,
		PageSize:   cfg.Quota.PageSize,
		Costs: quota.Costs{
			List:   cfg.Quota.Costs.List,
			Update: cfg.Quota.Costs.Update,
			Upload: cfg.Quota.Costs.Upload,
			Insert: cfg.Quota.Costs.Insert,
		},
	}, logger.Named("quota"))

	if j, err := journal.Open(cfg.State.JournalPath()); err != nil {
		logger.Warn("transition journal unavailable", zap.String("path", cfg.State.JournalPath()), zap.Error(err))
	} else {
		a.journal = j
		a.closers = append(a.closers, j.Close)
	}

	logger.Debug("mediaup starting", zap.String("version", version), zap.String("command", cmd.CommandPath()), zap.String("state_dir", cfg.State.Dir))
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// connect opens the remote service for the lifetime of the app.
func (a *app) connect(ctx context.Context) (remote.Service, error) {
	svc, closeFn, err := newRemote(ctx, a.cfg.GCS, a.logger.Named("gcs"))
	if err != nil {
		return nil, err
	}
	if closeFn != nil {
		a.closers = append(a.closers, closeFn)
	}
	return svc, nil
}

// orchestrator builds the orchestrator on svc and resets uploads a previous
// run left interrupted.
func (a *app) orchestrator(ctx context.Context, svc remote.Service, collectionID string) (*orchestrator.Orchestrator, error) {
	o, err := a.newOrchestrator(svc, collectionID)
	if err != nil {
		return nil, err
	}
	if _, err := o.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recover interrupted uploads: %w", err)
	}
	return o, nil
}

// newOrchestrator builds an orchestrator without recovering. svc may be nil
// for commands that never reach the remote service. Metrics register on the
// app registry, so call it once per app.
func (a *app) newOrchestrator(svc remote.Service, collectionID string) (*orchestrator.Orchestrator, error) {
	cfg := a.cfg
	if collectionID == "" {
		collectionID = cfg.Upload.CollectionID
	}

	hasher := hash.New(cfg.Hash.BlockSize)
	guard := fileguard.New(hasher, fileguard.RetryPolicy{
		Attempts:     cfg.FileOps.MoveAttempts,
		InitialDelay: cfg.FileOps.InitialDelay,
		MaxDelay:     cfg.FileOps.MaxDelay,
	}, cfg.Hash.BlockSize, a.logger.Named("fileguard"))

	m, err := metrics.New(a.registry)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	opts := []orchestrator.Option{
		orchestrator.WithObserver(observe.Multi(observe.Zap(a.logger.Named("orchestrator")), a.events, m)),
	}
	if a.journal != nil {
		opts = append(opts, orchestrator.WithJournal(a.journal))
	}

	return orchestrator.New(orchestrator.Config{
		MaxFileSize:     cfg.Upload.MaxFileSize,
		Extensions:      cfg.Upload.Extensions,
		ProcessedDir:    cfg.Upload.ProcessedDir,
		CollectionID:    collectionID,
		Privacy:         cfg.Upload.Privacy,
		MaxAttempts:     cfg.Upload.MaxAttempts,
		RetryInitial:    cfg.Upload.RetryInitial,
		RetryMax:        cfg.Upload.RetryMax,
		PageSize:        cfg.Quota.PageSize,
		PersistAttempts: cfg.State.PersistAttempts,
		PersistDelay:    cfg.State.PersistDelay,
	}, a.store, a.quota, guard, hasher, svc, a.logger.Named("orchestrator"), opts...), nil
}
