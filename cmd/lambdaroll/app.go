package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/artpar/lambdaroll/internal/core/domain"
	"github.com/artpar/lambdaroll/internal/core/fleet"
	"github.com/artpar/lambdaroll/internal/shell/archive"
	"github.com/artpar/lambdaroll/internal/shell/artifacts"
	"github.com/artpar/lambdaroll/internal/shell/cloud"
	"github.com/artpar/lambdaroll/internal/shell/events"
	"github.com/artpar/lambdaroll/internal/shell/gate"
	"github.com/artpar/lambdaroll/internal/shell/rollout"
	"github.com/artpar/lambdaroll/internal/shell/sequencer"
	"github.com/artpar/lambdaroll/internal/shell/source"
	"github.com/artpar/lambdaroll/internal/shell/store"
	"github.com/artpar/lambdaroll/internal/shell/workers"
)

// =============================================================================
// App
// =============================================================================

// App holds the components every command shares.
type App struct {
	config    *Config
	store     store.Store
	fleet     cloud.Fleet
	gates     *gate.Service
	sequencer *sequencer.Sequencer
	watcher   *workers.GateWatcher
	logger    *slog.Logger
}

// NewApp opens the store and builds the pipeline components. pub receives
// run, stage and gate events; nil drops them.
func NewApp(ctx context.Context, cfg *Config, pub events.Publisher, logger *slog.Logger) (*App, error) {
	if pub == nil {
		pub = events.Discard
	}

	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &CommandError{Op: "open database", Err: err, ExitCode: ExitDatabaseError}
	}

	f, err := newFleet(ctx, cfg, s, logger)
	if err != nil {
		s.Close()
		return nil, &CommandError{Op: "create fleet", Err: err, ExitCode: ExitCloudError}
	}

	var sink rollout.ArtifactSink
	if cfg.Artifacts.Enabled {
		ms, err := artifacts.NewMinioSink(artifacts.Config{
			Endpoint:  cfg.Artifacts.Endpoint,
			AccessKey: cfg.Artifacts.AccessKey,
			SecretKey: cfg.Artifacts.SecretKey,
			Bucket:    cfg.Artifacts.Bucket,
			Region:    cfg.Artifacts.Region,
			UseSSL:    cfg.Artifacts.UseSSL,
			Prefix:    cfg.Artifacts.Prefix,
		}, logger)
		if err != nil {
			s.Close()
			return nil, &CommandError{Op: "create artifact sink", Err: err, ExitCode: ExitConfigError}
		}
		if err := ms.EnsureBucket(ctx); err != nil {
			// Archiving is best effort; runs still deploy without it.
			logger.Warn("artifact bucket unavailable", "bucket", cfg.Artifacts.Bucket, "error", err)
		}
		sink = ms
		logger.Info("artifact archiving enabled", "endpoint", cfg.Artifacts.Endpoint, "bucket", cfg.Artifacts.Bucket)
	}

	unitBuilder, err := archive.NewBuilder(archive.Options{Ignore: fleet.DefaultIgnore, MaxBytes: cfg.Pipeline.MaxUnitBytes})
	if err != nil {
		s.Close()
		return nil, &CommandError{Op: "create archive builder", Err: err, ExitCode: ExitConfigError}
	}
	layerBuilder, err := archive.NewBuilder(archive.Options{Ignore: fleet.DefaultIgnore})
	if err != nil {
		s.Close()
		return nil, &CommandError{Op: "create archive builder", Err: err, ExitCode: ExitConfigError}
	}

	gates := gate.NewService(s, newNotifier(cfg, pub, logger), gate.Config{PollInterval: cfg.Pipeline.GatePollInterval}, logger)

	seq := sequencer.New(sequencer.Deps{
		Store:  s,
		Source: source.NewCapturer(source.Config{ManifestFile: cfg.Pipeline.ManifestFile, WorkDir: cfg.Pipeline.WorkDir}, logger),
		Updater: rollout.NewUnitUpdater(f, unitBuilder, sink, rollout.UpdaterConfig{
			MaxConcurrent: cfg.Pipeline.MaxConcurrent,
			UnitTimeout:   cfg.Pipeline.UnitTimeout,
		}, logger),
		Publisher: rollout.NewLayerPublisher(f, layerBuilder, sink, s, cfg.Pipeline.MaxLayerBytes, logger),
		Binder:    rollout.NewLayerBinder(f, cfg.Pipeline.MaxConcurrent, logger),
		Gates:     gates,
		Events:    pub,
	}, sequencer.Config{Fleet: cfg.Pipeline.Fleet}, logger)

	watcher := workers.NewGateWatcher(s, gates, workers.GateWatcherConfig{
		Interval:    cfg.Pipeline.WatchInterval,
		RemindAfter: cfg.Pipeline.GateRemindAfter,
		Timeout:     cfg.Pipeline.GateTimeout,
	}, logger)

	return &App{
		config:    cfg,
		store:     s,
		fleet:     f,
		gates:     gates,
		sequencer: seq,
		watcher:   watcher,
		logger:    logger,
	}, nil
}

// Close stops the sequencer and closes the store.
func (a *App) Close() {
	a.sequencer.Stop()
	if err := a.store.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}
}

// newNotifier fans gate notifications out to the event hub and, when
// configured, the webhook.
func newNotifier(cfg *Config, pub events.Publisher, logger *slog.Logger) gate.Notifier {
	notifier := gate.MultiNotifier{gate.HubNotifier{Publisher: pub}}
	if cfg.Notify.WebhookURL != "" {
		notifier = append(notifier, gate.NewWebhookNotifier(gate.WebhookConfig{
			URL:     cfg.Notify.WebhookURL,
			Token:   cfg.Notify.WebhookToken,
			Timeout: cfg.Notify.WebhookTimeout,
		}))
		logger.Debug("gate webhook enabled", "url", cfg.Notify.WebhookURL)
	}
	return notifier
}

// newFleet creates the target fleet. The memory fleet is seeded with the
// units found in the configured source dir and continues the layer versions
// recorded in the store, so repeated dry runs against one database publish
// increasing versions.
func newFleet(ctx context.Context, cfg *Config, s store.Store, logger *slog.Logger) (cloud.Fleet, error) {
	fc := cloud.Config{
		Kind: cfg.Cloud.Kind,
		Lambda: cloud.LambdaConfig{
			Region:          cfg.Cloud.Region,
			AccessKeyID:     cfg.Cloud.AccessKeyID,
			SecretAccessKey: cfg.Cloud.SecretAccessKey,
			Endpoint:        cfg.Cloud.Endpoint,
			SettleTimeout:   cfg.Cloud.SettleTimeout,
		},
	}
	if cfg.Cloud.Kind == "memory" {
		units, err := seedUnits(cfg, logger)
		if err != nil {
			return nil, err
		}
		fc.Units = units
		fc.Restore = func(ctx context.Context, layerName string) ([]domain.LayerVersion, error) {
			return s.ListLayerVersions(ctx, layerName, store.ListOptions{Limit: 1000})
		}
		logger.Info("dry run against in-memory fleet", "units", len(units))
	}
	return cloud.NewFleet(fc, logger)
}

func seedUnits(cfg *Config, logger *slog.Logger) ([]string, error) {
	if cfg.Pipeline.SourceDir == "" {
		return nil, nil
	}
	snap, err := source.NewCapturer(source.Config{ManifestFile: cfg.Pipeline.ManifestFile}, logger).
		Inspect(cfg.Pipeline.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("seed memory fleet: %w", err)
	}
	names := make([]string, 0, len(snap.Units))
	for _, u := range snap.Units {
		names = append(names, u.Name)
	}
	return names, nil
}
