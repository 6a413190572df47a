package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/ambari-agent/internal/agent"
	"github.com/aristath/ambari-agent/internal/config"
	"github.com/aristath/ambari-agent/internal/events"
	"github.com/aristath/ambari-agent/internal/executor"
	"github.com/aristath/ambari-agent/internal/intake"
	"github.com/aristath/ambari-agent/internal/persistence"
	"github.com/aristath/ambari-agent/internal/scheduler"
)

const pruneInterval = time.Hour

// daemon owns the long-running parts of the agent.
type daemon struct {
	cfg      *config.AgentConfig
	logger   *logrus.Logger
	bus      *events.EventBus
	sched    *scheduler.ActionScheduler
	queue    *agent.ActionQueue
	procMgr  *executor.ProcessManager
	store    *persistence.SQLiteStore // nil when disabled
	registry *prometheus.Registry
	watcher  *intake.Watcher        // nil without an inbox
	recovery *agent.RecoveryManager // Disabled unless recovery.type asks for it
}

// loadDependencies reads the role command order. A missing or broken file
// leaves grouping unconstrained by dependencies.
func loadDependencies(path string, logger logrus.FieldLogger) *scheduler.DependencyTable {
	if path == "" {
		return scheduler.NewDependencyTable(nil)
	}
	table, err := scheduler.LoadFile(path)
	if err != nil {
		logger.WithError(err).Warn("role command order unavailable; grouping without dependencies")
		return scheduler.NewDependencyTable(nil)
	}
	if err := table.Validate(); err != nil {
		logger.WithError(err).Warn("role command order has a cycle")
	}
	logger.WithFields(logrus.Fields{"path": path, "entries": table.Len()}).Info("loaded role command order")
	return table
}

func roleOverrides(cfg *config.AgentConfig) map[string]executor.RoleOverride {
	overrides := make(map[string]executor.RoleOverride, len(cfg.Roles))
	for role, rc := range cfg.Roles {
		overrides[role] = executor.RoleOverride{
			Timeout: cfg.RoleTimeout(role).Std(),
			Script:  rc.Script,
		}
	}
	return overrides
}

func retryConfig(c config.RetryConfig) agent.RetryConfig {
	return agent.RetryConfig{
		Enabled:         c.Enabled,
		InitialInterval: c.InitialInterval.Std(),
		MaxInterval:     c.MaxInterval.Std(),
		MaxDuration:     c.MaxDuration.Std(),
		Multiplier:      c.Multiplier,
	}
}

func recoveryConfig(c config.RecoveryConfig) agent.RecoveryConfig {
	mode := agent.RecoveryMode(c.Type)
	if mode == "" {
		mode = agent.RecoveryDisabled
	}
	return agent.RecoveryConfig{
		Mode:             mode,
		MaxCount:         c.MaxCount,
		Window:           c.Window.Std(),
		RetryGap:         c.RetryGap.Std(),
		MaxLifetimeCount: c.MaxLifetimeCount,
		Components:       c.Components,
	}
}

func newDaemon(ctx context.Context, cfg *config.AgentConfig, logger *logrus.Logger) (*daemon, error) {
	d := &daemon{
		cfg:      cfg,
		logger:   logger,
		bus:      events.NewEventBus(),
		procMgr:  executor.NewProcessManager(),
		registry: prometheus.NewRegistry(),
	}

	table := loadDependencies(cfg.Agent.DependencyFile, logger)
	policy := scheduler.NewGroupingPolicy(table, cfg.Agent.EnableDependencyParallelism)
	d.sched = scheduler.NewActionScheduler(policy, logger)

	exec, err := executor.New(executor.Config{
		Type:      cfg.Agent.Executor,
		Shell:     cfg.Agent.Shell,
		ScriptDir: cfg.Agent.ScriptDir,
		Timeout:   cfg.Agent.CommandTimeout.Std(),
	}, d.procMgr)
	if err != nil {
		return nil, err
	}
	exec = executor.WithRoleOverrides(exec, roleOverrides(cfg))

	opts := agent.Options{
		ParallelExecution: cfg.Agent.ParallelExecution,
		MaxParallel:       cfg.Agent.MaxParallel,
		Retry:             retryConfig(cfg.Retry),
		Breaker: agent.BreakerConfig{
			MaxFailures: cfg.Breaker.MaxFailures,
			OpenTimeout: cfg.Breaker.OpenTimeout.Std(),
		},
		Bus:      d.bus,
		Registry: d.registry,
		Logger:   logger,
	}
	if cfg.Store.Enabled {
		store, err := persistence.NewSQLiteStore(ctx, cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open report store: %w", err)
		}
		d.store = store
		opts.Store = store
	}

	var recoveryStore agent.RecoveryStore
	if d.store != nil {
		recoveryStore = d.store
	}
	d.recovery = agent.NewRecoveryManager(recoveryConfig(cfg.Recovery), recoveryStore, logger)
	if err := d.recovery.Load(ctx); err != nil {
		logger.WithError(err).Warn("recovery counters unavailable; starting from zero")
	}
	opts.Recovery = d.recovery
	d.queue = agent.NewActionQueue(d.sched, exec, opts)

	if cfg.Agent.InboxDir != "" {
		dedupe, err := intake.NewDeduper(cfg.Agent.DedupeWindow)
		if err != nil {
			d.close()
			return nil, err
		}
		d.watcher = intake.NewWatcher(cfg.Agent.InboxDir, d.queue, intake.WatcherOptions{
			Deduper: dedupe,
			Logger:  logger,
		})
	}
	return d, nil
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. Running commands are killed on the way out.
func (d *daemon) Run(ctx context.Context) error {
	defer d.close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.queue.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		d.sched.Close()
		return nil
	})
	if d.watcher != nil {
		g.Go(func() error { return d.watcher.Run(ctx) })
	}
	if d.store != nil && d.cfg.Store.Retention > 0 {
		g.Go(func() error { return d.prune(ctx) })
	}
	if d.recovery.Enabled() {
		interval := d.cfg.Recovery.Interval.Std()
		if interval <= 0 {
			interval = 30 * time.Second
		}
		g.Go(func() error { return d.recovery.Run(ctx, d.queue, interval) })
	}
	if d.cfg.Metrics.Addr != "" {
		g.Go(func() error { return d.serveMetrics(ctx) })
	}

	d.logger.WithFields(logrus.Fields{
		"parallel":     d.cfg.Agent.ParallelExecution,
		"dependencies": d.cfg.Agent.EnableDependencyParallelism,
		"inbox":        d.cfg.Agent.InboxDir,
		"executor":     d.cfg.Agent.Executor,
		"recovery":     d.recovery.Enabled(),
	}).Info("agent started")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err := d.procMgr.KillAll(); err != nil {
		d.logger.WithError(err).Warn("killing running commands")
	}
	d.logger.Info("agent stopped")
	return err
}

func (d *daemon) prune(ctx context.Context) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		n, err := d.store.PruneReports(ctx, time.Now().Add(-d.cfg.Store.Retention.Std()))
		switch {
		case err != nil && ctx.Err() == nil:
			d.logger.WithError(err).Warn("pruning report history")
		case n > 0:
			d.logger.WithField("reports", n).Info("pruned report history")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *daemon) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: d.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	d.logger.WithField("addr", d.cfg.Metrics.Addr).Info("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func (d *daemon) close() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.WithError(err).Warn("closing report store")
		}
		d.store = nil
	}
	d.bus.Close()
}
