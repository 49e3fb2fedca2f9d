package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	leaseguard "go-leaseguard"
	"go-leaseguard/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// app holds what every subcommand needs: config, logger and the shared store.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	db      *sql.DB
	store   leaseguard.TransactionalStore
	metrics *leaseguard.Metrics
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	var cfg, err = config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}

	var flags = cmd.Flags()
	if flags.Changed("store") {
		cfg.Store.Kind = storeKind
	}
	if flags.Changed("driver") {
		cfg.Store.Driver = dbDriver
	}
	if flags.Changed("db") {
		cfg.Store.URL = dbURL
	}
	if flags.Changed("namespace") {
		cfg.Store.Namespace = namespace
	}
	if flags.Changed("node-id") {
		cfg.NodeID = nodeID
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func openApp(cmd *cobra.Command) (*app, error) {
	var cfg, err = loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	// Logs go to stderr so command output stays clean.
	var a = &app{
		cfg:     cfg,
		logger:  config.NewLogger(cfg.Log, os.Stderr),
		metrics: leaseguard.NewMetrics(prometheus.DefaultRegisterer),
	}

	switch cfg.Store.Kind {
	case "postgres":
		if err := a.openPostgres(cmd.Context()); err != nil {
			return nil, err
		}
	default:
		a.store = leaseguard.NewMemoryStore(a.options()...)
	}

	return a, nil
}

func (a *app) openPostgres(ctx context.Context) error {
	db, err := sql.Open(a.cfg.Store.Driver, a.cfg.Store.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	var pingCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	store, err := leaseguard.NewPostgresStore(db, a.cfg.Store.Namespace, a.options()...)
	if err != nil {
		_ = db.Close()
		return err
	}

	a.db = db
	a.store = store
	a.logger.Debug("connected to database", "driver", a.cfg.Store.Driver, "namespace", a.cfg.Store.Namespace)
	return nil
}

// options are shared by the store and every coordination component.
func (a *app) options() []leaseguard.Option {
	var opts = []leaseguard.Option{
		leaseguard.WithLogger(a.logger),
		leaseguard.WithMetrics(a.metrics),
		leaseguard.WithRenewBuffer(a.cfg.Lease.RenewBuffer),
		leaseguard.WithClaimTimeout(a.cfg.Lease.ClaimTimeout),
		leaseguard.WithRenewTimeout(a.cfg.Lease.RenewTimeout),
		leaseguard.WithTaskClaimTimeout(a.cfg.Tasks.ClaimTimeout),
	}
	if a.cfg.NodeID != "" {
		opts = append(opts, leaseguard.WithHolderID(a.cfg.NodeID))
	}
	return opts
}

func (a *app) lease() (*leaseguard.LeaseCoordinator, error) {
	return leaseguard.NewLeaseCoordinator(a.store, a.cfg.Lease.Name, a.options()...)
}

func (a *app) claims() *leaseguard.TaskClaimGuard {
	return leaseguard.NewTaskClaimGuard(a.store, a.options()...)
}

func (a *app) close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close database", "error", err)
		}
	}
}
