// Package app assembles the loyalty engine from configuration: the data
// backend, the award key file, metrics and the services built on them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"storefront-server/config"
	"storefront-server/database"
	"storefront-server/services"
	"storefront-server/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type App struct {
	Config     *config.Config
	Log        *zap.Logger
	Store      store.CRUD
	Registry   *prometheus.Registry
	Points     *services.PointsService
	Orders     *services.OrderService
	Reconciler *services.Reconciler

	closers []func() error
}

// New connects the configured backend and builds the services. Close releases
// everything New opened.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, Log: log, Registry: prometheus.NewRegistry()}

	crud, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = crud

	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := services.NewPointsMetrics(a.Registry)
	if err != nil {
		a.Close()
		return nil, err
	}

	var keys services.AwardKeys
	if cfg.AwardKeysPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.AwardKeysPath), 0o755); err != nil {
			a.Close()
			return nil, fmt.Errorf("create award keys dir: %w", err)
		}
		bolt, err := store.OpenBoltAwardKeys(cfg.AwardKeysPath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open award keys %s: %w", cfg.AwardKeysPath, err)
		}
		a.closers = append(a.closers, bolt.Close)
		keys = bolt
	}

	notifier := services.NewPushLevelNotifier(crud, services.NewNotificationService(cfg.ExpoPushURL))
	a.Points = services.NewPointsService(crud,
		services.WithLogger(log.Named("points")),
		services.WithMetrics(metrics),
		services.WithLevelNotifier(notifier),
		services.WithHistoryLimit(cfg.HistoryLimit),
	)
	a.Orders = services.NewOrderService(crud, a.Points, keys, log.Named("orders"), metrics)
	a.Reconciler = services.NewReconciler(crud, a.Points, log.Named("reconciler"), cfg.ReconcileInterval, cfg.ReconcileConcurrency)

	log.Info("loyalty engine ready",
		zap.String("backend", cfg.DataBackend),
		zap.Bool("award_keys", keys != nil))
	return a, nil
}

func (a *App) openStore(ctx context.Context) (store.CRUD, error) {
	switch a.Config.DataBackend {
	case config.BackendPostgres:
		db, err := database.Connect(ctx, a.Config.DatabaseURL, a.Log.Named("database"))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		if err := db.InitializeTables(ctx); err != nil {
			return nil, err
		}
		return store.NewPostgresStore(db.DB), nil
	case config.BackendPostgREST:
		return store.NewPostgRESTStore(a.Config.PostgRESTURL, a.Config.PostgRESTKey), nil
	case config.BackendMemory:
		a.Log.Warn("using in-memory backend, data is lost on exit")
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown data backend %q", a.Config.DataBackend)
	}
}

// MetricsHandler serves the app's registry in the Prometheus text format.
func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry})
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
