package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/warp/stash-ledger/catalog"
	"github.com/warp/stash-ledger/config"
	"github.com/warp/stash-ledger/inventory"
	memstore "github.com/warp/stash-ledger/inventory/store"
	"github.com/warp/stash-ledger/metrics"
	"github.com/warp/stash-ledger/store/postgres"
	"github.com/warp/stash-ledger/store/sqlite"
)

// app is the wired dependency graph shared by the commands.
type app struct {
	cfg     config.Config
	log     *logrus.Logger
	units   inventory.MapUnitTable
	metrics *metrics.Collectors
	service *inventory.Service
	closers []func()
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := config.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	units, err := catalog.LoadTable(cfg.Units.File)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, units: units}
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	a.service = inventory.NewService(store, units, log)
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		a.service.Metrics = a.metrics
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) (inventory.TxStore, error) {
	log := a.log.WithField("driver", a.cfg.Store.Driver)
	switch a.cfg.Store.Driver {
	case config.DriverSQLite:
		s, err := sqlite.New(a.cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		log.WithField("path", a.cfg.Store.DSN).Info("store opened")
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.New(ctx, a.cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		log.Info("store opened")
		return s, nil
	case config.DriverMemory:
		log.Warn("using in-memory store, data is lost on exit")
		return memstore.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
