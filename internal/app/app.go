// Package app assembles the store, service, metrics and HTTP server from a
// resolved configuration. Both the standalone server and the Lambda entry
// point start from here.
package app

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"pastebin-lite/internal/config"
	"pastebin-lite/internal/httpserver"
	"pastebin-lite/internal/id"
	"pastebin-lite/internal/metrics"
	"pastebin-lite/internal/service"
	"pastebin-lite/internal/storage"
	"pastebin-lite/internal/storage/factory"
)

// App holds the wired components.
type App struct {
	Config  *config.Config
	Store   storage.Store
	Service *service.Service
	Metrics *metrics.Metrics
	Server  *httpserver.Server
	Logger  zerolog.Logger
}

// New opens the configured store and builds everything on top of it. The
// caller owns the returned App and must Close it.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	store, err := factory.Open(ctx, cfg, logger)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	a, err := build(cfg, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func build(cfg *config.Config, store storage.Store, logger zerolog.Logger) (*App, error) {
	svc, err := service.New(service.Config{
		Store:    store,
		IDs:      id.New(cfg.IDLength),
		Logger:   logger.With().Str("component", "service").Logger(),
		MaxBytes: cfg.MaxBytes,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build service")
	}
	m := metrics.New()
	srv, err := httpserver.New(httpserver.Config{
		Service:        svc,
		Metrics:        m,
		Logger:         logger,
		BaseURL:        cfg.BaseURL,
		TrustProxy:     cfg.BehindProxy,
		TestMode:       cfg.TestMode,
		RequestTimeout: cfg.RequestTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build http server")
	}
	if cfg.TestMode {
		logger.Warn().Str("header", httpserver.TestNowHeader).Msg("test mode on, request clock header is honored")
	}
	return &App{
		Config:  cfg,
		Store:   store,
		Service: svc,
		Metrics: m,
		Server:  srv,
		Logger:  logger,
	}, nil
}

// RunJanitor reclaims expired pastes until ctx is done.
func (a *App) RunJanitor(ctx context.Context) error {
	return httpserver.RunJanitor(ctx, httpserver.JanitorConfig{
		Store:    a.Store,
		Interval: a.Config.JanitorInterval,
		Grace:    a.Config.ReclaimGrace,
		Timeout:  a.Config.StoreTimeout,
		Logger:   a.Logger.With().Str("component", "janitor").Logger(),
		Metrics:  a.Metrics,
	})
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}
