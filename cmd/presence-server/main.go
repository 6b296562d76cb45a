// presence-server SIP presence сервер: SUBSCRIBE/NOTIFY, PUBLISH, REGISTER.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arzzra/presence/pkg/config"
	"github.com/arzzra/presence/pkg/metrics"
	"github.com/arzzra/presence/pkg/presence"
	"github.com/arzzra/presence/pkg/sipdialog"
	"github.com/arzzra/presence/pkg/userdir"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Путь к TOML конфигурации")
	logLevel := flag.String("log-level", "", "Уровень логирования: debug, info, warn, error")
	flag.Parse()

	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(config.LoaderOptions{
		ConfigPath: *configPath,
		LogLevel:   *logLevel,
		Logger:     bootstrap,
	})
	if err != nil {
		bootstrap.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		bootstrap.Error("failed to create logger", slog.Any("error", err))
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func newLogger(cfg config.Log) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	dir, err := userdir.New(cfg.Users.Driver, cfg.Users.DriverConfig())
	if err != nil {
		return errors.Wrap(err, "users")
	}
	defer dir.Close()

	var m *metrics.Collector
	if cfg.Metrics.Enabled {
		m = metrics.New(metrics.Config{Namespace: cfg.Metrics.Namespace})
	}

	ua, err := sipdialog.New(cfg.SIPConfig(), logger)
	if err != nil {
		return errors.Wrap(err, "sip")
	}
	defer ua.Close()

	svc, err := presence.New(presence.Options{
		UA:            ua,
		Lookup:        userdir.LookupFunc(dir),
		Proxy:         cfg.Presence.Proxy,
		Realm:         cfg.Presence.Realm,
		AuthTimeout:   cfg.Presence.AuthTimeout,
		NotifyTimeout: cfg.Presence.NotifyTimeout,
		FanoutLimit:   cfg.Presence.FanoutLimit,
		PublishEcho:   cfg.Presence.PublishEcho,
		Watch:         cfg.Presence.Watch,
		Registrar: presence.RegistrarOptions{
			Enabled:        cfg.Registrar.Enabled,
			DefaultExpires: cfg.Registrar.DefaultExpires,
			MaxExpires:     cfg.Registrar.MaxExpires,
		},
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("sip listening", "listeners", len(cfg.SIP.Listeners))
		return ua.ListenAndServe(gctx)
	})

	if m != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			logger.Info("metrics listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	<-gctx.Done()
	logger.Info("shutdown signal received")

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
