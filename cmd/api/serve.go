package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bryanwahyu/automaton-compliance/internal/infra/httpserver"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, scan runtime and reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg, log, logCloser, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	log.Infof("starting compliance api, version=%s commit=%s", Version, GitCommit)

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	handler := httpserver.NewRouter(log.WithField("component", "http"), httpserver.Config{
		APIKeys:        cfg.Auth.APIKeys,
		AdminKey:       cfg.Auth.AdminKey,
		CORSOrigins:    cfg.Server.CORSOrigins,
		PollInterval:   cfg.Stream.PollInterval,
		RateLimitRPS:   cfg.RateLimit.RPS,
		RateLimitBurst: cfg.RateLimit.Burst,
	}, httpserver.Deps{
		Service: a.svc,
		Runtime: a.rt,
		Reaper:  a.reaper,
		Metrics: a.metrics,
		Health:  a.healthCheckers(),
	})

	errg, ctx := errgroup.WithContext(ctx)
	errg.Go(func() error {
		return runHTTPServer(ctx, log, handler, cfg.Server.Port, cfg.Server.ReadTimeout, cfg.Server.IdleTimeout)
	})
	errg.Go(func() error {
		a.events.Start(ctx)
		return nil
	})
	errg.Go(func() error {
		reloadCatalogOnHUP(ctx, log, a)
		return nil
	})
	if cfg.Reaper.Enabled {
		errg.Go(func() error {
			return a.reaper.Run(ctx)
		})
	}
	if a.redisDisp != nil && cfg.Dispatcher.Consume {
		errg.Go(func() error {
			log.Infof("consuming scan jobs from redis queue %s", cfg.Dispatcher.Queue)
			return a.redisDisp.Consume(ctx)
		})
	}

	err = errg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if serr := a.rt.Shutdown(shutdownCtx); serr != nil {
		log.Warnf("scan tasks still running at shutdown: %v", a.rt.Live())
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// reloadCatalogOnHUP re-reads the target catalog on SIGHUP. A broken file keeps the old one.
func reloadCatalogOnHUP(ctx context.Context, log logrus.FieldLogger, a *app) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := a.catalog.Reload(); err != nil {
				log.Errorf("catalog reload failed, keeping previous: %v", err)
				continue
			}
			log.Infof("catalog reloaded from %s", a.cfg.CatalogPath)
		}
	}
}

func runHTTPServer(ctx context.Context, log logrus.FieldLogger, handler http.Handler, port int, readTimeout, idleTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       readTimeout,
		// streams stay open for the whole scan, no WriteTimeout
		IdleTimeout: idleTimeout,
	}

	go func() {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	log.Infof("server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}
