package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/freewahq/freewa/internal/config"
	"github.com/freewahq/freewa/internal/creds"
	"github.com/freewahq/freewa/internal/device"
	"github.com/freewahq/freewa/internal/events"
	"github.com/freewahq/freewa/internal/httpapi"
	"github.com/freewahq/freewa/internal/queue"
	"github.com/freewahq/freewa/internal/session"
	"github.com/freewahq/freewa/internal/transport/wmeow"
	"github.com/freewahq/freewa/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := device.OpenRegistry(cfg.RegistryPath())
	if err != nil {
		return err
	}

	var backend queue.Backend
	if cfg.Queue.RedisURL != "" {
		backend, err = queue.NewRedisBackend(ctx, cfg.Queue.RedisURL)
		if err != nil {
			return err
		}
	} else {
		slog.Warn("no redis configured, queued jobs will not survive restarts")
		backend = queue.NewMemoryBackend()
	}
	defer backend.Close()

	hub := events.NewHub()
	dispatcher := webhook.NewDispatcher(cfg.Webhook.DefaultURL, cfg.Webhook.Timeout)
	credStore := creds.NewStore(cfg.SessionsDir())

	manager := session.NewManager(registry, credStore, wmeow.NewDialer(), hub, dispatcher, session.Config{
		CountryCode:   cfg.Session.CountryCode,
		DomainSuffix:  cfg.Session.DomainSuffix,
		DialTimeout:   cfg.Session.DialTimeout,
		ReconnectBase: cfg.Session.ReconnectBase,
		ReconnectMax:  cfg.Session.ReconnectMax,
	})
	defer manager.Close()

	pool := queue.NewPool(backend, manager, queue.WorkerConfig{
		Workers:     cfg.Queue.Workers,
		MaxAttempts: cfg.Queue.MaxAttempts,
	})
	pool.Start(ctx)
	defer pool.Stop()

	if watcher, err := config.NewWatcher(configPath); err == nil {
		watcher.OnChange(func(next *config.Config) {
			dispatcher.SetDefaultURL(next.Webhook.DefaultURL)
			manager.SetNormalization(next.Session.CountryCode, next.Session.DomainSuffix)
		})
		if err := watcher.Start(); err == nil {
			defer watcher.Stop()
		}
	}

	api := httpapi.NewServer(registry, manager, hub, backend, cfg.Server.APIKey)
	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("gateway listening", "addr", cfg.Server.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
