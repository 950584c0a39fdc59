package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chat4all/chat4all/internal/archive"
	"github.com/chat4all/chat4all/internal/broker"
	"github.com/chat4all/chat4all/internal/channel"
	"github.com/chat4all/chat4all/internal/config"
	"github.com/chat4all/chat4all/internal/dedup"
	"github.com/chat4all/chat4all/internal/fanout"
	"github.com/chat4all/chat4all/internal/reconcile"
	"github.com/chat4all/chat4all/internal/server"
	"github.com/chat4all/chat4all/internal/store/postgres"
	"github.com/chat4all/chat4all/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat4all delivery server",
	// Override PersistentPreRunE so we don't create an HTTP client.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		slog.SetDefault(logger)

		// Load configuration.
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		// Connect to Postgres.
		store, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}

		// Connect to NATS JetStream for the message pipeline.
		ctx := context.Background()
		bus, err := broker.NewJetStreamBus(ctx, cfg.NATSURL, cfg.Partitions)
		if err != nil {
			store.Close()
			return err
		}
		statusPub, err := broker.NewNATSStatusPublisher(cfg.NATSURL)
		if err != nil {
			bus.Close()
			store.Close()
			return err
		}
		statusSub, err := broker.NewNATSStatusSubscriber(cfg.NATSURL)
		if err != nil {
			statusPub.Close()
			bus.Close()
			store.Close()
			return err
		}
		logger.Info("broker connected", "nats_url", cfg.NATSURL, "partitions", cfg.Partitions)

		// Load channel routing.
		router, err := channel.LoadRouter(cfg.RoutingFile)
		if err != nil {
			statusSub.Close()
			statusPub.Close()
			bus.Close()
			store.Close()
			return err
		}
		logger.Info("channel routing loaded", "channels", router.Channels())

		// Start the delivery worker pool.
		index := dedup.New(cfg.DedupTTL)
		index.StartSweeper(dedup.DefaultSweepInterval)
		deliverWorker := worker.New(store, router, bus, statusPub, index, worker.Options{
			Partitions:     cfg.Partitions,
			MaxAttempts:    cfg.MaxAttempts,
			RetryBackoff:   cfg.RetryBackoff,
			AdapterTimeout: cfg.AdapterTimeout,
			StoreTimeout:   cfg.StoreTimeout,
		})
		workerCtx, workerCancel := context.WithCancel(ctx)
		defer workerCancel()
		if err := deliverWorker.Start(workerCtx); err != nil {
			index.Stop()
			statusSub.Close()
			statusPub.Close()
			bus.Close()
			store.Close()
			return err
		}
		logger.Info("delivery worker started", "max_attempts", cfg.MaxAttempts)

		// Start the status fan-out hub.
		hub := fanout.NewHub()
		hubStop, err := hub.Run(statusSub)
		if err != nil {
			deliverWorker.Stop()
			index.Stop()
			statusSub.Close()
			statusPub.Close()
			bus.Close()
			store.Close()
			return err
		}

		// Start HTTP server.
		ingress := server.New(store, bus, statusPub, router, server.Options{
			StoreTimeout:   cfg.StoreTimeout,
			PublishTimeout: cfg.PublishTimeout,
			RateLimit:      float64(cfg.RateLimit),
			RateBurst:      cfg.RateBurst,
		})
		httpServer := &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: ingress.NewHTTPHandler(cfg.AuthToken, hub.ServeWS),
		}

		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server error", "err", err)
			}
		}()

		// Start the reconciliation sweep for orphaned records.
		var sweeper *reconcile.Sweeper
		if cfg.ReconcileSchedule != "" {
			sweeper = reconcile.New(store, bus, cfg.OrphanAge)
			if err := sweeper.Start(ctx, cfg.ReconcileSchedule); err != nil {
				logger.Error("failed to start reconcile sweep", "err", err)
				sweeper = nil
			} else {
				logger.Info("reconcile sweep started", "schedule", cfg.ReconcileSchedule, "orphan_age", cfg.OrphanAge)
			}
		}

		// Start the archive scheduler if a destination is configured.
		var archiver *archive.Scheduler
		if cfg.ArchiveInterval > 0 && cfg.ArchiveS3Bucket != "" {
			s3Dest, err := archive.NewS3Destination(
				ctx,
				cfg.ArchiveS3Bucket,
				cfg.ArchiveS3Key,
				cfg.ArchiveS3Region,
				cfg.ArchiveS3Endpoint,
			)
			if err != nil {
				logger.Error("failed to create S3 archive destination", "err", err)
			} else {
				archiver = archive.NewScheduler(store, []archive.Destination{s3Dest}, cfg.ArchiveInterval, logger)
				archiver.Start()
				logger.Info("archive scheduler started", "bucket", cfg.ArchiveS3Bucket, "interval", cfg.ArchiveInterval)
			}
		}

		logger.Info("chat4all server started", "http_addr", cfg.HTTPAddr)

		// Wait for SIGINT or SIGTERM.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		// Graceful shutdown. Stop intake first, then drain the pipeline.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("HTTP server stopped")

		if archiver != nil {
			archiver.Stop()
			logger.Info("archive scheduler stopped")
		}
		if sweeper != nil {
			sweeper.Stop()
			logger.Info("reconcile sweep stopped")
		}

		deliverWorker.Stop()
		workerCancel()
		index.Stop()
		logger.Info("delivery worker stopped")

		hubStop()
		hub.CloseAll()
		logger.Info("status fan-out stopped")

		if err := statusSub.Close(); err != nil {
			logger.Error("error closing status subscriber", "err", err)
		}
		if err := statusPub.Close(); err != nil {
			logger.Error("error closing status publisher", "err", err)
		}
		if err := bus.Close(); err != nil {
			logger.Error("error closing broker", "err", err)
		}
		if err := store.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}

		logger.Info("shutdown complete")
		return nil
	},
}
