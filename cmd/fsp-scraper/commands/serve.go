package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/maltedev/fsp-price-scraper/internal/api"
	"github.com/maltedev/fsp-price-scraper/internal/database"
	"github.com/maltedev/fsp-price-scraper/internal/jobs"
	"github.com/maltedev/fsp-price-scraper/internal/queue"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs the job API and the scrape worker, plus the outbox relay when Redis is enabled.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		g, ctx := errgroup.WithContext(cmd.Context())

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		q := queue.NewInMemoryQueue()
		manager := jobs.NewManager(a.service, q, a.sink, logger)

		var outbox api.OutboxStats
		if cfg.Redis.Enabled && a.db != nil {
			redisClient := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer redisClient.Close()

			if err := redisClient.Ping(ctx).Err(); err != nil {
				return err
			}

			relay := database.NewRelay(a.db, redisClient, logger, database.RelayConfig{
				PollInterval: 5 * time.Second,
				BatchSize:    100,
			})
			outbox = relay

			g.Go(func() error {
				if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		} else if cfg.Redis.Enabled {
			logger.Warn("redis enabled without database, outbox relay not started")
		}

		handlers := api.NewHandlers(manager, outbox, cfg.Location(), logger)
		switch {
		case a.history != nil:
			handlers.WithHistory(a.history)
		case a.db != nil:
			handlers.WithHistory(a.db)
		}
		server := &http.Server{
			Addr:         cfg.Server.Addr(),
			Handler:      api.NewRouter(handlers, nil),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		}

		g.Go(func() error {
			if err := manager.StartWorker(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})

		g.Go(func() error {
			logger.Info("server starting", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			logger.Info("shutting down server...")

			q.Close()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})

		err = g.Wait()
		logger.Info("server stopped")
		return err
	},
}
