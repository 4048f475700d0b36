// Command tminusd runs the calendar federation daemon: one actor per
// known user, a shared sweeper for session/hold expiry and mirror
// drain, and a Prometheus metrics endpoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/calendarfed/tminus/internal/actor"
	"github.com/calendarfed/tminus/internal/config"
	"github.com/calendarfed/tminus/internal/db"
	"github.com/calendarfed/tminus/internal/logging"
	"github.com/calendarfed/tminus/internal/mirror"
	"github.com/calendarfed/tminus/internal/providerio"
	"github.com/calendarfed/tminus/internal/queue"
	"github.com/calendarfed/tminus/internal/sweep"
)

func main() {
	var configPath string
	var users []string
	var logLevel string

	root := &cobra.Command{
		Use:   "tminusd",
		Short: "Run the calendar federation daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, users, logLevel)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a config file (TOML/YAML/JSON)")
	root.Flags().StringSliceVar(&users, "user", nil, "user id to start an actor for (repeatable)")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, userIDs []string, logLevel string) error {
	_ = godotenv.Load()
	log := logging.New(os.Stderr, logLevel)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer redisClient.Close()

	registry := actor.NewRegistry()
	var closers []func() error

	for _, userID := range userIDs {
		store, err := db.Open(ctx, cfg.UserDBPath(userID))
		if err != nil {
			return fmt.Errorf("open store for %s: %w", userID, err)
		}
		closers = append(closers, store.Close)
		if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
			return fmt.Errorf("migrate store for %s: %w", userID, err)
		}

		streamKey := cfg.QueueStreamPrefix + userID
		q := queue.NewRedisQueue(redisClient, streamKey, "writers", "tminusd-"+userID)
		if err := q.EnsureGroup(ctx); err != nil {
			return fmt.Errorf("ensure consumer group for %s: %w", userID, err)
		}

		adapter := providerio.NewFakeAdapter()
		tokens := providerio.FakeTokenSource{}

		u := actor.New(userID, store, q, actor.Config{
			HoldTTL:         cfg.HoldTTL,
			MirrorHighWater: cfg.MirrorHighWater,
			MirrorLowWater:  cfg.MirrorLowWater,
			Adapter:         adapter,
			Tokens:          tokens,
		}, logging.ForUser(log, userID))
		registry.Add(u)

		writer := mirror.NewWriter(store, adapter, tokens, nil, mirror.RetryPolicy{
			BaseDelay: cfg.RetryBaseDelay, Factor: cfg.RetryFactor, MaxDelay: cfg.RetryMaxDelay, MaxAttempts: cfg.RetryMaxAttempts,
		}, rate.NewLimiter(rate.Limit(5), 5))
		go runWriterLoop(ctx, q, writer, logging.ForUser(log, userID))
	}

	scheduler := sweep.New(registry, log)
	if err := scheduler.Start("@every 30s"); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer scheduler.Stop()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().Strs("users", userIDs).Msg("tminusd started")
	<-ctx.Done()
	log.Info().Msg("shutting down")
	_ = metricsSrv.Close()
	for _, closer := range closers {
		_ = closer()
	}
	return nil
}

func runWriterLoop(ctx context.Context, receiver queue.Receiver, writer *mirror.Writer, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msgs, err := receiver.Receive(ctx, 16)
		if err != nil {
			log.Error().Err(err).Msg("receive mirror jobs")
			continue
		}
		for _, m := range msgs {
			if err := writer.Apply(ctx, m.Job); err != nil {
				log.Warn().Err(err).Str("canonical_event_id", m.Job.CanonicalEventID).Msg("mirror write attempt failed")
			}
			_ = receiver.Ack(ctx, m.AckID)
		}
	}
}
