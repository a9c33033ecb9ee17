package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"example.com/webtime/internal/app"
	"example.com/webtime/internal/config"
	"example.com/webtime/internal/consumer"
	persistence "example.com/webtime/internal/persistence/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := config.Config{}.Logger("consumer")
		fallback.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := cfg.Logger("consumer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	service, closeClassifier, err := app.NewService(ctx, cfg, persistence.NewRepository(pool, cfg.RecordEventsTopic), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build service")
	}
	defer closeClassifier()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		logger.Info().Str("address", cfg.MetricsAddress).Msg("consumer metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.KafkaBrokers,
		GroupID:         cfg.ConsumerGroupID,
		Topic:           cfg.VisitTopic,
		MinBytes:        1,
		MaxBytes:        10e6,
		CommitInterval:  time.Second,
		RetentionTime:   24 * time.Hour,
		ReadLagInterval: -1,
	})
	defer reader.Close()

	proc := consumer.NewProcessor(reader, consumer.NewIngestHandler(service, logger),
		consumer.WithLogger(logger),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info().Str("topic", cfg.VisitTopic).Str("group", cfg.ConsumerGroupID).Msg("consumer started")
		if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("consumer stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info().Msg("consumer shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}

	<-done
}
