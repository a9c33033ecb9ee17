package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/webtime/internal/api"
	"example.com/webtime/internal/app"
	"example.com/webtime/internal/config"
	"example.com/webtime/internal/outbox"
	persistence "example.com/webtime/internal/persistence/postgres"
	httptransport "example.com/webtime/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := config.Config{}.Logger("api")
		fallback.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := cfg.Logger("api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	repo := persistence.NewRepository(pool, cfg.RecordEventsTopic)
	producer := outbox.NewKafkaProducer(outbox.ProducerConfig{Brokers: cfg.KafkaBrokers, Logger: logger})
	defer producer.Close()

	registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL, outbox.WithCompatibility(cfg.SchemaCompatibility))
	dispatcher := outbox.NewDispatcher(pool, producer, registry, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)

	go dispatcher.Start(ctx)

	service, closeClassifier, err := app.NewService(ctx, cfg, repo, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build service")
	}
	defer closeClassifier()

	handler := api.NewHandler(service, logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	server := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.HTTPAddress), mux,
		httptransport.RequestLogger(logger),
		httptransport.CORS(cfg.CORSOrigin),
	)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info().Str("address", cfg.HTTPAddress).Msg("webtime api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	dispatcher.Wait()
}
