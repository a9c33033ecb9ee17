// Package app assembles the classifier and domain service from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"example.com/webtime/internal/cache"
	"example.com/webtime/internal/classify"
	"example.com/webtime/internal/config"
	"example.com/webtime/internal/domain"
	"example.com/webtime/internal/llm"
)

// Store is what the service and the history tier need from persistence.
type Store interface {
	domain.RecordStore
	classify.HistoryLookup
}

// NewService builds the tiered classifier and the domain service on top of store.
// The returned close func releases the verdict cache connection, if any.
func NewService(ctx context.Context, cfg config.Config, store Store, logger zerolog.Logger) (*domain.Service, func() error, error) {
	lists, err := classify.LoadLists(cfg.DomainListsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load domain lists: %w", err)
	}
	logger.Info().Str("lists_version", lists.Version).Msg("domain lists loaded")

	opts := []classify.Option{
		classify.WithTimeout(cfg.ClassifierTimeout),
		classify.WithLogger(logger.With().Str("component", "classifier").Logger()),
	}

	closer := func() error { return nil }
	if cfg.SemanticEnabled() {
		opts = append(opts, classify.WithSemantic(llm.NewClient(llm.ClientConfig{
			APIKey:    cfg.OpenAIAPIKey,
			BaseURL:   cfg.OpenAIBaseURL,
			Model:     cfg.OpenAIModel,
			MaxTokens: cfg.OpenAIMaxTokens,
		})))

		verdicts, closeCache := newVerdictCache(ctx, cfg, logger)
		opts = append(opts, classify.WithVerdictCache(verdicts))
		closer = closeCache
	} else {
		logger.Info().Msg("OPENAI_API_KEY not set, semantic tier disabled")
	}

	classifier := classify.New(lists, store, opts...)
	service := domain.NewService(store, classifier,
		domain.WithLogger(logger.With().Str("component", "ingest").Logger()),
		domain.WithMinDuration(cfg.MinVisitDuration),
		domain.WithMergeWindow(cfg.MergeWindow),
		domain.WithLocation(cfg.StatsLocation),
	)
	return service, closer, nil
}

// newVerdictCache prefers Redis and falls back to process memory when REDIS_URL is unset or unreachable.
func newVerdictCache(ctx context.Context, cfg config.Config, logger zerolog.Logger) (classify.VerdictCache, func() error) {
	noop := func() error { return nil }
	if cfg.RedisURL == "" {
		return cache.NewMemoryVerdictCache(cfg.VerdictCacheTTL), noop
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("invalid REDIS_URL, using in-memory verdict cache")
		return cache.NewMemoryVerdictCache(cfg.VerdictCacheTTL), noop
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		logger.Warn().Err(err).Msg("redis unreachable, using in-memory verdict cache")
		return cache.NewMemoryVerdictCache(cfg.VerdictCacheTTL), noop
	}

	verdicts := cache.NewRedisVerdictCache(client, cfg.VerdictCacheTTL)
	return verdicts, verdicts.Close
}
