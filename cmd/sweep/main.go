// Command sweep drains one listing endpoint and writes each unique record
// as a JSON line to stdout. Progress and diagnostics go to stderr.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sweephq/sweep/pkg/client"
	"github.com/sweephq/sweep/pkg/logging"
	"github.com/sweephq/sweep/pkg/partition"
	"github.com/sweephq/sweep/pkg/progress"
	"github.com/sweephq/sweep/pkg/ratelimit"
	"github.com/sweephq/sweep/pkg/sweep"
)

func main() {
	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: os.Getenv("LOG_PRETTY") == "true",
		Output: os.Stderr,
	})

	baseURL := os.Getenv("SWEEP_BASE_URL")
	token := os.Getenv("SWEEP_TOKEN")
	path := os.Getenv("SWEEP_PATH")
	if baseURL == "" || token == "" || path == "" {
		logger.Fatal().Msg("SWEEP_BASE_URL, SWEEP_TOKEN and SWEEP_PATH are required")
	}

	cfg := client.DefaultConfig(baseURL, token)

	// Optional shared rate-limit budget via redis.
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: redisURL})
		ctx := context.Background()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("redis_url", redisURL).Msg("Failed to connect to redis")
		}
		cfg.Tracker = ratelimit.NewTracker(redisClient, logging.NewLogger("ratelimit"))
		logger.Info().Str("redis_url", redisURL).Msg("Shared rate-limit budget enabled")
	}

	fetcher, err := client.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create listing client")
	}

	opts := sweep.Options{
		Path:        path,
		Filter:      os.Getenv("SWEEP_FILTER"),
		Concurrency: getEnvInt("SWEEP_CONCURRENCY", sweep.DefaultConcurrency),
		PageSize:    int64(getEnvInt("SWEEP_PAGE_SIZE", sweep.DefaultPageSize)),
		MaxItems:    int64(getEnvInt("SWEEP_MAX_ITEMS", 0)),
		StartOffset: int64(getEnvInt("SWEEP_OFFSET", 0)),
		IDField:     getEnv("SWEEP_ID_FIELD", sweep.DefaultIDField),
		Reporter:    progress.Logger(logging.NewLogger("progress")),
	}
	if after := getEnvInt("SWEEP_AFTER_MS", 0); after > 0 {
		opts.TimeRange = true
		opts.Domain = partition.Domain{
			Start: int64(after),
			End:   int64(getEnvInt("SWEEP_BEFORE_MS", 0)),
		}
	}

	ctx := context.Background()
	stream, err := sweep.New(fetcher).Run(ctx, opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("Sweep failed to start")
	}
	defer stream.Close()

	for stream.Next(ctx) {
		fmt.Println(string(stream.Record()))
	}
	if err := stream.Err(); err != nil {
		logger.Error().Err(err).Msg("Sweep failed")
		os.Exit(1)
	}

	unique, duplicates := stream.Stats()
	log.Info().
		Int64("unique", unique).
		Int64("duplicates_removed", duplicates).
		Msg("Done")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
