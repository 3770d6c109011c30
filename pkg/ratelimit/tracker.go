package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Response headers carrying the shared request budget.
const (
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// Prometheus metrics for budget tracking.
var (
	budgetRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sweep_rate_limit_budget_remaining",
		Help: "Requests remaining in the current listing API budget window",
	})

	budgetBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweep_rate_limit_blocks_total",
		Help: "Total number of requests blocked due to critical budget",
	})

	budgetThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweep_rate_limit_throttles_total",
		Help: "Total number of requests throttled due to low budget",
	})
)

// throttleWait is the pause applied to each request while the budget is in
// the warning band.
const throttleWait = 1 * time.Second

// Tracker monitors the listing API request budget and gates requests.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewTracker creates a new budget tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
	}
}

// GetState retrieves the current budget state from redis.
// Returns a default healthy state when no data exists yet.
func (t *Tracker) GetState(ctx context.Context) (*BudgetState, error) {
	remaining, err := t.redis.Get(ctx, RedisKeyRemaining).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get remaining budget: %w", err)
	}

	resetTimestamp, err := t.redis.Get(ctx, RedisKeyResetTimestamp).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get reset timestamp: %w", err)
	}

	lastUpdateStr, err := t.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get last update: %w", err)
	}

	if err == redis.Nil {
		t.logger.Debug().Msg("No budget state in redis, assuming healthy")
		return &BudgetState{
			Remaining:  BudgetThresholdHealthy * 2,
			ResetAt:    time.Now().Add(60 * time.Second),
			LastUpdate: time.Now(),
			IsHealthy:  true,
		}, nil
	}

	var lastUpdate time.Time
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &lastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	state := &BudgetState{
		Remaining:  remaining,
		ResetAt:    time.Unix(resetTimestamp, 0),
		LastUpdate: lastUpdate,
	}
	state.UpdateHealth()

	return state, nil
}

// UpdateFromHeaders parses the budget headers off a listing response and
// stores the new state in redis. Responses without the headers are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	resetStr := headers.Get(HeaderReset)
	if resetStr == "" {
		return fmt.Errorf("%s header missing", HeaderReset)
	}

	resetEpoch, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderReset, err)
	}

	now := time.Now()
	state := &BudgetState{
		Remaining:  remain,
		ResetAt:    time.Unix(resetEpoch, 0),
		LastUpdate: now,
	}
	state.UpdateHealth()

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyRemaining, remain, 0)
	pipe.Set(ctx, RedisKeyResetTimestamp, state.ResetAt.Unix(), 0)

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store budget state in redis: %w", err)
	}

	budgetRemaining.Set(float64(remain))

	logEvent := t.logger.Debug().
		Int("remaining", remain).
		Time("reset_at", state.ResetAt).
		Bool("is_healthy", state.IsHealthy)

	if state.NeedsCriticalBlock() {
		logEvent = t.logger.Error().Int("remaining", remain)
		logEvent.Msg("Request budget CRITICAL - requests will be blocked")
	} else if state.NeedsThrottling() {
		logEvent = t.logger.Warn().Int("remaining", remain)
		logEvent.Msg("Request budget low - requests will be throttled")
	} else {
		logEvent.Msg("Request budget updated")
	}

	return nil
}

// ShouldAllowRequest checks whether a request should proceed given the
// shared budget. Returns false when the budget is critical. In the warning
// band it sleeps briefly (context-aware) and then allows the request.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("get budget state: %w", err)
	}

	if state.NeedsCriticalBlock() {
		t.logger.Error().
			Int("remaining", state.Remaining).
			Dur("wait", state.TimeUntilReset()).
			Msg("Request budget critical - blocking request")

		budgetBlocksTotal.Inc()
		return false, nil
	}

	if state.NeedsThrottling() {
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Msg("Request budget low - throttling request")

		budgetThrottlesTotal.Inc()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(throttleWait):
		}
	}

	return true, nil
}
