package service

import (
	"context"
	"fmt"
	"time"

	"example.com/modelgate/internal/cache"
	"example.com/modelgate/internal/models"
	"example.com/modelgate/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour

	hourBucketFormat = "2006-01-02-15"
	dayBucketFormat  = "2006-01-02"
)

// counterKeys holds the four counter keys for one (user, gateway) pair,
// in the fixed order: hourly tokens, daily tokens, hourly requests,
// daily requests
type counterKeys [4]string

// UsageRecord carries the observed outcome of a completed gatekept call
type UsageRecord struct {
	Endpoint     string
	Tokens       *int64
	ModelName    string
	Duration     *int64 // milliseconds
	StatusCode   *int
	ErrorMessage string
}

// RateLimitService enforces per-user, per-gateway consumption limits across
// four counters, with an optional wildcard aggregate across gateways.
// CheckBeforeUse and RecordUsage are deliberately two separate calls: under
// concurrent bursts a limit may briefly overshoot, a documented tradeoff
// favoring low latency over strict atomicity.
type RateLimitService interface {
	CheckBeforeUse(ctx context.Context, userID uuid.UUID, gatewayType string, tokens *int64) error
	RecordUsage(ctx context.Context, userID uuid.UUID, gatewayType string, usage UsageRecord) error
	SetLimit(ctx context.Context, limit *models.GatewayRateLimit) error
	GetLimits(ctx context.Context, userID uuid.UUID) ([]*models.GatewayRateLimit, error)
	RemoveLimit(ctx context.Context, userID uuid.UUID, gatewayType string) error
	UsageReport(ctx context.Context, userID uuid.UUID, since time.Time) ([]*repository.UsageTotals, error)
	CleanupOldLogs(ctx context.Context, olderThanDays int) (int64, error)
}

// rateLimitService is an implementation of the RateLimitService interface
type rateLimitService struct {
	repo  repository.Repository
	cache cache.RedisClient
	log   *logrus.Logger
	now   func() time.Time
}

// NewRateLimitService creates a new rate limit service instance
func NewRateLimitService(repo repository.Repository, redisClient cache.RedisClient, log *logrus.Logger) RateLimitService {
	return &rateLimitService{
		repo:  repo,
		cache: redisClient,
		log:   log,
		now:   time.Now,
	}
}

// keysFor builds the four counter keys for a (user, gateway) pair. The
// bucket encodes the current UTC hour or day so counters self-expire on
// window rollover.
func (s *rateLimitService) keysFor(userID uuid.UUID, gatewayType string, now time.Time) counterKeys {
	base := fmt.Sprintf("rate_limit:%s:%s", userID, gatewayType)
	hour := now.UTC().Format(hourBucketFormat)
	day := now.UTC().Format(dayBucketFormat)
	return counterKeys{
		base + ":tokens:hour:" + hour,
		base + ":tokens:day:" + day,
		base + ":requests:hour:" + hour,
		base + ":requests:day:" + day,
	}
}

// lookupLimit prefers a gateway-specific config and falls back to the
// wildcard. A nil result means usage is unrestricted.
func (s *rateLimitService) lookupLimit(ctx context.Context, userID uuid.UUID, gatewayType string) (*models.GatewayRateLimit, error) {
	limit, err := s.repo.FindRateLimit(ctx, userID, gatewayType)
	if err != nil {
		return nil, fmt.Errorf("looking up rate limit: %w", ErrServiceUnavailable)
	}
	if limit != nil {
		return limit, nil
	}

	limit, err = s.repo.FindRateLimit(ctx, userID, models.WildcardGateway)
	if err != nil {
		return nil, fmt.Errorf("looking up wildcard rate limit: %w", ErrServiceUnavailable)
	}
	return limit, nil
}

// CheckBeforeUse reports whether a request with the given token estimate
// may proceed. When the effective config is the wildcard, usage is summed
// across the specific gateway and the wildcard aggregate; a gateway-specific
// config is evaluated against its own counters alone.
func (s *rateLimitService) CheckBeforeUse(ctx context.Context, userID uuid.UUID, gatewayType string, tokens *int64) error {
	if tokens != nil && *tokens < 0 {
		return fmt.Errorf("token count must not be negative: %w", ErrInvalidArgument)
	}

	limit, err := s.lookupLimit(ctx, userID, gatewayType)
	if err != nil {
		return err
	}
	if limit == nil {
		return nil
	}

	if limit.HasZeroLimit() {
		return &RateLimitError{Dimension: DimensionZeroLimit}
	}

	now := s.now()
	specificKeys := s.keysFor(userID, gatewayType, now)
	wildcardKeys := s.keysFor(userID, models.WildcardGateway, now)

	counts, err := s.cache.GetCounts(ctx,
		specificKeys[0], specificKeys[1], specificKeys[2], specificKeys[3],
		wildcardKeys[0], wildcardKeys[1], wildcardKeys[2], wildcardKeys[3],
	)
	if err != nil {
		return fmt.Errorf("reading usage counters: %w", ErrServiceUnavailable)
	}

	tokensHour := counts[0]
	tokensDay := counts[1]
	requestsHour := counts[2]
	requestsDay := counts[3]
	if limit.GatewayType == models.WildcardGateway && gatewayType != models.WildcardGateway {
		// Wildcard config aggregates consumption across every gateway
		// the user touches.
		tokensHour += counts[4]
		tokensDay += counts[5]
		requestsHour += counts[6]
		requestsDay += counts[7]
	}

	if tokens != nil {
		if limit.TokenLimitHourly != nil && tokensHour+*tokens > *limit.TokenLimitHourly {
			return &RateLimitError{Dimension: DimensionHourlyTokens, Limit: *limit.TokenLimitHourly}
		}
		if limit.TokenLimitDaily != nil && tokensDay+*tokens > *limit.TokenLimitDaily {
			return &RateLimitError{Dimension: DimensionDailyTokens, Limit: *limit.TokenLimitDaily}
		}
	}
	if limit.RequestLimitHourly != nil && requestsHour+1 > *limit.RequestLimitHourly {
		return &RateLimitError{Dimension: DimensionHourlyRequests, Limit: *limit.RequestLimitHourly}
	}
	if limit.RequestLimitDaily != nil && requestsDay+1 > *limit.RequestLimitDaily {
		return &RateLimitError{Dimension: DimensionDailyRequests, Limit: *limit.RequestLimitDaily}
	}

	return nil
}

// RecordUsage appends one usage-log row and bumps the live counters for both
// the specific gateway and the wildcard aggregate in a single batch. This is
// the only mutator of the counters.
func (s *rateLimitService) RecordUsage(ctx context.Context, userID uuid.UUID, gatewayType string, usage UsageRecord) error {
	if usage.Tokens != nil && *usage.Tokens < 0 {
		return fmt.Errorf("token count must not be negative: %w", ErrInvalidArgument)
	}

	now := s.now()
	usageLog := &models.GatewayUsageLog{
		UserID:          userID,
		GatewayType:     gatewayType,
		Endpoint:        usage.Endpoint,
		TokensUsed:      usage.Tokens,
		ModelName:       usage.ModelName,
		RequestDuration: usage.Duration,
		StatusCode:      usage.StatusCode,
		ErrorMessage:    usage.ErrorMessage,
		Timestamp:       now.UTC(),
	}
	if err := s.repo.CreateUsageLog(ctx, usageLog); err != nil {
		return fmt.Errorf("writing usage log: %w", ErrServiceUnavailable)
	}

	keySets := []counterKeys{s.keysFor(userID, gatewayType, now)}
	if gatewayType != models.WildcardGateway {
		keySets = append(keySets, s.keysFor(userID, models.WildcardGateway, now))
	}

	increments := make([]cache.CounterIncrement, 0, 8)
	for _, keys := range keySets {
		increments = append(increments,
			cache.CounterIncrement{Key: keys[2], Amount: 1, TTL: hourWindow},
			cache.CounterIncrement{Key: keys[3], Amount: 1, TTL: dayWindow},
		)
		if usage.Tokens != nil {
			increments = append(increments,
				cache.CounterIncrement{Key: keys[0], Amount: *usage.Tokens, TTL: hourWindow},
				cache.CounterIncrement{Key: keys[1], Amount: *usage.Tokens, TTL: dayWindow},
			)
		}
	}

	if err := s.cache.IncrementBatch(ctx, increments); err != nil {
		return fmt.Errorf("updating usage counters: %w", ErrServiceUnavailable)
	}
	return nil
}

// SetLimit creates or replaces the limit config for a (user, gateway) pair
func (s *rateLimitService) SetLimit(ctx context.Context, limit *models.GatewayRateLimit) error {
	if limit.GatewayType == "" {
		return fmt.Errorf("gateway type must not be empty: %w", ErrInvalidArgument)
	}
	if err := s.repo.UpsertRateLimit(ctx, limit); err != nil {
		return fmt.Errorf("saving rate limit: %w", err)
	}
	return nil
}

// GetLimits returns all limit configs for a user
func (s *rateLimitService) GetLimits(ctx context.Context, userID uuid.UUID) ([]*models.GatewayRateLimit, error) {
	return s.repo.ListUserRateLimits(ctx, userID)
}

// RemoveLimit deletes the limit config for a (user, gateway) pair
func (s *rateLimitService) RemoveLimit(ctx context.Context, userID uuid.UUID, gatewayType string) error {
	existing, err := s.repo.FindRateLimit(ctx, userID, gatewayType)
	if err != nil {
		return fmt.Errorf("looking up rate limit: %w", err)
	}
	if existing == nil {
		return fmt.Errorf("rate limit for user %s gateway %q: %w", userID, gatewayType, ErrResourceNotFound)
	}
	return s.repo.DeleteRateLimit(ctx, userID, gatewayType)
}

// UsageReport aggregates usage-log rows per gateway since the given time
func (s *rateLimitService) UsageReport(ctx context.Context, userID uuid.UUID, since time.Time) ([]*repository.UsageTotals, error) {
	return s.repo.UsageTotalsSince(ctx, userID, since)
}

// CleanupOldLogs purges usage-log rows past retention. Live counters are
// untouched; they expire on their own.
func (s *rateLimitService) CleanupOldLogs(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		return 0, fmt.Errorf("retention days must be positive: %w", ErrInvalidArgument)
	}
	cutoff := s.now().UTC().AddDate(0, 0, -olderThanDays)
	deleted, err := s.repo.DeleteUsageLogsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old usage logs: %w", err)
	}
	if deleted > 0 {
		s.log.WithFields(logrus.Fields{
			"deleted": deleted,
			"cutoff":  cutoff,
		}).Info("Old usage logs purged")
	}
	return deleted, nil
}
