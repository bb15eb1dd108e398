package service

import (
	"context"
	"testing"
	"time"

	"example.com/modelgate/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// limiterHarness wires a rate limit service against in-memory fakes
type limiterHarness struct {
	svc   *rateLimitService
	repo  *fakeRepo
	redis *fakeRedis
	clock *fakeClock
}

func newLimiterHarness(t *testing.T) *limiterHarness {
	t.Helper()
	clock := newFakeClock()
	repo := newFakeRepo()
	redis := newFakeRedis(clock)

	svc := NewRateLimitService(repo, redis, testLogger()).(*rateLimitService)
	svc.now = clock.Now

	return &limiterHarness{svc: svc, repo: repo, redis: redis, clock: clock}
}

func int64p(v int64) *int64 { return &v }

func (h *limiterHarness) setLimit(t *testing.T, userID uuid.UUID, gateway string, limit models.GatewayRateLimit) {
	t.Helper()
	limit.UserID = userID
	limit.GatewayType = gateway
	require.NoError(t, h.svc.SetLimit(context.Background(), &limit))
}

func (h *limiterHarness) record(t *testing.T, userID uuid.UUID, gateway string, tokens int64) {
	t.Helper()
	require.NoError(t, h.svc.RecordUsage(context.Background(), userID, gateway, UsageRecord{
		Endpoint: "/api/chat",
		Tokens:   int64p(tokens),
	}))
}

func requireDimension(t *testing.T, err error, dim LimitDimension) {
	t.Helper()
	require.ErrorIs(t, err, ErrRateLimitExceeded)
	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	require.Equal(t, dim, rlErr.Dimension)
}

func TestCheckWithoutConfigAllows(t *testing.T) {
	h := newLimiterHarness(t)
	err := h.svc.CheckBeforeUse(context.Background(), uuid.New(), "ollama", int64p(1_000_000))
	require.NoError(t, err)
}

func TestHourlyTokenLimit(t *testing.T) {
	h := newLimiterHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	h.setLimit(t, userID, "ollama", models.GatewayRateLimit{TokenLimitHourly: int64p(100)})

	h.record(t, userID, "ollama", 60)

	// 60 used + 50 estimated exceeds 100.
	err := h.svc.CheckBeforeUse(ctx, userID, "ollama", int64p(50))
	requireDimension(t, err, DimensionHourlyTokens)

	// 60 + 40 fits exactly.
	require.NoError(t, h.svc.CheckBeforeUse(ctx, userID, "ollama", int64p(40)))
}

func TestHourlyWindowRollover(t *testing.T) {
	h := newLimiterHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	h.setLimit(t, userID, "ollama", models.GatewayRateLimit{TokenLimitHourly: int64p(100)})

	h.record(t, userID, "ollama", 90)
	err := h.svc.CheckBeforeUse(ctx, userID, "ollama", int64p(50))
	requireDimension(t, err, DimensionHourlyTokens)

	// The next hour starts with a fresh bucket.
	h.clock.Advance(time.Hour)
	require.NoError(t, h.svc.CheckBeforeUse(ctx, userID, "ollama", int64p(50)))
}

func TestDailyTokenLimitOutlivesHourly(t *testing.T) {
	h := newLimiterHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	h.setLimit(t, userID, "ollama", models.GatewayRateLimit{TokenLimitDaily: int64p(100)})

	h.record(t, userID, "ollama", 90)

	// An hour later the daily bucket still carries the usage.
	h.clock.Advance(time.Hour)
	err := h.svc.CheckBeforeUse(ctx, userID, "ollama", int64p(50))
	requireDimension(t, err, DimensionDailyTokens)
}

func TestWildcardAggregatesAcrossGateways(t *testing.T) {
	h := newLimiterHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	h.setLimit(t, userID, models.WildcardGateway, models.GatewayRateLimit{TokenLimitHourly: int64p(100)})

	h.record(t, userID, "ollama", 60)

	// Tokens spent on one gateway count against the shared budget of
	// another.
	err := h.svc.CheckBeforeUse(ctx, userID, "openai", int64p(50))
	requireDimension(t, err, DimensionHourlyTokens)

	require.NoError(t, h.svc.CheckBeforeUse(ctx, userID, "openai", int64p(40)))
}

func TestSpecificConfigEvaluatedAlone(t *testing.T) {
	h := newLimiterHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	h.setLimit(t, userID, models.WildcardGateway, models.GatewayRateLimit{TokenLimitHourly: int64p(50)})
	h.setLimit(t, userID, "openai", models.GatewayRateLimit{TokenLimitHourly: int64p(200)})

	// Heavy traffic elsewhere does not bleed into the gateway that has its
	// own config.
	h.record(t, userID, "ollama", 45)
	require.NoError(t, h.svc.CheckBeforeUse(ctx, userID, "openai", int64p(150)))

	// The wildcard-governed gateway still sums everything.
	err := h.svc.CheckBeforeUse(ctx, userID, "ollama", int64p(10))
	requireDimension(t, err, DimensionHourlyTokens)
}

func TestZeroLimitBlocksEntirely(t *testing.T) {
	h := newLimiterHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	h.setLimit(t, userID, "ollama", models.GatewayRateLimit{TokenLimitHourly: int64p(0)})

	// Even a zero-token request is denied outright.
	err := h.svc.CheckBeforeUse(ctx, userID, "ollama", int64p(0))
	requireDimension(t, err, DimensionZeroLimit)

	err = h.svc.CheckBeforeUse(ctx, userID, "ollama", nil)
	requireDimension(t, err, DimensionZeroLimit)
}

func TestHourlyRequestLimit(t *testing.T) {
	h := newLimiterHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	h.setLimit(t, userID, "ollama", models.GatewayRateLimit{RequestLimitHourly: int64p(2)})

	require.NoError(t, h.svc.CheckBeforeUse(ctx, userID, "ollama", nil))
	h.record(t, userID, "ollama", 10)

	require.NoError(t, h.svc.CheckBeforeUse(ctx, userID, "ollama", nil))
	h.record(t, userID, "ollama", 10)

	// The third request in the hour is over budget.
	err := h.svc.CheckBeforeUse(ctx, userID, "ollama", nil)
	requireDimension(t, err, DimensionHourlyRequests)
}

func TestNegativeTokensRejected(t *testing.T) {
	h := newLimiterHarness(t)
	ctx := context.Background()
	userID := uuid.New()

	err := h.svc.CheckBeforeUse(ctx, userID, "ollama", int64p(-1))
	require.ErrorIs(t, err, ErrInvalidArgument)

	err = h.svc.RecordUsage(ctx, userID, "ollama", UsageRecord{Tokens: int64p(-1)})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCounterStoreFailure(t *testing.T) {
	h := newLimiterHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	h.setLimit(t, userID, "ollama", models.GatewayRateLimit{TokenLimitHourly: int64p(100)})

	h.redis.fail = true

	// An unreachable counter store is an availability problem, not a
	// rate-limit verdict.
	err := h.svc.CheckBeforeUse(ctx, userID, "ollama", int64p(10))
	require.ErrorIs(t, err, ErrServiceUnavailable)
	require.NotErrorIs(t, err, ErrRateLimitExceeded)
}

func TestRecordUsageWritesLog(t *testing.T) {
	h := newLimiterHarness(t)
	ctx := context.Background()
	userID := uuid.New()

	status := 200
	duration := int64(1200)
	require.NoError(t, h.svc.RecordUsage(ctx, userID, "ollama", UsageRecord{
		Endpoint:   "/api/chat",
		Tokens:     int64p(42),
		ModelName:  "llama3",
		Duration:   &duration,
		StatusCode: &status,
	}))

	logs, err := h.repo.ListUserUsageLogs(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "ollama", logs[0].GatewayType)
	require.Equal(t, int64(42), *logs[0].TokensUsed)
	require.Equal(t, "llama3", logs[0].ModelName)
}

func TestUsageReport(t *testing.T) {
	h := newLimiterHarness(t)
	ctx := context.Background()
	userID := uuid.New()

	h.record(t, userID, "ollama", 10)
	h.record(t, userID, "ollama", 20)
	h.record(t, userID, "openai", 5)

	totals, err := h.svc.UsageReport(ctx, userID, h.clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, totals, 2)

	byGateway := make(map[string]int64)
	for _, tot := range totals {
		byGateway[tot.GatewayType] = tot.TokensUsed
	}
	require.Equal(t, int64(30), byGateway["ollama"])
	require.Equal(t, int64(5), byGateway["openai"])
}

func TestCleanupOldLogs(t *testing.T) {
	h := newLimiterHarness(t)
	ctx := context.Background()
	userID := uuid.New()

	h.record(t, userID, "ollama", 10)
	h.clock.Advance(10 * 24 * time.Hour)
	h.record(t, userID, "ollama", 20)

	deleted, err := h.svc.CleanupOldLogs(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	logs, err := h.repo.ListUserUsageLogs(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	_, err = h.svc.CleanupOldLogs(ctx, 0)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSetLimitOverwrites(t *testing.T) {
	h := newLimiterHarness(t)
	ctx := context.Background()
	userID := uuid.New()

	h.setLimit(t, userID, "ollama", models.GatewayRateLimit{TokenLimitHourly: int64p(100)})
	h.setLimit(t, userID, "ollama", models.GatewayRateLimit{
		TokenLimitHourly: int64p(500),
		TokenLimitDaily:  int64p(2000),
	})

	limits, err := h.svc.GetLimits(ctx, userID)
	require.NoError(t, err)
	require.Len(t, limits, 1)
	require.Equal(t, int64(500), *limits[0].TokenLimitHourly)
	require.Equal(t, int64(2000), *limits[0].TokenLimitDaily)
}

func TestRemoveLimit(t *testing.T) {
	h := newLimiterHarness(t)
	ctx := context.Background()
	userID := uuid.New()

	err := h.svc.RemoveLimit(ctx, userID, "ollama")
	require.ErrorIs(t, err, ErrResourceNotFound)

	h.setLimit(t, userID, "ollama", models.GatewayRateLimit{TokenLimitHourly: int64p(0)})
	requireDimension(t, h.svc.CheckBeforeUse(ctx, userID, "ollama", nil), DimensionZeroLimit)

	require.NoError(t, h.svc.RemoveLimit(ctx, userID, "ollama"))
	require.NoError(t, h.svc.CheckBeforeUse(ctx, userID, "ollama", nil))
}
