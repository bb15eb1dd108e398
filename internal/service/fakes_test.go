package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"example.com/modelgate/internal/cache"
	"example.com/modelgate/internal/messaging"
	"example.com/modelgate/internal/models"
	"example.com/modelgate/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// fakeClock is an adjustable time source shared between a service under test
// and the fake Redis, so TTL expiry follows the test's clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeRedis is an in-memory stand-in for the Redis client with TTL support
type fakeRedis struct {
	mu      sync.Mutex
	clock   *fakeClock
	entries map[string]fakeEntry
	// fail makes every call return an error, simulating an unreachable
	// counter store
	fail bool
}

type fakeEntry struct {
	value     string
	count     int64
	expiresAt time.Time
}

var errRedisDown = errors.New("connection refused")

func newFakeRedis(clock *fakeClock) *fakeRedis {
	return &fakeRedis{
		clock:   clock,
		entries: make(map[string]fakeEntry),
	}
}

func (r *fakeRedis) live(key string) (fakeEntry, bool) {
	entry, ok := r.entries[key]
	if !ok {
		return fakeEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !entry.expiresAt.After(r.clock.Now()) {
		delete(r.entries, key)
		return fakeEntry{}, false
	}
	return entry, true
}

func (r *fakeRedis) Get(ctx context.Context, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return "", errRedisDown
	}
	entry, ok := r.live(key)
	if !ok {
		return "", cache.ErrCacheMiss
	}
	return entry.value, nil
}

func (r *fakeRedis) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errRedisDown
	}
	r.entries[key] = fakeEntry{value: value, expiresAt: r.expiry(expiration)}
	return nil
}

func (r *fakeRedis) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return false, errRedisDown
	}
	if _, ok := r.live(key); ok {
		return false, nil
	}
	r.entries[key] = fakeEntry{value: value, expiresAt: r.expiry(expiration)}
	return true, nil
}

func (r *fakeRedis) Delete(ctx context.Context, keys ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errRedisDown
	}
	for _, key := range keys {
		delete(r.entries, key)
	}
	return nil
}

func (r *fakeRedis) IncrWithWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return 0, errRedisDown
	}
	entry, ok := r.live(key)
	if !ok {
		entry = fakeEntry{}
	}
	entry.count++
	// The window TTL rides along with every increment.
	entry.expiresAt = r.expiry(window)
	r.entries[key] = entry
	return entry.count, nil
}

func (r *fakeRedis) GetCounts(ctx context.Context, keys ...string) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return nil, errRedisDown
	}
	counts := make([]int64, len(keys))
	for i, key := range keys {
		if entry, ok := r.live(key); ok {
			counts[i] = entry.count
		}
	}
	return counts, nil
}

func (r *fakeRedis) IncrementBatch(ctx context.Context, increments []cache.CounterIncrement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errRedisDown
	}
	for _, inc := range increments {
		entry, ok := r.live(inc.Key)
		if !ok {
			entry = fakeEntry{expiresAt: r.expiry(inc.TTL)}
		}
		entry.count += inc.Amount
		r.entries[inc.Key] = entry
	}
	return nil
}

func (r *fakeRedis) Close() error { return nil }

func (r *fakeRedis) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return r.clock.Now().Add(ttl)
}

// interceptRedis wraps a RedisClient so a test can interleave work just
// before one SetNX is delegated, modeling a concurrent caller winning a race
type interceptRedis struct {
	cache.RedisClient
	beforeSetNX func()
}

func (r *interceptRedis) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	if fn := r.beforeSetNX; fn != nil {
		r.beforeSetNX = nil
		fn()
	}
	return r.RedisClient.SetNX(ctx, key, value, expiration)
}

// fakePublisher records published security events
type fakePublisher struct {
	mu     sync.Mutex
	events []messaging.SecurityEvent
}

func (p *fakePublisher) Publish(ctx context.Context, event messaging.SecurityEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) Events() []messaging.SecurityEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]messaging.SecurityEvent, len(p.events))
	copy(out, p.events)
	return out
}

// fakeRepo is an in-memory implementation of the full repository, enough for
// service-level tests without a running database
type fakeRepo struct {
	mu sync.Mutex

	users         map[uuid.UUID]*models.User
	roles         map[uuid.UUID]*models.Role
	assignments   []*models.RoleAssignment
	apiKeys       map[uuid.UUID]*models.APIKey
	refreshTokens map[uuid.UUID]*models.RefreshToken
	rateLimits    []*models.GatewayRateLimit
	usageLogs     []*models.GatewayUsageLog

	// apiKeyLookups counts hash lookups against the backing store, so tests
	// can prove the cache short-circuits them
	apiKeyLookups int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:         make(map[uuid.UUID]*models.User),
		roles:         make(map[uuid.UUID]*models.Role),
		apiKeys:       make(map[uuid.UUID]*models.APIKey),
		refreshTokens: make(map[uuid.UUID]*models.RefreshToken),
	}
}

func assignID(m *models.Model) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
}

func (f *fakeRepo) WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo repository.Repository) error) error {
	return fn(ctx, f)
}

func (f *fakeRepo) CreateUser(ctx context.Context, user *models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	assignID(&user.Model)
	clone := *user
	f.users[user.ID] = &clone
	return nil
}

func (f *fakeRepo) UpdateUser(ctx context.Context, user *models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *user
	f.users[user.ID] = &clone
	return nil
}

func (f *fakeRepo) FindUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user, ok := f.users[id]; ok {
		clone := *user
		return &clone, nil
	}
	return nil, nil
}

func (f *fakeRepo) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Username == username {
			clone := *user
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) ListUsers(ctx context.Context) ([]*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.User, 0, len(f.users))
	for _, user := range f.users {
		clone := *user
		out = append(out, &clone)
	}
	return out, nil
}

func (f *fakeRepo) DeleteUser(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, id)
	return nil
}

func (f *fakeRepo) CreateRole(ctx context.Context, role *models.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	assignID(&role.Model)
	clone := *role
	f.roles[role.ID] = &clone
	return nil
}

func (f *fakeRepo) UpdateRole(ctx context.Context, role *models.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *role
	f.roles[role.ID] = &clone
	return nil
}

func (f *fakeRepo) FindRoleByID(ctx context.Context, id uuid.UUID) (*models.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if role, ok := f.roles[id]; ok {
		clone := *role
		return &clone, nil
	}
	return nil, nil
}

func (f *fakeRepo) FindRoleByName(ctx context.Context, name string) (*models.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, role := range f.roles {
		if role.Name == name {
			clone := *role
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) ListRoles(ctx context.Context) ([]*models.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Role, 0, len(f.roles))
	for _, role := range f.roles {
		clone := *role
		out = append(out, &clone)
	}
	return out, nil
}

func (f *fakeRepo) CreateRoleAssignment(ctx context.Context, assignment *models.RoleAssignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	assignID(&assignment.Model)
	clone := *assignment
	f.assignments = append(f.assignments, &clone)
	return nil
}

func (f *fakeRepo) FindRoleAssignment(ctx context.Context, userID, roleID uuid.UUID) (*models.RoleAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.assignments {
		if a.UserID == userID && a.RoleID == roleID {
			clone := *a
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) ListUserRoleAssignments(ctx context.Context, userID uuid.UUID) ([]*models.RoleAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.RoleAssignment
	for _, a := range f.assignments {
		if a.UserID != userID {
			continue
		}
		clone := *a
		if role, ok := f.roles[a.RoleID]; ok {
			roleClone := *role
			clone.Role = &roleClone
		}
		out = append(out, &clone)
	}
	return out, nil
}

func (f *fakeRepo) DeleteRoleAssignment(ctx context.Context, userID, roleID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.assignments[:0]
	for _, a := range f.assignments {
		if !(a.UserID == userID && a.RoleID == roleID) {
			kept = append(kept, a)
		}
	}
	f.assignments = kept
	return nil
}

func (f *fakeRepo) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	assignID(&key.Model)
	clone := *key
	f.apiKeys[key.ID] = &clone
	return nil
}

func (f *fakeRepo) FindAPIKeyByID(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key, ok := f.apiKeys[id]; ok {
		clone := *key
		return &clone, nil
	}
	return nil, nil
}

func (f *fakeRepo) FindAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKeyLookups++
	for _, key := range f.apiKeys {
		if key.KeyHash == keyHash {
			clone := *key
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) FindAPIKeyByUserAndName(ctx context.Context, userID uuid.UUID, name string) (*models.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range f.apiKeys {
		if key.UserID == userID && key.Name == name && key.RevokedAt == nil {
			clone := *key
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) ListUserAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.APIKey
	for _, key := range f.apiKeys {
		if key.UserID == userID {
			clone := *key
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *fakeRepo) TouchAPIKey(ctx context.Context, id uuid.UUID, usedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key, ok := f.apiKeys[id]; ok {
		key.LastUsedAt = &usedAt
	}
	return nil
}

func (f *fakeRepo) RevokeAPIKey(ctx context.Context, id uuid.UUID, revokedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key, ok := f.apiKeys[id]; ok && key.RevokedAt == nil {
		key.RevokedAt = &revokedAt
	}
	return nil
}

func (f *fakeRepo) RevokeAllUserAPIKeys(ctx context.Context, userID uuid.UUID, revokedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range f.apiKeys {
		if key.UserID == userID && key.RevokedAt == nil {
			key.RevokedAt = &revokedAt
		}
	}
	return nil
}

func (f *fakeRepo) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	assignID(&token.Model)
	clone := *token
	f.refreshTokens[token.ID] = &clone
	return nil
}

func (f *fakeRepo) FindRefreshTokenByID(ctx context.Context, id uuid.UUID) (*models.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token, ok := f.refreshTokens[id]; ok {
		clone := *token
		return &clone, nil
	}
	return nil, nil
}

func (f *fakeRepo) FindRefreshTokenByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, token := range f.refreshTokens {
		if token.TokenHash == tokenHash {
			clone := *token
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) RevokeRefreshToken(ctx context.Context, id uuid.UUID, revokedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token, ok := f.refreshTokens[id]; ok && token.RevokedAt == nil {
		token.RevokedAt = &revokedAt
	}
	return nil
}

func (f *fakeRepo) ReplaceRefreshToken(ctx context.Context, oldID uuid.UUID, replacement *models.RefreshToken, revokedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.refreshTokens[oldID]
	if !ok || old.RevokedAt != nil {
		return repository.ErrTokenAlreadyRevoked
	}
	assignID(&replacement.Model)
	clone := *replacement
	f.refreshTokens[replacement.ID] = &clone
	old.RevokedAt = &revokedAt
	old.ReplacedByID = &replacement.ID
	return nil
}

func (f *fakeRepo) RevokeAllUserRefreshTokens(ctx context.Context, userID uuid.UUID, revokedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, token := range f.refreshTokens {
		if token.UserID == userID && token.RevokedAt == nil {
			token.RevokedAt = &revokedAt
		}
	}
	return nil
}

func (f *fakeRepo) UpsertRateLimit(ctx context.Context, limit *models.GatewayRateLimit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.rateLimits {
		if existing.UserID == limit.UserID && existing.GatewayType == limit.GatewayType {
			limit.ID = existing.ID
			clone := *limit
			f.rateLimits[i] = &clone
			return nil
		}
	}
	assignID(&limit.Model)
	clone := *limit
	f.rateLimits = append(f.rateLimits, &clone)
	return nil
}

func (f *fakeRepo) FindRateLimit(ctx context.Context, userID uuid.UUID, gatewayType string) (*models.GatewayRateLimit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, limit := range f.rateLimits {
		if limit.UserID == userID && limit.GatewayType == gatewayType {
			clone := *limit
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) ListUserRateLimits(ctx context.Context, userID uuid.UUID) ([]*models.GatewayRateLimit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.GatewayRateLimit
	for _, limit := range f.rateLimits {
		if limit.UserID == userID {
			clone := *limit
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *fakeRepo) DeleteRateLimit(ctx context.Context, userID uuid.UUID, gatewayType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.rateLimits[:0]
	for _, limit := range f.rateLimits {
		if !(limit.UserID == userID && limit.GatewayType == gatewayType) {
			kept = append(kept, limit)
		}
	}
	f.rateLimits = kept
	return nil
}

func (f *fakeRepo) CreateUsageLog(ctx context.Context, usage *models.GatewayUsageLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	assignID(&usage.Model)
	clone := *usage
	f.usageLogs = append(f.usageLogs, &clone)
	return nil
}

func (f *fakeRepo) ListUserUsageLogs(ctx context.Context, userID uuid.UUID, limit int) ([]*models.GatewayUsageLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.GatewayUsageLog
	for _, usage := range f.usageLogs {
		if usage.UserID == userID {
			clone := *usage
			out = append(out, &clone)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepo) UsageTotalsSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]*repository.UsageTotals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byGateway := make(map[string]*repository.UsageTotals)
	for _, usage := range f.usageLogs {
		if usage.UserID != userID || usage.Timestamp.Before(since) {
			continue
		}
		totals, ok := byGateway[usage.GatewayType]
		if !ok {
			totals = &repository.UsageTotals{GatewayType: usage.GatewayType}
			byGateway[usage.GatewayType] = totals
		}
		totals.Requests++
		if usage.TokensUsed != nil {
			totals.TokensUsed += *usage.TokensUsed
		}
		if usage.ErrorMessage != "" {
			totals.ErrorCount++
		}
	}
	out := make([]*repository.UsageTotals, 0, len(byGateway))
	for _, totals := range byGateway {
		out = append(out, totals)
	}
	return out, nil
}

func (f *fakeRepo) DeleteUsageLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted int64
	kept := f.usageLogs[:0]
	for _, usage := range f.usageLogs {
		if usage.Timestamp.Before(cutoff) {
			deleted++
		} else {
			kept = append(kept, usage)
		}
	}
	f.usageLogs = kept
	return deleted, nil
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}
