package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"example.com/modelgate/config"
	"example.com/modelgate/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// keyHarness wires an API key service against in-memory fakes
type keyHarness struct {
	svc   *apiKeyService
	repo  *fakeRepo
	redis *fakeRedis
	clock *fakeClock
}

func newKeyHarness(t *testing.T) *keyHarness {
	t.Helper()
	clock := newFakeClock()
	repo := newFakeRepo()
	redis := newFakeRedis(clock)

	cfg := config.AuthConfig{
		APIKeySalt:     "test-salt",
		APIKeyCacheTTL: 5 * time.Minute,
	}
	svc := NewAPIKeyService(repo, redis, testLogger(), cfg).(*apiKeyService)
	svc.now = clock.Now

	return &keyHarness{svc: svc, repo: repo, redis: redis, clock: clock}
}

// createKeyUser creates an active user to own keys; verification checks the
// owner's standing, so keys need a real owner on the store path
func (h *keyHarness) createKeyUser(t *testing.T, username string) *models.User {
	t.Helper()
	user := &models.User{Username: username, Active: true}
	require.NoError(t, h.repo.CreateUser(context.Background(), user))
	return user
}

func TestCreateKeyFormat(t *testing.T) {
	h := newKeyHarness(t)
	userID := uuid.New()

	rawKey, key, err := h.svc.CreateKey(context.Background(), userID, "ci", "pipeline key", nil)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(rawKey, models.APIKeyPrefix))
	require.Len(t, rawKey, len(models.APIKeyPrefix)+32)

	// Only the hash is persisted.
	require.NotContains(t, key.KeyHash, rawKey)
	require.Equal(t, models.HashAPIKey(rawKey, "test-salt"), key.KeyHash)
}

func TestCreateKeyDuplicateName(t *testing.T) {
	h := newKeyHarness(t)
	ctx := context.Background()
	userID := uuid.New()

	_, _, err := h.svc.CreateKey(ctx, userID, "ci", "", nil)
	require.NoError(t, err)

	_, _, err = h.svc.CreateKey(ctx, userID, "ci", "", nil)
	require.ErrorIs(t, err, ErrDuplicateResource)

	// A different user may reuse the name.
	_, _, err = h.svc.CreateKey(ctx, uuid.New(), "ci", "", nil)
	require.NoError(t, err)
}

func TestVerifyKeyCachesLookups(t *testing.T) {
	h := newKeyHarness(t)
	ctx := context.Background()
	userID := h.createKeyUser(t, "alice").ID

	rawKey, _, err := h.svc.CreateKey(ctx, userID, "ci", "", nil)
	require.NoError(t, err)

	gotID, valid, err := h.svc.VerifyKey(ctx, rawKey)
	require.NoError(t, err)
	require.True(t, valid)
	require.Equal(t, userID, gotID)
	require.Equal(t, 1, h.repo.apiKeyLookups)

	// Subsequent verifications are served from the cache.
	for i := 0; i < 5; i++ {
		gotID, valid, err = h.svc.VerifyKey(ctx, rawKey)
		require.NoError(t, err)
		require.True(t, valid)
		require.Equal(t, userID, gotID)
	}
	require.Equal(t, 1, h.repo.apiKeyLookups)

	// Once the cache entry expires, the store is consulted again.
	h.clock.Advance(6 * time.Minute)
	_, valid, err = h.svc.VerifyKey(ctx, rawKey)
	require.NoError(t, err)
	require.True(t, valid)
	require.Equal(t, 2, h.repo.apiKeyLookups)
}

func TestVerifyUnknownKey(t *testing.T) {
	h := newKeyHarness(t)

	gotID, valid, err := h.svc.VerifyKey(context.Background(), "pk_doesnotexistatall0000000000000000")
	require.NoError(t, err)
	require.False(t, valid)
	require.Equal(t, uuid.Nil, gotID)
}

func TestVerifyExpiredKey(t *testing.T) {
	h := newKeyHarness(t)
	ctx := context.Background()

	expiry := h.clock.Now().Add(time.Hour)
	rawKey, _, err := h.svc.CreateKey(ctx, h.createKeyUser(t, "alice").ID, "short-lived", "", &expiry)
	require.NoError(t, err)

	_, valid, err := h.svc.VerifyKey(ctx, rawKey)
	require.NoError(t, err)
	require.True(t, valid)

	h.clock.Advance(2 * time.Hour)
	// By now the verification cache has expired too, so the store's view
	// wins.
	_, valid, err = h.svc.VerifyKey(ctx, rawKey)
	require.NoError(t, err)
	require.False(t, valid)
}

func TestRevokeKeyInvalidatesCache(t *testing.T) {
	h := newKeyHarness(t)
	ctx := context.Background()
	userID := h.createKeyUser(t, "alice").ID

	rawKey, key, err := h.svc.CreateKey(ctx, userID, "ci", "", nil)
	require.NoError(t, err)

	_, valid, err := h.svc.VerifyKey(ctx, rawKey)
	require.NoError(t, err)
	require.True(t, valid)

	require.NoError(t, h.svc.RevokeKey(ctx, key.ID))

	// Revocation must take effect immediately, not after cache expiry.
	_, valid, err = h.svc.VerifyKey(ctx, rawKey)
	require.NoError(t, err)
	require.False(t, valid)
}

func TestRevokeUnknownKey(t *testing.T) {
	h := newKeyHarness(t)
	err := h.svc.RevokeKey(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrResourceNotFound)
}

func TestRevokeAllUserKeys(t *testing.T) {
	h := newKeyHarness(t)
	ctx := context.Background()
	userID := h.createKeyUser(t, "alice").ID

	raw1, _, err := h.svc.CreateKey(ctx, userID, "first", "", nil)
	require.NoError(t, err)
	raw2, _, err := h.svc.CreateKey(ctx, userID, "second", "", nil)
	require.NoError(t, err)

	// Warm the cache for both.
	_, _, err = h.svc.VerifyKey(ctx, raw1)
	require.NoError(t, err)
	_, _, err = h.svc.VerifyKey(ctx, raw2)
	require.NoError(t, err)

	require.NoError(t, h.svc.RevokeAllUserKeys(ctx, userID))

	_, valid, err := h.svc.VerifyKey(ctx, raw1)
	require.NoError(t, err)
	require.False(t, valid)
	_, valid, err = h.svc.VerifyKey(ctx, raw2)
	require.NoError(t, err)
	require.False(t, valid)
}

func TestVerifyKeyStoreFailure(t *testing.T) {
	h := newKeyHarness(t)
	ctx := context.Background()

	rawKey, _, err := h.svc.CreateKey(ctx, h.createKeyUser(t, "alice").ID, "ci", "", nil)
	require.NoError(t, err)

	// A cold cache plus an unreachable cache falls through to the store
	// and still verifies.
	h.redis.fail = true
	_, valid, err := h.svc.VerifyKey(ctx, rawKey)
	require.NoError(t, err)
	require.True(t, valid)
}

func TestVerifyKeyInactiveUser(t *testing.T) {
	h := newKeyHarness(t)
	ctx := context.Background()
	user := h.createKeyUser(t, "mallory")

	rawKey, _, err := h.svc.CreateKey(ctx, user.ID, "ci", "", nil)
	require.NoError(t, err)

	_, valid, err := h.svc.VerifyKey(ctx, rawKey)
	require.NoError(t, err)
	require.True(t, valid)

	// Deactivation plus cache invalidation shuts the key out at once,
	// not after the cache entry ages out.
	user.Active = false
	require.NoError(t, h.repo.UpdateUser(ctx, user))
	require.NoError(t, h.svc.InvalidateUserCache(ctx, user.ID))

	gotID, valid, err := h.svc.VerifyKey(ctx, rawKey)
	require.NoError(t, err)
	require.False(t, valid)
	require.Equal(t, uuid.Nil, gotID)

	// Reactivation restores the key without reissuing it.
	user.Active = true
	require.NoError(t, h.repo.UpdateUser(ctx, user))
	_, valid, err = h.svc.VerifyKey(ctx, rawKey)
	require.NoError(t, err)
	require.True(t, valid)
}
