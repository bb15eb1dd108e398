package service

import (
	"context"
	"fmt"
	"time"

	"example.com/modelgate/config"
	"example.com/modelgate/internal/cache"
	"example.com/modelgate/internal/models"
	"example.com/modelgate/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const apiKeyCachePrefix = "apikey:"

// APIKeyService manages opaque API keys with a read-through verification cache
type APIKeyService interface {
	CreateKey(ctx context.Context, userID uuid.UUID, name, description string, expiresAt *time.Time) (string, *models.APIKey, error)
	VerifyKey(ctx context.Context, rawKey string) (uuid.UUID, bool, error)
	RevokeKey(ctx context.Context, keyID uuid.UUID) error
	RevokeAllUserKeys(ctx context.Context, userID uuid.UUID) error
	InvalidateUserCache(ctx context.Context, userID uuid.UUID) error
	ListKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
}

// apiKeyService is an implementation of the APIKeyService interface
type apiKeyService struct {
	repo     repository.Repository
	cache    cache.RedisClient
	log      *logrus.Logger
	salt     string
	cacheTTL time.Duration
	now      func() time.Time
}

// NewAPIKeyService creates a new API key service instance
func NewAPIKeyService(repo repository.Repository, redisClient cache.RedisClient, log *logrus.Logger, cfg config.AuthConfig) APIKeyService {
	cacheTTL := cfg.APIKeyCacheTTL
	if cacheTTL == 0 {
		cacheTTL = 5 * time.Minute
	}

	return &apiKeyService{
		repo:     repo,
		cache:    redisClient,
		log:      log,
		salt:     cfg.APIKeySalt,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// CreateKey generates a new opaque API key for a user. The raw key is
// returned exactly once; only its salted hash is stored.
func (s *apiKeyService) CreateKey(ctx context.Context, userID uuid.UUID, name, description string, expiresAt *time.Time) (string, *models.APIKey, error) {
	if name != "" {
		existing, err := s.repo.FindAPIKeyByUserAndName(ctx, userID, name)
		if err != nil {
			return "", nil, fmt.Errorf("checking key name: %w", err)
		}
		if existing != nil {
			return "", nil, fmt.Errorf("API key %q for user %s: %w", name, userID, ErrDuplicateResource)
		}
	}

	rawKey, err := models.GenerateAPIKey()
	if err != nil {
		return "", nil, fmt.Errorf("generating API key: %w", err)
	}

	key := &models.APIKey{
		UserID:      userID,
		Name:        name,
		Description: description,
		KeyHash:     models.HashAPIKey(rawKey, s.salt),
		ExpiresAt:   expiresAt,
	}
	if err := s.repo.CreateAPIKey(ctx, key); err != nil {
		return "", nil, fmt.Errorf("persisting API key: %w", err)
	}

	return rawKey, key, nil
}

// VerifyKey resolves a raw API key to its owner. An unknown, expired or
// revoked key is a plain not-found result, not an error; errors are reserved
// for unexpected store failures. Verified lookups are cached for the
// configured TTL so the hot path skips the relational store.
func (s *apiKeyService) VerifyKey(ctx context.Context, rawKey string) (uuid.UUID, bool, error) {
	hash := models.HashAPIKey(rawKey, s.salt)
	cacheKey := apiKeyCachePrefix + hash

	cached, err := s.cache.Get(ctx, cacheKey)
	if err == nil {
		userID, parseErr := uuid.Parse(cached)
		if parseErr == nil {
			return userID, true, nil
		}
	} else if err != cache.ErrCacheMiss {
		// Cache trouble must not block verification; fall through to
		// the store.
		s.log.WithError(err).Warn("API key cache lookup failed")
	}

	key, err := s.repo.FindAPIKeyByHash(ctx, hash)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("looking up API key: %w", ErrServiceUnavailable)
	}
	if key == nil || !key.IsValid(s.now()) {
		return uuid.Nil, false, nil
	}

	// A key is only as good as its owner's standing.
	user, err := s.repo.FindUserByID(ctx, key.UserID)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("looking up key owner: %w", ErrServiceUnavailable)
	}
	if user == nil || !user.Active {
		return uuid.Nil, false, nil
	}

	// Best-effort side effects: neither may fail the verification.
	if err := s.repo.TouchAPIKey(ctx, key.ID, s.now().UTC()); err != nil {
		s.log.WithError(err).WithField("key_id", key.ID).Warn("Failed to update API key last_used_at")
	}
	if err := s.cache.Set(ctx, cacheKey, key.UserID.String(), s.cacheTTL); err != nil {
		s.log.WithError(err).Warn("Failed to populate API key cache")
	}

	return key.UserID, true, nil
}

// RevokeKey revokes an API key by id and invalidates its cache entry
func (s *apiKeyService) RevokeKey(ctx context.Context, keyID uuid.UUID) error {
	key, err := s.repo.FindAPIKeyByID(ctx, keyID)
	if err != nil {
		return fmt.Errorf("looking up API key: %w", err)
	}
	if key == nil {
		return fmt.Errorf("API key %s: %w", keyID, ErrResourceNotFound)
	}

	if err := s.repo.RevokeAPIKey(ctx, keyID, s.now().UTC()); err != nil {
		return fmt.Errorf("revoking API key: %w", err)
	}

	if err := s.cache.Delete(ctx, apiKeyCachePrefix+key.KeyHash); err != nil {
		s.log.WithError(err).WithField("key_id", keyID).Warn("Failed to invalidate API key cache entry")
	}
	return nil
}

// RevokeAllUserKeys revokes every key belonging to a user and invalidates
// their cache entries
func (s *apiKeyService) RevokeAllUserKeys(ctx context.Context, userID uuid.UUID) error {
	keys, err := s.repo.ListUserAPIKeys(ctx, userID)
	if err != nil {
		return fmt.Errorf("listing API keys: %w", err)
	}

	if err := s.repo.RevokeAllUserAPIKeys(ctx, userID, s.now().UTC()); err != nil {
		return fmt.Errorf("revoking API keys: %w", err)
	}

	cacheKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		cacheKeys = append(cacheKeys, apiKeyCachePrefix+key.KeyHash)
	}
	if err := s.cache.Delete(ctx, cacheKeys...); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("Failed to invalidate API key cache entries")
	}
	return nil
}

// InvalidateUserCache drops the cached verification entries for all of a
// user's keys, forcing the next verification of each through the store.
// Called when the owner's standing changes, e.g. on account deactivation.
func (s *apiKeyService) InvalidateUserCache(ctx context.Context, userID uuid.UUID) error {
	keys, err := s.repo.ListUserAPIKeys(ctx, userID)
	if err != nil {
		return fmt.Errorf("listing API keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	cacheKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		cacheKeys = append(cacheKeys, apiKeyCachePrefix+key.KeyHash)
	}
	return s.cache.Delete(ctx, cacheKeys...)
}

// ListKeys returns all keys belonging to a user, most recent first
func (s *apiKeyService) ListKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	return s.repo.ListUserAPIKeys(ctx, userID)
}
