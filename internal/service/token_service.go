package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/modelgate/config"
	"example.com/modelgate/internal/cache"
	"example.com/modelgate/internal/messaging"
	"example.com/modelgate/internal/models"
	"example.com/modelgate/internal/repository"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	refreshAttemptKeyPrefix  = "refresh_attempts:"
	refreshConsumedKeyPrefix = "refresh_consumed:"
)

// TokenPair is the result of a login or a refresh-token rotation
type TokenPair struct {
	AccessToken  string              `json:"access_token"`
	RefreshToken string              `json:"refresh_token"`
	TokenType    string              `json:"token_type"`
	ExpiresIn    int64               `json:"expires_in"`
	Permissions  []models.Permission `json:"permissions,omitempty"`
}

// TokenService issues and verifies access tokens and manages the refresh
// token rotation chain, including reuse-breach detection
type TokenService interface {
	IssueAccessToken(userID uuid.UUID, permissions []models.Permission) (string, error)
	VerifyAccessToken(token string) (uuid.UUID, []models.Permission, error)
	IssueRefreshToken(ctx context.Context, userID uuid.UUID) (string, *models.RefreshToken, error)
	RotateRefreshToken(ctx context.Context, rawToken string) (*TokenPair, error)
	RevokeRefreshToken(ctx context.Context, rawToken string) error
	RevokeAllUserTokens(ctx context.Context, userID uuid.UUID) error
	Login(ctx context.Context, username, password string) (*TokenPair, error)
}

// tokenService is an implementation of the TokenService interface
type tokenService struct {
	repo   repository.Repository
	cache  cache.RedisClient
	roles  RoleService
	events messaging.SecurityEventPublisher
	log    *logrus.Logger
	cfg    config.AuthConfig
	now    func() time.Time
}

// NewTokenService creates a new token service instance
func NewTokenService(
	repo repository.Repository,
	redisClient cache.RedisClient,
	roles RoleService,
	events messaging.SecurityEventPublisher,
	log *logrus.Logger,
	cfg config.AuthConfig,
) TokenService {
	if cfg.AccessTokenTTL == 0 {
		cfg.AccessTokenTTL = time.Hour
	}
	if cfg.RefreshTokenTTL == 0 {
		cfg.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if cfg.RefreshAttemptLimit == 0 {
		cfg.RefreshAttemptLimit = 5
	}
	if cfg.RefreshAttemptWindow == 0 {
		cfg.RefreshAttemptWindow = time.Minute
	}
	if cfg.ReuseDetectionWindow == 0 {
		cfg.ReuseDetectionWindow = time.Minute
	}

	return &tokenService{
		repo:   repo,
		cache:  redisClient,
		roles:  roles,
		events: events,
		log:    log,
		cfg:    cfg,
		now:    time.Now,
	}
}

// IssueAccessToken mints a signed access token for the user, optionally
// embedding a permission snapshot
func (s *tokenService) IssueAccessToken(userID uuid.UUID, permissions []models.Permission) (string, error) {
	if s.cfg.JWTSecret == "" {
		return "", fmt.Errorf("signing key not configured: %w", ErrTokenCreation)
	}

	now := s.now().UTC()
	claims := jwt.MapClaims{
		"sub":  userID.String(),
		"type": "access",
		"iat":  now.Unix(),
		"exp":  now.Add(s.cfg.AccessTokenTTL).Unix(),
	}
	if len(permissions) > 0 {
		claims["permissions"] = permissions
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", ErrTokenCreation)
	}
	return signed, nil
}

// VerifyAccessToken validates the signature and expiry of an access token
// and returns the subject and any embedded permission snapshot
func (s *tokenService) VerifyAccessToken(token string) (uuid.UUID, []models.Permission, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return uuid.Nil, nil, ErrTokenExpired
		}
		return uuid.Nil, nil, ErrTokenInvalid
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, nil, ErrTokenInvalid
	}

	if tokenType, _ := claims["type"].(string); tokenType != "access" {
		return uuid.Nil, nil, ErrTokenWrongType
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return uuid.Nil, nil, ErrTokenMissingSubject
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, nil, ErrTokenMissingSubject
	}

	var permissions []models.Permission
	if raw, ok := claims["permissions"].([]interface{}); ok {
		for _, p := range raw {
			if str, ok := p.(string); ok {
				permissions = append(permissions, models.Permission(str))
			}
		}
	}

	return userID, permissions, nil
}

// IssueRefreshToken generates a high-entropy refresh token and persists only
// its hash. The raw value is returned once and never again.
func (s *tokenService) IssueRefreshToken(ctx context.Context, userID uuid.UUID) (string, *models.RefreshToken, error) {
	raw, err := models.GenerateRefreshToken()
	if err != nil {
		return "", nil, fmt.Errorf("generating refresh token: %w", ErrTokenCreation)
	}

	now := s.now().UTC()
	record := &models.RefreshToken{
		UserID:    userID,
		TokenHash: models.HashRefreshToken(raw),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
	}
	if err := s.repo.CreateRefreshToken(ctx, record); err != nil {
		return "", nil, fmt.Errorf("persisting refresh token: %w", err)
	}

	return raw, record, nil
}

// RotateRefreshToken exchanges a valid refresh token for a new access and
// refresh pair. A token redeemed twice inside the reuse-detection window is
// treated as stolen: its whole rotation chain is revoked and
// ErrTokenReuseDetected is returned.
func (s *tokenService) RotateRefreshToken(ctx context.Context, rawToken string) (*TokenPair, error) {
	hash := models.HashRefreshToken(rawToken)

	// Attempt limiter first, independent of token validity, to blunt
	// brute-force guessing of raw token values.
	attempts, err := s.cache.IncrWithWindow(ctx, refreshAttemptKeyPrefix+hash, s.cfg.RefreshAttemptWindow)
	if err != nil {
		return nil, fmt.Errorf("refresh attempt limiter: %w", ErrServiceUnavailable)
	}
	if attempts > int64(s.cfg.RefreshAttemptLimit) {
		return nil, ErrTooManyAttempts
	}

	record, err := s.repo.FindRefreshTokenByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("looking up refresh token: %w", err)
	}
	if record == nil {
		return nil, ErrTokenInvalid
	}

	now := s.now().UTC()

	// Reuse check before the validity check: a token that was already
	// rotated is exactly what a replayed rotation looks like.
	consumedKey := refreshConsumedKeyPrefix + hash
	if _, err := s.cache.Get(ctx, consumedKey); err == nil {
		return nil, s.handleReuse(ctx, record)
	} else if err != cache.ErrCacheMiss {
		return nil, fmt.Errorf("reuse marker lookup: %w", ErrServiceUnavailable)
	}

	if record.IsExpired(now) {
		return nil, ErrTokenExpired
	}
	if !record.IsValid(now) {
		return nil, ErrTokenInvalid
	}

	user, err := s.repo.FindUserByID(ctx, record.UserID)
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	if user == nil || !user.Active {
		return nil, ErrTokenInvalid
	}

	// The consumed marker is the linearization point for concurrent
	// rotations of the same raw token: the loser of the SetNX race must
	// treat its attempt as a replay.
	set, err := s.cache.SetNX(ctx, consumedKey, record.ID.String(), s.cfg.ReuseDetectionWindow)
	if err != nil {
		return nil, fmt.Errorf("setting reuse marker: %w", ErrServiceUnavailable)
	}
	if !set {
		return nil, s.handleReuse(ctx, record)
	}

	permissions, err := s.roles.GetUserPermissions(ctx, record.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolving permissions: %w", err)
	}

	accessToken, err := s.IssueAccessToken(record.UserID, permissions)
	if err != nil {
		return nil, err
	}

	newRaw, err := models.GenerateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("generating refresh token: %w", ErrTokenCreation)
	}
	replacement := &models.RefreshToken{
		UserID:    record.UserID,
		TokenHash: models.HashRefreshToken(newRaw),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
	}

	if err := s.repo.ReplaceRefreshToken(ctx, record.ID, replacement, now); err != nil {
		if errors.Is(err, repository.ErrTokenAlreadyRevoked) {
			// The token was revoked underneath us, e.g. by a
			// concurrent reuse-breach response. The rotation must
			// not resurrect the chain.
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("rotating refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: newRaw,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.cfg.AccessTokenTTL.Seconds()),
		Permissions:  permissions,
	}, nil
}

// handleReuse revokes the whole rotation chain descending from the replayed
// token and reports the breach. The event is recorded before the error is
// returned so it is never silently lost.
func (s *tokenService) handleReuse(ctx context.Context, record *models.RefreshToken) error {
	revoked, err := s.revokeChain(ctx, record)
	if err != nil {
		s.log.WithError(err).WithField("token_id", record.ID).
			Error("Failed to revoke refresh token chain after reuse")
	}

	s.log.WithFields(logrus.Fields{
		"user_id":        record.UserID,
		"token_id":       record.ID,
		"tokens_revoked": revoked,
	}).Warn("Refresh token reuse detected, chain revoked")

	// Best-effort audit trail: queue event plus usage-log entry. Neither
	// may mask the reuse error itself.
	event := messaging.SecurityEvent{
		Type:      messaging.EventTokenReuseDetected,
		UserID:    record.UserID.String(),
		TokenID:   record.ID.String(),
		Detail:    fmt.Sprintf("rotation chain revoked (%d tokens)", revoked),
		Timestamp: s.now().UTC(),
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.WithError(err).Warn("Failed to publish token reuse event")
	}

	usageLog := &models.GatewayUsageLog{
		UserID:       record.UserID,
		GatewayType:  "auth",
		Endpoint:     "/auth/refresh",
		ErrorMessage: ErrTokenReuseDetected.Error(),
		Timestamp:    s.now().UTC(),
	}
	if err := s.repo.CreateUsageLog(ctx, usageLog); err != nil {
		s.log.WithError(err).Warn("Failed to record token reuse in usage log")
	}

	return ErrTokenReuseDetected
}

// revokeChain walks the replaced_by chain from the given token to its end,
// revoking every descendant, and returns how many tokens were revoked
func (s *tokenService) revokeChain(ctx context.Context, start *models.RefreshToken) (int, error) {
	revoked := 0
	now := s.now().UTC()

	err := s.repo.WithTransaction(ctx, func(ctx context.Context, txRepo repository.Repository) error {
		// The caller's copy may predate a concurrent rotation that has
		// since linked a successor; re-read it so the walk sees the
		// committed replaced_by chain.
		current, err := txRepo.FindRefreshTokenByID(ctx, start.ID)
		if err != nil {
			return err
		}
		if current == nil {
			current = start
		}

		seen := make(map[uuid.UUID]bool)
		for current != nil && !seen[current.ID] {
			seen[current.ID] = true
			if err := txRepo.RevokeRefreshToken(ctx, current.ID, now); err != nil {
				return err
			}
			revoked++

			if current.ReplacedByID == nil {
				break
			}
			next, err := txRepo.FindRefreshTokenByID(ctx, *current.ReplacedByID)
			if err != nil {
				return err
			}
			current = next
		}
		return nil
	})

	return revoked, err
}

// RevokeRefreshToken revokes a single refresh token. Revoking an unknown or
// already revoked token is a no-op.
func (s *tokenService) RevokeRefreshToken(ctx context.Context, rawToken string) error {
	record, err := s.repo.FindRefreshTokenByHash(ctx, models.HashRefreshToken(rawToken))
	if err != nil {
		return fmt.Errorf("looking up refresh token: %w", err)
	}
	if record == nil || record.RevokedAt != nil {
		return nil
	}
	return s.repo.RevokeRefreshToken(ctx, record.ID, s.now().UTC())
}

// RevokeAllUserTokens revokes every outstanding refresh token for a user
func (s *tokenService) RevokeAllUserTokens(ctx context.Context, userID uuid.UUID) error {
	if err := s.repo.RevokeAllUserRefreshTokens(ctx, userID, s.now().UTC()); err != nil {
		return fmt.Errorf("revoking user refresh tokens: %w", err)
	}

	event := messaging.SecurityEvent{
		Type:      messaging.EventBulkRevocation,
		UserID:    userID.String(),
		Timestamp: s.now().UTC(),
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.WithError(err).Warn("Failed to publish bulk revocation event")
	}
	return nil
}

// Login authenticates a username and password and mints a token pair
func (s *tokenService) Login(ctx context.Context, username, password string) (*TokenPair, error) {
	user, err := s.repo.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	if user == nil || !user.Active || !user.VerifyPassword(password) {
		return nil, ErrInvalidCredentials
	}

	permissions, err := s.roles.GetUserPermissions(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("resolving permissions: %w", err)
	}

	accessToken, err := s.IssueAccessToken(user.ID, permissions)
	if err != nil {
		return nil, err
	}

	rawRefresh, _, err := s.IssueRefreshToken(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: rawRefresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.cfg.AccessTokenTTL.Seconds()),
		Permissions:  permissions,
	}, nil
}
