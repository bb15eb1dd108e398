package repository

import (
	"context"
	"errors"
	"time"

	"example.com/modelgate/internal/database"
	"example.com/modelgate/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrTokenAlreadyRevoked reports a refresh-token rotation that raced a
// revocation of the same token. The rotation must not be committed.
var ErrTokenAlreadyRevoked = errors.New("refresh token already revoked")

// UsageTotals aggregates usage-log rows for reporting
type UsageTotals struct {
	Requests    int64
	TokensUsed  int64
	ErrorCount  int64
	GatewayType string
}

// Repository provides data access methods for the credential store
type Repository interface {
	// Transaction support
	WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo Repository) error) error

	// User operations
	CreateUser(ctx context.Context, user *models.User) error
	UpdateUser(ctx context.Context, user *models.User) error
	FindUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	FindUserByUsername(ctx context.Context, username string) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)
	DeleteUser(ctx context.Context, id uuid.UUID) error

	// Role operations
	CreateRole(ctx context.Context, role *models.Role) error
	UpdateRole(ctx context.Context, role *models.Role) error
	FindRoleByID(ctx context.Context, id uuid.UUID) (*models.Role, error)
	FindRoleByName(ctx context.Context, name string) (*models.Role, error)
	ListRoles(ctx context.Context) ([]*models.Role, error)

	// RoleAssignment operations
	CreateRoleAssignment(ctx context.Context, assignment *models.RoleAssignment) error
	FindRoleAssignment(ctx context.Context, userID, roleID uuid.UUID) (*models.RoleAssignment, error)
	ListUserRoleAssignments(ctx context.Context, userID uuid.UUID) ([]*models.RoleAssignment, error)
	DeleteRoleAssignment(ctx context.Context, userID, roleID uuid.UUID) error

	// APIKey operations
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	FindAPIKeyByID(ctx context.Context, id uuid.UUID) (*models.APIKey, error)
	FindAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error)
	FindAPIKeyByUserAndName(ctx context.Context, userID uuid.UUID, name string) (*models.APIKey, error)
	ListUserAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	TouchAPIKey(ctx context.Context, id uuid.UUID, usedAt time.Time) error
	RevokeAPIKey(ctx context.Context, id uuid.UUID, revokedAt time.Time) error
	RevokeAllUserAPIKeys(ctx context.Context, userID uuid.UUID, revokedAt time.Time) error

	// RefreshToken operations
	CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error
	FindRefreshTokenByID(ctx context.Context, id uuid.UUID) (*models.RefreshToken, error)
	FindRefreshTokenByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, id uuid.UUID, revokedAt time.Time) error
	ReplaceRefreshToken(ctx context.Context, oldID uuid.UUID, replacement *models.RefreshToken, revokedAt time.Time) error
	RevokeAllUserRefreshTokens(ctx context.Context, userID uuid.UUID, revokedAt time.Time) error

	// GatewayRateLimit operations
	UpsertRateLimit(ctx context.Context, limit *models.GatewayRateLimit) error
	FindRateLimit(ctx context.Context, userID uuid.UUID, gatewayType string) (*models.GatewayRateLimit, error)
	ListUserRateLimits(ctx context.Context, userID uuid.UUID) ([]*models.GatewayRateLimit, error)
	DeleteRateLimit(ctx context.Context, userID uuid.UUID, gatewayType string) error

	// GatewayUsageLog operations
	CreateUsageLog(ctx context.Context, log *models.GatewayUsageLog) error
	ListUserUsageLogs(ctx context.Context, userID uuid.UUID, limit int) ([]*models.GatewayUsageLog, error)
	UsageTotalsSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]*UsageTotals, error)
	DeleteUsageLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// repo is an implementation of the Repository interface
type repo struct {
	db database.DB
}

// Helper type for transaction support
type dbWrapper struct {
	db *gorm.DB
}

func (w *dbWrapper) DB() (*gorm.DB, error) {
	return w.db, nil
}

func (w *dbWrapper) Close() error {
	return nil
}

// NewRepository creates a new repository instance
func NewRepository(db database.DB) Repository {
	return &repo{
		db: db,
	}
}

// WithTransaction executes the given function within a database transaction
func (r *repo) WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo Repository) error) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txRepo := &repo{
			db: &dbWrapper{db: tx},
		}
		return fn(ctx, txRepo)
	})
}

// User operations implementation

func (r *repo) CreateUser(ctx context.Context, user *models.User) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Create(user).Error
}

func (r *repo) UpdateUser(ctx context.Context, user *models.User) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Save(user).Error
}

func (r *repo) FindUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var user models.User
	if err := gormDB.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &user, nil
}

func (r *repo) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var user models.User
	if err := gormDB.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &user, nil
}

func (r *repo) ListUsers(ctx context.Context) ([]*models.User, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var users []*models.User
	if err := gormDB.WithContext(ctx).Order("username").Find(&users).Error; err != nil {
		return nil, err
	}

	return users, nil
}

func (r *repo) DeleteUser(ctx context.Context, id uuid.UUID) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	// Owned rows are removed by the cascade constraint
	return gormDB.WithContext(ctx).Delete(&models.User{}, "id = ?", id).Error
}

// Role operations implementation

func (r *repo) CreateRole(ctx context.Context, role *models.Role) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Create(role).Error
}

func (r *repo) UpdateRole(ctx context.Context, role *models.Role) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Save(role).Error
}

func (r *repo) FindRoleByID(ctx context.Context, id uuid.UUID) (*models.Role, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var role models.Role
	if err := gormDB.WithContext(ctx).First(&role, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &role, nil
}

func (r *repo) FindRoleByName(ctx context.Context, name string) (*models.Role, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var role models.Role
	if err := gormDB.WithContext(ctx).Where("name = ?", name).First(&role).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &role, nil
}

func (r *repo) ListRoles(ctx context.Context) ([]*models.Role, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var roles []*models.Role
	if err := gormDB.WithContext(ctx).Order("name").Find(&roles).Error; err != nil {
		return nil, err
	}

	return roles, nil
}

// RoleAssignment operations implementation

func (r *repo) CreateRoleAssignment(ctx context.Context, assignment *models.RoleAssignment) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Create(assignment).Error
}

func (r *repo) FindRoleAssignment(ctx context.Context, userID, roleID uuid.UUID) (*models.RoleAssignment, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var assignment models.RoleAssignment
	err = gormDB.WithContext(ctx).
		Where("user_id = ? AND role_id = ?", userID, roleID).
		First(&assignment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &assignment, nil
}

func (r *repo) ListUserRoleAssignments(ctx context.Context, userID uuid.UUID) ([]*models.RoleAssignment, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var assignments []*models.RoleAssignment
	err = gormDB.WithContext(ctx).
		Preload("Role").
		Where("user_id = ?", userID).
		Find(&assignments).Error
	if err != nil {
		return nil, err
	}

	return assignments, nil
}

func (r *repo) DeleteRoleAssignment(ctx context.Context, userID, roleID uuid.UUID) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).
		Where("user_id = ? AND role_id = ?", userID, roleID).
		Delete(&models.RoleAssignment{}).Error
}

// APIKey operations implementation

func (r *repo) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Create(key).Error
}

func (r *repo) FindAPIKeyByID(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var key models.APIKey
	if err := gormDB.WithContext(ctx).First(&key, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &key, nil
}

func (r *repo) FindAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var key models.APIKey
	if err := gormDB.WithContext(ctx).Where("key_hash = ?", keyHash).First(&key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &key, nil
}

func (r *repo) FindAPIKeyByUserAndName(ctx context.Context, userID uuid.UUID, name string) (*models.APIKey, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var key models.APIKey
	err = gormDB.WithContext(ctx).
		Where("user_id = ? AND name = ?", userID, name).
		First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &key, nil
}

func (r *repo) ListUserAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var keys []*models.APIKey
	err = gormDB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&keys).Error
	if err != nil {
		return nil, err
	}

	return keys, nil
}

func (r *repo) TouchAPIKey(ctx context.Context, id uuid.UUID, usedAt time.Time) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).
		Model(&models.APIKey{}).
		Where("id = ?", id).
		Update("last_used_at", usedAt).Error
}

func (r *repo) RevokeAPIKey(ctx context.Context, id uuid.UUID, revokedAt time.Time) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).
		Model(&models.APIKey{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", revokedAt).Error
}

func (r *repo) RevokeAllUserAPIKeys(ctx context.Context, userID uuid.UUID, revokedAt time.Time) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).
		Model(&models.APIKey{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", revokedAt).Error
}

// RefreshToken operations implementation

func (r *repo) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Create(token).Error
}

func (r *repo) FindRefreshTokenByID(ctx context.Context, id uuid.UUID) (*models.RefreshToken, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var token models.RefreshToken
	if err := gormDB.WithContext(ctx).First(&token, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &token, nil
}

func (r *repo) FindRefreshTokenByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var token models.RefreshToken
	if err := gormDB.WithContext(ctx).Where("token_hash = ?", tokenHash).First(&token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &token, nil
}

func (r *repo) RevokeRefreshToken(ctx context.Context, id uuid.UUID, revokedAt time.Time) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).
		Model(&models.RefreshToken{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", revokedAt).Error
}

// ReplaceRefreshToken persists a rotation atomically: the replacement row is
// created and the old token is marked revoked and linked to its successor in
// a single transaction. A rotation whose old token was revoked in the
// meantime, e.g. by a reuse-breach chain revocation, fails with
// ErrTokenAlreadyRevoked and leaves no replacement behind.
func (r *repo) ReplaceRefreshToken(ctx context.Context, oldID uuid.UUID, replacement *models.RefreshToken, revokedAt time.Time) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(replacement).Error; err != nil {
			return err
		}
		res := tx.Model(&models.RefreshToken{}).
			Where("id = ? AND revoked_at IS NULL", oldID).
			Updates(map[string]interface{}{
				"revoked_at":     revokedAt,
				"replaced_by_id": replacement.ID,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrTokenAlreadyRevoked
		}
		return nil
	})
}

func (r *repo) RevokeAllUserRefreshTokens(ctx context.Context, userID uuid.UUID, revokedAt time.Time) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).
		Model(&models.RefreshToken{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", revokedAt).Error
}

// GatewayRateLimit operations implementation

func (r *repo) UpsertRateLimit(ctx context.Context, limit *models.GatewayRateLimit) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	// Single-statement upsert against the (user_id, gateway_type) unique
	// index so concurrent admin writes cannot race a find-then-save.
	return gormDB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "gateway_type"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"token_limit_hourly",
			"token_limit_daily",
			"request_limit_hourly",
			"request_limit_daily",
			"updated_at",
		}),
	}).Create(limit).Error
}

func (r *repo) FindRateLimit(ctx context.Context, userID uuid.UUID, gatewayType string) (*models.GatewayRateLimit, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var limit models.GatewayRateLimit
	err = gormDB.WithContext(ctx).
		Where("user_id = ? AND gateway_type = ?", userID, gatewayType).
		First(&limit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &limit, nil
}

func (r *repo) ListUserRateLimits(ctx context.Context, userID uuid.UUID) ([]*models.GatewayRateLimit, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var limits []*models.GatewayRateLimit
	err = gormDB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("gateway_type").
		Find(&limits).Error
	if err != nil {
		return nil, err
	}

	return limits, nil
}

func (r *repo) DeleteRateLimit(ctx context.Context, userID uuid.UUID, gatewayType string) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).
		Where("user_id = ? AND gateway_type = ?", userID, gatewayType).
		Delete(&models.GatewayRateLimit{}).Error
}

// GatewayUsageLog operations implementation

func (r *repo) CreateUsageLog(ctx context.Context, log *models.GatewayUsageLog) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Create(log).Error
}

func (r *repo) ListUserUsageLogs(ctx context.Context, userID uuid.UUID, limit int) ([]*models.GatewayUsageLog, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var logs []*models.GatewayUsageLog
	query := gormDB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&logs).Error; err != nil {
		return nil, err
	}

	return logs, nil
}

func (r *repo) UsageTotalsSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]*UsageTotals, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var totals []*UsageTotals
	err = gormDB.WithContext(ctx).
		Model(&models.GatewayUsageLog{}).
		Select("gateway_type, COUNT(*) AS requests, COALESCE(SUM(tokens_used), 0) AS tokens_used, COUNT(CASE WHEN error_message <> '' THEN 1 END) AS error_count").
		Where("user_id = ? AND timestamp >= ?", userID, since).
		Group("gateway_type").
		Scan(&totals).Error
	if err != nil {
		return nil, err
	}

	return totals, nil
}

func (r *repo) DeleteUsageLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return 0, err
	}

	result := gormDB.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&models.GatewayUsageLog{})
	if result.Error != nil {
		return 0, result.Error
	}

	return result.RowsAffected, nil
}
