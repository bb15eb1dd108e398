package middleware

import (
	"errors"
	"net/http"
	"strings"

	"example.com/modelgate/internal/models"
	"example.com/modelgate/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// contextKey is a type for context keys
type contextKey string

// Context keys
const (
	UserIDContextKey      contextKey = "user_id"
	PermissionsContextKey contextKey = "permissions"
)

// Authenticate validates the Authorization header and stores the caller's
// identity and permission set in the request context. Bearer values starting
// with the API key prefix are verified as opaque keys; everything else is
// parsed as a signed access token.
func Authenticate(tokens service.TokenService, keys service.APIKeyService, roles service.RoleService, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")

		// Check if Authorization header is present
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header required",
			})
			c.Abort()
			return
		}

		// Extract credential from header
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid Authorization header format. Expected: 'Bearer {token}'",
			})
			c.Abort()
			return
		}

		credential := parts[1]

		var (
			userID      uuid.UUID
			permissions []models.Permission
		)

		if strings.HasPrefix(credential, models.APIKeyPrefix) {
			id, valid, err := keys.VerifyKey(c.Request.Context(), credential)
			if err != nil {
				log.WithError(err).Error("API key verification unavailable")
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"error": "Authentication temporarily unavailable",
				})
				c.Abort()
				return
			}
			if !valid {
				log.Warn("Invalid API key")
				c.JSON(http.StatusUnauthorized, gin.H{
					"error": "Invalid API key",
				})
				c.Abort()
				return
			}

			perms, err := roles.GetUserPermissions(c.Request.Context(), id)
			if err != nil {
				log.WithError(err).Error("Failed to resolve permissions")
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"error": "Authentication temporarily unavailable",
				})
				c.Abort()
				return
			}
			userID, permissions = id, perms
		} else {
			id, perms, err := tokens.VerifyAccessToken(credential)
			if err != nil {
				if errors.Is(err, service.ErrTokenExpired) {
					c.JSON(http.StatusUnauthorized, gin.H{
						"error": "Access token expired",
					})
				} else {
					log.WithError(err).Warn("Invalid access token")
					c.JSON(http.StatusUnauthorized, gin.H{
						"error": "Invalid access token",
					})
				}
				c.Abort()
				return
			}
			userID, permissions = id, perms
		}

		c.Set(string(UserIDContextKey), userID)
		c.Set(string(PermissionsContextKey), permissions)

		c.Next()
	}
}

// RequirePermission aborts with 403 unless the authenticated caller holds
// the given permission. Must run after Authenticate.
func RequirePermission(perm models.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		permissions, err := GetPermissionsFromContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
			})
			c.Abort()
			return
		}

		for _, p := range permissions {
			if p == perm {
				c.Next()
				return
			}
		}

		c.JSON(http.StatusForbidden, gin.H{
			"error": "Insufficient permissions",
		})
		c.Abort()
	}
}

// GetUserIDFromContext retrieves the authenticated user ID from the context
func GetUserIDFromContext(c *gin.Context) (uuid.UUID, error) {
	val, exists := c.Get(string(UserIDContextKey))
	if !exists {
		return uuid.Nil, errors.New("user not found in context")
	}

	id, ok := val.(uuid.UUID)
	if !ok {
		return uuid.Nil, errors.New("user in context has incorrect type")
	}

	return id, nil
}

// GetPermissionsFromContext retrieves the caller's permission set from the context
func GetPermissionsFromContext(c *gin.Context) ([]models.Permission, error) {
	val, exists := c.Get(string(PermissionsContextKey))
	if !exists {
		return nil, errors.New("permissions not found in context")
	}

	perms, ok := val.([]models.Permission)
	if !ok {
		return nil, errors.New("permissions in context have incorrect type")
	}

	return perms, nil
}
