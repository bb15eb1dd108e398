package handlers

import (
	"net/http"
	"strconv"
	"time"

	"example.com/modelgate/api/middleware"
	"example.com/modelgate/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AccountHandler serves the authenticated caller's own identity, limits,
// and usage
type AccountHandler struct {
	roles   service.RoleService
	limiter service.RateLimitService
	log     *logrus.Logger
}

// NewAccountHandler creates a new account handler
func NewAccountHandler(roles service.RoleService, limiter service.RateLimitService, log *logrus.Logger) *AccountHandler {
	return &AccountHandler{
		roles:   roles,
		limiter: limiter,
		log:     log,
	}
}

// Profile handles GET /me
func (h *AccountHandler) Profile(c *gin.Context) {
	userID, err := middleware.GetUserIDFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	permissions, err := middleware.GetPermissionsFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":     userID,
		"permissions": permissions,
	})
}

// Limits handles GET /me/limits
func (h *AccountHandler) Limits(c *gin.Context) {
	userID, err := middleware.GetUserIDFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	limits, err := h.limiter.GetLimits(c.Request.Context(), userID)
	if err != nil {
		h.log.WithError(err).Error("Failed to list rate limits")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve limits"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"limits": limits})
}

// Usage handles GET /me/usage?hours=24
func (h *AccountHandler) Usage(c *gin.Context) {
	userID, err := middleware.GetUserIDFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	hours := 24
	if raw := c.Query("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid hours parameter"})
			return
		}
		hours = n
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	totals, err := h.limiter.UsageReport(c.Request.Context(), userID, since)
	if err != nil {
		h.log.WithError(err).Error("Failed to aggregate usage")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve usage"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"since": since,
		"usage": totals,
	})
}
