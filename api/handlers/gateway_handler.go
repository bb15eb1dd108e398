package handlers

import (
	"net/http"

	"example.com/modelgate/api/middleware"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// GatewayHandler serves gatekeeping verdicts for model gateways. The
// downstream model call itself lives in the proxy tier; this endpoint is
// what the proxy consults after the middleware chain has authenticated,
// authorized, and rate-limit-checked the caller.
type GatewayHandler struct {
	log *logrus.Logger
}

// NewGatewayHandler creates a new gateway handler
func NewGatewayHandler(log *logrus.Logger) *GatewayHandler {
	return &GatewayHandler{log: log}
}

// Authorize handles POST /gateway/{gateway}/authorize. Reaching this
// handler means every gate passed, so it reports the admitted identity.
func (h *GatewayHandler) Authorize(c *gin.Context) {
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
		"allowed":     true,
		"user_id":     userID,
		"permissions": permissions,
	})
}
