package handlers

import (
	"errors"
	"net/http"

	"example.com/modelgate/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AuthHandler handles login and refresh token requests
type AuthHandler struct {
	tokens service.TokenService
	log    *logrus.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(tokens service.TokenService, log *logrus.Logger) *AuthHandler {
	return &AuthHandler{
		tokens: tokens,
		log:    log,
	}
}

// LoginRequest represents a login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// RefreshRequest represents a refresh or logout request body
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	pair, err := h.tokens.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
			return
		}
		h.log.WithError(err).Error("Login failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to log in"})
		return
	}

	c.JSON(http.StatusOK, pair)
}

// Refresh handles POST /auth/refresh, rotating the presented refresh token
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	pair, err := h.tokens.RotateRefreshToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrTooManyAttempts):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many refresh attempts"})
		case errors.Is(err, service.ErrTokenReuseDetected):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Refresh token reuse detected; session revoked"})
		case errors.Is(err, service.ErrTokenExpired):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Refresh token expired"})
		case errors.Is(err, service.ErrTokenInvalid):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid refresh token"})
		default:
			h.log.WithError(err).Error("Token refresh failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to refresh token"})
		}
		return
	}

	c.JSON(http.StatusOK, pair)
}

// Logout handles POST /auth/logout, revoking the presented refresh token.
// Unknown tokens are treated as already logged out.
func (h *AuthHandler) Logout(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	if err := h.tokens.RevokeRefreshToken(c.Request.Context(), req.RefreshToken); err != nil {
		h.log.WithError(err).Error("Logout failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to log out"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "logged out"})
}
