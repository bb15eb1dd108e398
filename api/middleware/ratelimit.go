package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"example.com/modelgate/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Context key under which a handler may report the token count consumed by
// the downstream call, so the recording phase can attribute it.
const TokensUsedContextKey contextKey = "tokens_used"

// RateLimit enforces the caller's consumption limits for one gateway. The
// check phase runs before the handler, using the optional X-Estimated-Tokens
// header as the token estimate; the record phase runs after, with the
// observed status, duration, and any token count the handler reported.
// Must run after Authenticate.
func RateLimit(limiter service.RateLimitService, gatewayType string, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := GetUserIDFromContext(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
			})
			c.Abort()
			return
		}

		var estimate *int64
		if raw := c.GetHeader("X-Estimated-Tokens"); raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": "Invalid X-Estimated-Tokens header",
				})
				c.Abort()
				return
			}
			estimate = &n
		}

		if err := limiter.CheckBeforeUse(c.Request.Context(), userID, gatewayType, estimate); err != nil {
			var rlErr *service.RateLimitError
			switch {
			case errors.As(err, &rlErr):
				c.JSON(http.StatusTooManyRequests, gin.H{
					"error":     "Rate limit exceeded: " + string(rlErr.Dimension),
					"dimension": rlErr.Dimension,
				})
			case errors.Is(err, service.ErrInvalidArgument):
				c.JSON(http.StatusBadRequest, gin.H{
					"error": "Invalid token estimate",
				})
			default:
				log.WithError(err).Error("Rate limit check unavailable")
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"error": "Rate limiting temporarily unavailable",
				})
			}
			c.Abort()
			return
		}

		start := time.Now()
		c.Next()

		duration := time.Since(start).Milliseconds()
		status := c.Writer.Status()

		var tokens *int64
		if val, exists := c.Get(string(TokensUsedContextKey)); exists {
			if n, ok := val.(int64); ok {
				tokens = &n
			}
		}

		usage := service.UsageRecord{
			Endpoint:   c.FullPath(),
			Tokens:     tokens,
			Duration:   &duration,
			StatusCode: &status,
		}
		if status >= 400 {
			usage.ErrorMessage = http.StatusText(status)
		}

		if err := limiter.RecordUsage(c.Request.Context(), userID, gatewayType, usage); err != nil {
			// The response is already committed; recording is best effort.
			log.WithError(err).Error("Failed to record gateway usage")
		}
	}
}
