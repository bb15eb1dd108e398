package service

import (
	"errors"
	"fmt"
)

// Authentication errors returned to the transport layer, which maps the
// whole family to an unauthorized response
var (
	ErrTokenCreation       = errors.New("token creation failed")
	ErrTokenInvalid        = errors.New("token is invalid")
	ErrTokenExpired        = errors.New("token has expired")
	ErrTokenWrongType      = errors.New("token is not an access token")
	ErrTokenMissingSubject = errors.New("token is missing a subject")
	ErrTooManyAttempts     = errors.New("too many refresh attempts")
	ErrInvalidCredentials  = errors.New("invalid username or password")
)

// ErrTokenReuseDetected is a security event: a refresh token was redeemed
// twice. It is always surfaced and always triggers chain revocation first.
var ErrTokenReuseDetected = errors.New("refresh token reuse detected")

// Local validation and infrastructure errors
var (
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrServiceUnavailable = errors.New("service temporarily unavailable")
	ErrResourceNotFound   = errors.New("resource not found")
	ErrDuplicateResource  = errors.New("resource already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
)

// LimitDimension identifies which configured limit a request violated
type LimitDimension string

const (
	DimensionHourlyTokens   LimitDimension = "hourly_tokens"
	DimensionDailyTokens    LimitDimension = "daily_tokens"
	DimensionHourlyRequests LimitDimension = "hourly_requests"
	DimensionDailyRequests  LimitDimension = "daily_requests"
	// DimensionZeroLimit signals an explicit "service disabled" config,
	// distinct from quota exhaustion
	DimensionZeroLimit LimitDimension = "zero_limit"
)

// RateLimitError reports the first violated limit dimension. It matches
// ErrRateLimitExceeded under errors.Is.
type RateLimitError struct {
	Dimension LimitDimension
	Limit     int64
}

func (e *RateLimitError) Error() string {
	if e.Dimension == DimensionZeroLimit {
		return "rate limit exceeded: limits are set to zero"
	}
	return fmt.Sprintf("rate limit exceeded: %s limit (%d)", e.Dimension, e.Limit)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}
