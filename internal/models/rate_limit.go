package models

import (
	"time"

	"github.com/google/uuid"
)

// WildcardGateway is the reserved gateway type whose limits aggregate
// consumption across all of a user's gateways
const WildcardGateway = "*"

// GatewayRateLimit holds the configured limits for one (user, gateway) pair.
// A nil limit field means unlimited; an explicit zero means the service is
// disabled for that user.
type GatewayRateLimit struct {
	Model
	UserID             uuid.UUID `json:"user_id" gorm:"type:uuid;Column:user_id;index:idx_user_gateway,unique"`
	GatewayType        string    `json:"gateway_type" gorm:"Column:gateway_type;index:idx_user_gateway,unique"`
	TokenLimitHourly   *int64    `json:"token_limit_hourly,omitempty" gorm:"Column:token_limit_hourly"`
	TokenLimitDaily    *int64    `json:"token_limit_daily,omitempty" gorm:"Column:token_limit_daily"`
	RequestLimitHourly *int64    `json:"request_limit_hourly,omitempty" gorm:"Column:request_limit_hourly"`
	RequestLimitDaily  *int64    `json:"request_limit_daily,omitempty" gorm:"Column:request_limit_daily"`
}

// HasZeroLimit reports whether any configured limit is an explicit zero,
// which disables the service entirely for this user
func (l *GatewayRateLimit) HasZeroLimit() bool {
	for _, limit := range []*int64{l.TokenLimitHourly, l.TokenLimitDaily, l.RequestLimitHourly, l.RequestLimitDaily} {
		if limit != nil && *limit == 0 {
			return true
		}
	}
	return false
}

// GatewayUsageLog is an append-only record of one completed gatekept call.
// Rows are never mutated after insert; live counters are kept in Redis.
type GatewayUsageLog struct {
	Model
	UserID          uuid.UUID `json:"user_id" gorm:"type:uuid;Column:user_id;index"`
	GatewayType     string    `json:"gateway_type" gorm:"Column:gateway_type"`
	Endpoint        string    `json:"endpoint" gorm:"Column:endpoint"`
	TokensUsed      *int64    `json:"tokens_used,omitempty" gorm:"Column:tokens_used"`
	ModelName       string    `json:"model_name" gorm:"Column:model_name"`
	RequestDuration *int64    `json:"request_duration,omitempty" gorm:"Column:request_duration"` // milliseconds
	StatusCode      *int      `json:"status_code,omitempty" gorm:"Column:status_code"`
	ErrorMessage    string    `json:"error_message" gorm:"Column:error_message"`
	Timestamp       time.Time `json:"timestamp" gorm:"Column:timestamp;index"`
}
