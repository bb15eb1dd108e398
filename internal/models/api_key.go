package models

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// APIKeyPrefix makes raw keys recognizable in logs and request headers
const APIKeyPrefix = "pk_"

const apiKeyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// APIKey represents an opaque API credential. Only the salted hash of the
// raw key is stored; the raw value is returned once at creation.
type APIKey struct {
	Model
	UserID      uuid.UUID  `json:"user_id" gorm:"type:uuid;Column:user_id;index"`
	Name        string     `json:"name" gorm:"Column:name"`
	Description string     `json:"description" gorm:"Column:description"`
	KeyHash     string     `json:"-" gorm:"uniqueIndex;Column:key_hash"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" gorm:"Column:expires_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty" gorm:"Column:last_used_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty" gorm:"Column:revoked_at"`
}

// GenerateAPIKey creates a new raw API key with the recognizable prefix
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 32)
	max := big.NewInt(int64(len(apiKeyAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = apiKeyAlphabet[n.Int64()]
	}
	return APIKeyPrefix + string(buf), nil
}

// HashAPIKey produces the salted lookup hash for a raw key
func HashAPIKey(rawKey, salt string) string {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(rawKey))
	return hex.EncodeToString(mac.Sum(nil))
}

// IsExpired reports whether the key has passed its expiry time
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// IsRevoked reports whether the key has been revoked
func (k *APIKey) IsRevoked() bool {
	return k.RevokedAt != nil
}

// IsValid reports whether the key can still authenticate requests
func (k *APIKey) IsValid(now time.Time) bool {
	return !k.IsExpired(now) && !k.IsRevoked()
}
