package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// RefreshTokenPrefix makes raw refresh tokens recognizable
const RefreshTokenPrefix = "rt_"

// RefreshToken represents one link in a rotation chain. Only the hash of the
// raw token is stored. Once ReplacedByID is set the token is terminal and can
// never again head a rotation.
type RefreshToken struct {
	Model
	UserID       uuid.UUID  `json:"user_id" gorm:"type:uuid;Column:user_id;index"`
	TokenHash    string     `json:"-" gorm:"Column:token_hash;index"`
	IssuedAt     time.Time  `json:"issued_at" gorm:"Column:issued_at"`
	ExpiresAt    time.Time  `json:"expires_at" gorm:"Column:expires_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty" gorm:"Column:revoked_at"`
	ReplacedByID *uuid.UUID `json:"replaced_by_id,omitempty" gorm:"type:uuid;Column:replaced_by_id"`
}

// GenerateRefreshToken creates a new high-entropy raw refresh token
func GenerateRefreshToken() (string, error) {
	buf := make([]byte, 36)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return RefreshTokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashRefreshToken produces the storage hash for a raw refresh token
func HashRefreshToken(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}

// IsExpired reports whether the token has passed its expiry time
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// IsValid reports whether the token may head a rotation: not expired,
// not revoked and not already replaced
func (t *RefreshToken) IsValid(now time.Time) bool {
	return !t.IsExpired(now) && t.RevokedAt == nil && t.ReplacedByID == nil
}
