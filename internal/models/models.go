package models

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Model is the base model with common fields for all database entities
type Model struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate assigns an ID when one has not been set explicitly
func (m *Model) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// User represents an account that owns credentials, limits and usage logs
type User struct {
	Model
	Username     string `json:"username" gorm:"uniqueIndex;Column:username"`
	PasswordHash string `json:"-" gorm:"Column:password_hash"`
	Active       bool   `json:"active" gorm:"Column:active;default:true"`

	APIKeys         []APIKey           `json:"-" gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	RefreshTokens   []RefreshToken     `json:"-" gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	RateLimits      []GatewayRateLimit `json:"-" gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	UsageLogs       []GatewayUsageLog  `json:"-" gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
	RoleAssignments []RoleAssignment   `json:"-" gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
}

// SetPassword hashes and stores the given password
func (u *User) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hash)
	return nil
}

// VerifyPassword checks a password against the stored hash
func (u *User) VerifyPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}
