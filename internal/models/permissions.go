package models

// Permission identifies a single capability that roles grant to users
type Permission string

const (
	// Admin permissions
	PermissionManageUsers Permission = "manage_users"
	PermissionManageRoles Permission = "manage_roles"
	PermissionViewMetrics Permission = "view_metrics"

	// Gateway permissions
	PermissionUseOllama    Permission = "use_ollama"
	PermissionUseOpenAI    Permission = "use_openai"
	PermissionManageModels Permission = "manage_models"

	// Rate limit tiers
	PermissionPremiumRateLimits Permission = "premium_rate_limits"
	PermissionBasicRateLimits   Permission = "basic_rate_limits"
)

// Default role names seeded on startup
const (
	RoleAdmin   = "admin"
	RolePremium = "premium"
	RoleBasic   = "basic"
)

// DefaultRole describes a role seeded by InitializeDefaultRoles
type DefaultRole struct {
	Name        string
	Description string
	Permissions []Permission
}

// DefaultRoles returns the fixed set of roles seeded on every startup
func DefaultRoles() []DefaultRole {
	return []DefaultRole{
		{
			Name:        RoleAdmin,
			Description: "Full administrative access",
			Permissions: []Permission{
				PermissionManageUsers,
				PermissionManageRoles,
				PermissionViewMetrics,
				PermissionUseOllama,
				PermissionUseOpenAI,
				PermissionManageModels,
				PermissionPremiumRateLimits,
			},
		},
		{
			Name:        RolePremium,
			Description: "Premium gateway access",
			Permissions: []Permission{
				PermissionUseOllama,
				PermissionUseOpenAI,
				PermissionPremiumRateLimits,
			},
		},
		{
			Name:        RoleBasic,
			Description: "Basic gateway access",
			Permissions: []Permission{
				PermissionUseOllama,
				PermissionBasicRateLimits,
			},
		},
	}
}
