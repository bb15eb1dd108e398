package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"example.com/modelgate/internal/models"
	"example.com/modelgate/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RoleService resolves effective permissions and manages role assignments
type RoleService interface {
	GetUserPermissions(ctx context.Context, userID uuid.UUID) ([]models.Permission, error)
	CheckPermission(ctx context.Context, userID uuid.UUID, perm models.Permission) (bool, error)
	CheckAnyPermission(ctx context.Context, userID uuid.UUID, perms ...models.Permission) (bool, error)
	CheckAllPermissions(ctx context.Context, userID uuid.UUID, perms ...models.Permission) (bool, error)
	AssignRole(ctx context.Context, userID, roleID uuid.UUID, assignedBy *uuid.UUID, expiresAt *time.Time) error
	RevokeRole(ctx context.Context, userID, roleID uuid.UUID) error
	CreateRole(ctx context.Context, name string, perms []models.Permission, description string) (*models.Role, error)
	ListRoles(ctx context.Context) ([]*models.Role, error)
	InitializeDefaultRoles(ctx context.Context) error
}

// roleService is an implementation of the RoleService interface
type roleService struct {
	repo repository.Repository
	log  *logrus.Logger
	now  func() time.Time
}

// NewRoleService creates a new role service instance
func NewRoleService(repo repository.Repository, log *logrus.Logger) RoleService {
	return &roleService{
		repo: repo,
		log:  log,
		now:  time.Now,
	}
}

// GetUserPermissions returns the union of permissions from all active role
// assignments. Expired assignments are excluded without needing cleanup.
func (s *roleService) GetUserPermissions(ctx context.Context, userID uuid.UUID) ([]models.Permission, error) {
	assignments, err := s.repo.ListUserRoleAssignments(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing role assignments: %w", err)
	}

	now := s.now()
	seen := make(map[models.Permission]bool)
	for _, a := range assignments {
		if !a.IsActive(now) || a.Role == nil {
			continue
		}
		for _, p := range a.Role.PermissionList() {
			seen[p] = true
		}
	}

	perms := make([]models.Permission, 0, len(seen))
	for p := range seen {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
	return perms, nil
}

// CheckPermission reports whether the user holds the given permission
func (s *roleService) CheckPermission(ctx context.Context, userID uuid.UUID, perm models.Permission) (bool, error) {
	perms, err := s.GetUserPermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == perm {
			return true, nil
		}
	}
	return false, nil
}

// CheckAnyPermission reports whether the user holds at least one of the permissions
func (s *roleService) CheckAnyPermission(ctx context.Context, userID uuid.UUID, perms ...models.Permission) (bool, error) {
	held, err := s.GetUserPermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	heldSet := make(map[models.Permission]bool, len(held))
	for _, p := range held {
		heldSet[p] = true
	}
	for _, p := range perms {
		if heldSet[p] {
			return true, nil
		}
	}
	return false, nil
}

// CheckAllPermissions reports whether the user holds every one of the permissions
func (s *roleService) CheckAllPermissions(ctx context.Context, userID uuid.UUID, perms ...models.Permission) (bool, error) {
	held, err := s.GetUserPermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	heldSet := make(map[models.Permission]bool, len(held))
	for _, p := range held {
		heldSet[p] = true
	}
	for _, p := range perms {
		if !heldSet[p] {
			return false, nil
		}
	}
	return true, nil
}

// AssignRole grants a role to a user, optionally until an expiry time
func (s *roleService) AssignRole(ctx context.Context, userID, roleID uuid.UUID, assignedBy *uuid.UUID, expiresAt *time.Time) error {
	role, err := s.repo.FindRoleByID(ctx, roleID)
	if err != nil {
		return fmt.Errorf("finding role: %w", err)
	}
	if role == nil {
		return fmt.Errorf("role %s: %w", roleID, ErrResourceNotFound)
	}

	existing, err := s.repo.FindRoleAssignment(ctx, userID, roleID)
	if err != nil {
		return fmt.Errorf("finding role assignment: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("role %q already assigned to user %s: %w", role.Name, userID, ErrDuplicateResource)
	}

	assignment := &models.RoleAssignment{
		UserID:     userID,
		RoleID:     roleID,
		AssignedBy: assignedBy,
		ExpiresAt:  expiresAt,
	}
	if err := s.repo.CreateRoleAssignment(ctx, assignment); err != nil {
		return fmt.Errorf("creating role assignment: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"user_id": userID,
		"role":    role.Name,
	}).Info("Role assigned")
	return nil
}

// RevokeRole removes a role assignment from a user
func (s *roleService) RevokeRole(ctx context.Context, userID, roleID uuid.UUID) error {
	existing, err := s.repo.FindRoleAssignment(ctx, userID, roleID)
	if err != nil {
		return fmt.Errorf("finding role assignment: %w", err)
	}
	if existing == nil {
		return fmt.Errorf("assignment of role %s to user %s: %w", roleID, userID, ErrResourceNotFound)
	}
	return s.repo.DeleteRoleAssignment(ctx, userID, roleID)
}

// CreateRole creates a new named role with the given permission set
func (s *roleService) CreateRole(ctx context.Context, name string, perms []models.Permission, description string) (*models.Role, error) {
	existing, err := s.repo.FindRoleByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("finding role: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("role %q: %w", name, ErrDuplicateResource)
	}

	role := &models.Role{
		Name:        name,
		Description: description,
	}
	if err := role.SetPermissions(perms); err != nil {
		return nil, fmt.Errorf("encoding permissions: %w", err)
	}
	if err := s.repo.CreateRole(ctx, role); err != nil {
		return nil, fmt.Errorf("creating role: %w", err)
	}
	return role, nil
}

// ListRoles returns all roles
func (s *roleService) ListRoles(ctx context.Context) ([]*models.Role, error) {
	return s.repo.ListRoles(ctx)
}

// InitializeDefaultRoles upserts the fixed default role set. It is safe to
// call on every startup.
func (s *roleService) InitializeDefaultRoles(ctx context.Context) error {
	for _, def := range models.DefaultRoles() {
		existing, err := s.repo.FindRoleByName(ctx, def.Name)
		if err != nil {
			return fmt.Errorf("finding role %q: %w", def.Name, err)
		}

		if existing == nil {
			role := &models.Role{
				Name:        def.Name,
				Description: def.Description,
			}
			if err := role.SetPermissions(def.Permissions); err != nil {
				return fmt.Errorf("encoding permissions for %q: %w", def.Name, err)
			}
			if err := s.repo.CreateRole(ctx, role); err != nil {
				return fmt.Errorf("creating role %q: %w", def.Name, err)
			}
			s.log.WithField("role", def.Name).Info("Default role created")
			continue
		}

		existing.Description = def.Description
		if err := existing.SetPermissions(def.Permissions); err != nil {
			return fmt.Errorf("encoding permissions for %q: %w", def.Name, err)
		}
		if err := s.repo.UpdateRole(ctx, existing); err != nil {
			return fmt.Errorf("updating role %q: %w", def.Name, err)
		}
	}
	return nil
}
