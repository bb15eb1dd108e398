package cmd

import (
	"context"
	"fmt"
	"time"

	"example.com/modelgate/internal/service"

	"github.com/spf13/cobra"
)

var (
	roleUser    string
	roleName    string
	roleExpires int
)

// roleCmd represents the role command
var roleCmd = &cobra.Command{
	Use:   "role",
	Short: "Manage roles and role assignments",
}

var listRolesCmd = &cobra.Command{
	Use:   "list",
	Short: "List all roles",
	Run: func(cmd *cobra.Command, args []string) {
		listRoles()
	},
}

var assignRoleCmd = &cobra.Command{
	Use:   "assign",
	Short: "Assign a role to a user",
	Run: func(cmd *cobra.Command, args []string) {
		assignRole()
	},
}

var revokeRoleCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke a role from a user",
	Run: func(cmd *cobra.Command, args []string) {
		revokeRole()
	},
}

var initRolesCmd = &cobra.Command{
	Use:   "init",
	Short: "Seed the default roles",
	Long:  `Creates the built-in admin, premium, and basic roles if missing.`,
	Run: func(cmd *cobra.Command, args []string) {
		initRoles()
	},
}

func init() {
	rootCmd.AddCommand(roleCmd)
	roleCmd.AddCommand(listRolesCmd)
	roleCmd.AddCommand(assignRoleCmd)
	roleCmd.AddCommand(revokeRoleCmd)
	roleCmd.AddCommand(initRolesCmd)

	assignRoleCmd.Flags().StringVarP(&roleUser, "user", "u", "", "Username (required)")
	assignRoleCmd.Flags().StringVarP(&roleName, "role", "r", "", "Role name (required)")
	assignRoleCmd.Flags().IntVarP(&roleExpires, "expires", "e", 0, "Assignment lifetime in days (0 for permanent)")
	assignRoleCmd.MarkFlagRequired("user")
	assignRoleCmd.MarkFlagRequired("role")

	revokeRoleCmd.Flags().StringVarP(&roleUser, "user", "u", "", "Username (required)")
	revokeRoleCmd.Flags().StringVarP(&roleName, "role", "r", "", "Role name (required)")
	revokeRoleCmd.MarkFlagRequired("user")
	revokeRoleCmd.MarkFlagRequired("role")
}

// listRoles lists all roles with their permissions
func listRoles() {
	stores, closeStores := openStores()
	defer closeStores()

	roles, err := service.NewRoleService(stores.repo, log).ListRoles(context.Background())
	if err != nil {
		log.Fatalf("Failed to list roles: %v", err)
	}

	for _, role := range roles {
		fmt.Printf("%s  %s\n", role.Name, role.Description)
		for _, perm := range role.PermissionList() {
			fmt.Printf("  - %s\n", perm)
		}
	}
}

// assignRole assigns a role to a user
func assignRole() {
	stores, closeStores := openStores()
	defer closeStores()
	ctx := context.Background()

	user := stores.mustFindUser(ctx, roleUser)
	role, err := stores.repo.FindRoleByName(ctx, roleName)
	if err != nil {
		log.Fatalf("Failed to look up role: %v", err)
	}
	if role == nil {
		log.Fatalf("Role %q not found", roleName)
	}

	var expiresAt *time.Time
	if roleExpires > 0 {
		expiry := time.Now().UTC().AddDate(0, 0, roleExpires)
		expiresAt = &expiry
	}

	roles := service.NewRoleService(stores.repo, log)
	if err := roles.AssignRole(ctx, user.ID, role.ID, nil, expiresAt); err != nil {
		log.Fatalf("Failed to assign role: %v", err)
	}

	fmt.Printf("Role %q assigned to %q.\n", roleName, roleUser)
}

// revokeRole removes a role assignment from a user
func revokeRole() {
	stores, closeStores := openStores()
	defer closeStores()
	ctx := context.Background()

	user := stores.mustFindUser(ctx, roleUser)
	role, err := stores.repo.FindRoleByName(ctx, roleName)
	if err != nil {
		log.Fatalf("Failed to look up role: %v", err)
	}
	if role == nil {
		log.Fatalf("Role %q not found", roleName)
	}

	roles := service.NewRoleService(stores.repo, log)
	if err := roles.RevokeRole(ctx, user.ID, role.ID); err != nil {
		log.Fatalf("Failed to revoke role: %v", err)
	}

	fmt.Printf("Role %q revoked from %q.\n", roleName, roleUser)
}

// initRoles seeds the built-in roles
func initRoles() {
	stores, closeStores := openStores()
	defer closeStores()

	roles := service.NewRoleService(stores.repo, log)
	if err := roles.InitializeDefaultRoles(context.Background()); err != nil {
		log.Fatalf("Failed to seed default roles: %v", err)
	}

	fmt.Println("Default roles seeded.")
}
