package cmd

import (
	"context"
	"fmt"
	"time"

	"example.com/modelgate/internal/cache"
	"example.com/modelgate/internal/models"
	"example.com/modelgate/internal/service"

	"github.com/spf13/cobra"
)

var (
	userUsername string
	userPassword string
	userRole     string
)

// userCmd represents the user command
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
	Long:  `Create, list, activate, and deactivate users.`,
}

var createUserCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new user",
	Run: func(cmd *cobra.Command, args []string) {
		createUser()
	},
}

var listUsersCmd = &cobra.Command{
	Use:   "list",
	Short: "List all users",
	Run: func(cmd *cobra.Command, args []string) {
		listUsers()
	},
}

var deactivateUserCmd = &cobra.Command{
	Use:   "deactivate [username]",
	Short: "Deactivate a user",
	Long: `Marks a user inactive. Inactive users cannot log in, refresh
tokens, or authenticate with API keys.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setUserActive(args[0], false)
	},
}

var activateUserCmd = &cobra.Command{
	Use:   "activate [username]",
	Short: "Reactivate a user",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setUserActive(args[0], true)
	},
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(createUserCmd)
	userCmd.AddCommand(listUsersCmd)
	userCmd.AddCommand(deactivateUserCmd)
	userCmd.AddCommand(activateUserCmd)

	createUserCmd.Flags().StringVarP(&userUsername, "username", "u", "", "Username (required)")
	createUserCmd.Flags().StringVarP(&userPassword, "password", "p", "", "Password (required)")
	createUserCmd.Flags().StringVarP(&userRole, "role", "r", models.RoleBasic, "Initial role to assign")
	createUserCmd.MarkFlagRequired("username")
	createUserCmd.MarkFlagRequired("password")
}

// createUser creates a user and assigns its initial role
func createUser() {
	stores, closeStores := openStores()
	defer closeStores()
	ctx := context.Background()

	existing, err := stores.repo.FindUserByUsername(ctx, userUsername)
	if err != nil {
		log.Fatalf("Failed to look up user: %v", err)
	}
	if existing != nil {
		log.Fatalf("User %q already exists", userUsername)
	}

	user := &models.User{
		Username: userUsername,
		Active:   true,
	}
	if err := user.SetPassword(userPassword); err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}
	if err := stores.repo.CreateUser(ctx, user); err != nil {
		log.Fatalf("Failed to create user: %v", err)
	}

	if userRole != "" {
		roles := service.NewRoleService(stores.repo, log)
		role, err := stores.repo.FindRoleByName(ctx, userRole)
		if err != nil {
			log.Fatalf("Failed to look up role: %v", err)
		}
		if role == nil {
			log.Fatalf("Role %q not found; run 'modelgate migrate' to seed default roles", userRole)
		}
		if err := roles.AssignRole(ctx, user.ID, role.ID, nil, nil); err != nil {
			log.Fatalf("Failed to assign role: %v", err)
		}
	}

	fmt.Printf("User created: %s (%s)\n", user.Username, user.ID)
}

// listUsers lists all users
func listUsers() {
	stores, closeStores := openStores()
	defer closeStores()

	users, err := stores.repo.ListUsers(context.Background())
	if err != nil {
		log.Fatalf("Failed to list users: %v", err)
	}

	fmt.Printf("Total users: %d\n", len(users))
	for _, u := range users {
		status := "active"
		if !u.Active {
			status = "inactive"
		}
		fmt.Printf("%s  %-20s %s  created %s\n",
			u.ID, u.Username, status, u.CreatedAt.Format(time.RFC3339))
	}
}

// setUserActive toggles a user's active flag
func setUserActive(username string, active bool) {
	stores, closeStores := openStores()
	defer closeStores()
	ctx := context.Background()

	user := stores.mustFindUser(ctx, username)
	user.Active = active
	if err := stores.repo.UpdateUser(ctx, user); err != nil {
		log.Fatalf("Failed to update user: %v", err)
	}

	if active {
		fmt.Printf("User %q activated.\n", username)
		return
	}

	// Drop the user's cached API-key verifications so deactivation takes
	// effect immediately, not after the cache TTL.
	redisClient, err := cache.NewRedisClient(stores.cfg.Redis)
	if err != nil {
		log.Warnf("Failed to connect to Redis, API key cache not invalidated: %v", err)
	} else {
		defer redisClient.Close()
		keys := service.NewAPIKeyService(stores.repo, redisClient, log, stores.cfg.Auth)
		if err := keys.InvalidateUserCache(ctx, user.ID); err != nil {
			log.Warnf("Failed to invalidate API key cache for %q: %v", username, err)
		}
	}
	fmt.Printf("User %q deactivated.\n", username)
}
