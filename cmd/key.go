package cmd

import (
	"context"
	"fmt"
	"time"

	"example.com/modelgate/internal/cache"
	"example.com/modelgate/internal/service"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	keyUser        string
	keyName        string
	keyDescription string
	keyExpiration  int
)

// keyCmd represents the key command
var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage API keys",
	Long:  `Create, list, and revoke API keys for users.`,
}

var createKeyCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new API key",
	Long: `Creates a new API key for a user. The raw key is printed once
and never stored; only its hash is persisted.`,
	Run: func(cmd *cobra.Command, args []string) {
		createAPIKey()
	},
}

var listKeysCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's API keys",
	Run: func(cmd *cobra.Command, args []string) {
		listAPIKeys()
	},
}

var revokeKeyCmd = &cobra.Command{
	Use:   "revoke [id]",
	Short: "Revoke an API key",
	Long:  `Revoke an API key by its ID. Revocation takes effect immediately.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := uuid.Parse(args[0])
		if err != nil {
			log.Fatalf("Invalid key ID: %v", err)
		}
		revokeAPIKey(id)
	},
}

func init() {
	rootCmd.AddCommand(keyCmd)
	keyCmd.AddCommand(createKeyCmd)
	keyCmd.AddCommand(listKeysCmd)
	keyCmd.AddCommand(revokeKeyCmd)

	createKeyCmd.Flags().StringVarP(&keyUser, "user", "u", "", "Username the key belongs to (required)")
	createKeyCmd.Flags().StringVarP(&keyName, "name", "n", "", "Name for the API key (required)")
	createKeyCmd.Flags().StringVarP(&keyDescription, "description", "d", "", "Description for the API key")
	createKeyCmd.Flags().IntVarP(&keyExpiration, "expiration", "e", 365, "Expiration in days (0 for never)")
	createKeyCmd.MarkFlagRequired("user")
	createKeyCmd.MarkFlagRequired("name")

	listKeysCmd.Flags().StringVarP(&keyUser, "user", "u", "", "Username to list keys for (required)")
	listKeysCmd.MarkFlagRequired("user")
}

// keyService connects the stores an API key command needs
func keyService() (*adminStores, service.APIKeyService, func()) {
	stores, closeStores := openStores()

	redisClient, err := cache.NewRedisClient(stores.cfg.Redis)
	if err != nil {
		closeStores()
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	keys := service.NewAPIKeyService(stores.repo, redisClient, log, stores.cfg.Auth)
	return stores, keys, func() {
		redisClient.Close()
		closeStores()
	}
}

// createAPIKey creates a new API key for a user
func createAPIKey() {
	stores, keys, closeAll := keyService()
	defer closeAll()
	ctx := context.Background()

	user := stores.mustFindUser(ctx, keyUser)

	var expiresAt *time.Time
	if keyExpiration > 0 {
		expiry := time.Now().UTC().AddDate(0, 0, keyExpiration)
		expiresAt = &expiry
	}

	rawKey, apiKey, err := keys.CreateKey(ctx, user.ID, keyName, keyDescription, expiresAt)
	if err != nil {
		log.Fatalf("Failed to create API key: %v", err)
	}

	fmt.Println("=================================================================")
	fmt.Println("API Key created successfully!")
	fmt.Println("=================================================================")
	fmt.Printf("ID: %s\n", apiKey.ID)
	fmt.Printf("User: %s\n", user.Username)
	fmt.Printf("Name: %s\n", apiKey.Name)
	if apiKey.ExpiresAt != nil {
		fmt.Printf("Expires: %s\n", apiKey.ExpiresAt.Format(time.RFC3339))
	} else {
		fmt.Println("Expires: Never")
	}
	fmt.Println("-----------------------------------------------------------------")
	fmt.Printf("API Key: %s\n", rawKey)
	fmt.Println("-----------------------------------------------------------------")
	fmt.Println("IMPORTANT: Store this key securely. It won't be displayed again.")
	fmt.Println("=================================================================")
}

// listAPIKeys lists a user's API keys
func listAPIKeys() {
	stores, keys, closeAll := keyService()
	defer closeAll()
	ctx := context.Background()

	user := stores.mustFindUser(ctx, keyUser)

	userKeys, err := keys.ListKeys(ctx, user.ID)
	if err != nil {
		log.Fatalf("Failed to list API keys: %v", err)
	}

	fmt.Printf("Total API keys for %s: %d\n", user.Username, len(userKeys))
	for _, key := range userKeys {
		fmt.Printf("ID: %s\n", key.ID)
		fmt.Printf("Name: %s\n", key.Name)
		if key.RevokedAt != nil {
			fmt.Printf("Revoked: %s\n", key.RevokedAt.Format(time.RFC3339))
		}
		if key.ExpiresAt != nil {
			fmt.Printf("Expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
		} else {
			fmt.Println("Expires: Never")
		}
		if key.LastUsedAt != nil {
			fmt.Printf("Last Used: %s\n", key.LastUsedAt.Format(time.RFC3339))
		} else {
			fmt.Println("Last Used: Never")
		}
		fmt.Println("-----------------------------------------------------------------")
	}
}

// revokeAPIKey revokes an API key by ID
func revokeAPIKey(id uuid.UUID) {
	_, keys, closeAll := keyService()
	defer closeAll()

	if err := keys.RevokeKey(context.Background(), id); err != nil {
		log.Fatalf("Failed to revoke API key: %v", err)
	}

	fmt.Printf("API key %s revoked.\n", id)
}
