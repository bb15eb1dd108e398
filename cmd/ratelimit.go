package cmd

import (
	"context"
	"fmt"

	"example.com/modelgate/internal/cache"
	"example.com/modelgate/internal/models"
	"example.com/modelgate/internal/service"

	"github.com/spf13/cobra"
)

var (
	rlUser           string
	rlGateway        string
	rlHourlyTokens   int64
	rlDailyTokens    int64
	rlHourlyRequests int64
	rlDailyRequests  int64
)

// rateLimitCmd represents the ratelimit command
var rateLimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Manage per-user gateway rate limits",
	Long: `Configure the token and request budgets enforced per user and
gateway. The gateway "*" configures a wildcard limit that aggregates
usage across all gateways.`,
}

var setLimitCmd = &cobra.Command{
	Use:   "set",
	Short: "Set a rate limit",
	Long: `Sets the limit configuration for a (user, gateway) pair,
replacing any existing configuration. A limit of -1 leaves that
dimension unlimited; a limit of 0 blocks the gateway entirely.`,
	Run: func(cmd *cobra.Command, args []string) {
		setRateLimit()
	},
}

var listLimitsCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's rate limits",
	Run: func(cmd *cobra.Command, args []string) {
		listRateLimits()
	},
}

var removeLimitCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove a rate limit",
	Run: func(cmd *cobra.Command, args []string) {
		removeRateLimit()
	},
}

func init() {
	rootCmd.AddCommand(rateLimitCmd)
	rateLimitCmd.AddCommand(setLimitCmd)
	rateLimitCmd.AddCommand(listLimitsCmd)
	rateLimitCmd.AddCommand(removeLimitCmd)

	setLimitCmd.Flags().StringVarP(&rlUser, "user", "u", "", "Username (required)")
	setLimitCmd.Flags().StringVarP(&rlGateway, "gateway", "g", models.WildcardGateway, "Gateway type, or * for all")
	setLimitCmd.Flags().Int64Var(&rlHourlyTokens, "hourly-tokens", -1, "Hourly token limit (-1 for unlimited)")
	setLimitCmd.Flags().Int64Var(&rlDailyTokens, "daily-tokens", -1, "Daily token limit (-1 for unlimited)")
	setLimitCmd.Flags().Int64Var(&rlHourlyRequests, "hourly-requests", -1, "Hourly request limit (-1 for unlimited)")
	setLimitCmd.Flags().Int64Var(&rlDailyRequests, "daily-requests", -1, "Daily request limit (-1 for unlimited)")
	setLimitCmd.MarkFlagRequired("user")

	listLimitsCmd.Flags().StringVarP(&rlUser, "user", "u", "", "Username (required)")
	listLimitsCmd.MarkFlagRequired("user")

	removeLimitCmd.Flags().StringVarP(&rlUser, "user", "u", "", "Username (required)")
	removeLimitCmd.Flags().StringVarP(&rlGateway, "gateway", "g", models.WildcardGateway, "Gateway type, or * for all")
	removeLimitCmd.MarkFlagRequired("user")
}

// limiterService connects the stores a rate limit command needs
func limiterService() (*adminStores, service.RateLimitService, func()) {
	stores, closeStores := openStores()

	redisClient, err := cache.NewRedisClient(stores.cfg.Redis)
	if err != nil {
		closeStores()
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	limiter := service.NewRateLimitService(stores.repo, redisClient, log)
	return stores, limiter, func() {
		redisClient.Close()
		closeStores()
	}
}

// limitFlag converts a -1-for-unlimited flag to an optional limit
func limitFlag(v int64) *int64 {
	if v < 0 {
		return nil
	}
	return &v
}

// formatLimit renders an optional limit for display
func formatLimit(v *int64) string {
	if v == nil {
		return "unlimited"
	}
	return fmt.Sprintf("%d", *v)
}

// setRateLimit sets the limit configuration for a (user, gateway) pair
func setRateLimit() {
	stores, limiter, closeAll := limiterService()
	defer closeAll()
	ctx := context.Background()

	user := stores.mustFindUser(ctx, rlUser)

	limit := &models.GatewayRateLimit{
		UserID:             user.ID,
		GatewayType:        rlGateway,
		TokenLimitHourly:   limitFlag(rlHourlyTokens),
		TokenLimitDaily:    limitFlag(rlDailyTokens),
		RequestLimitHourly: limitFlag(rlHourlyRequests),
		RequestLimitDaily:  limitFlag(rlDailyRequests),
	}

	if err := limiter.SetLimit(ctx, limit); err != nil {
		log.Fatalf("Failed to set rate limit: %v", err)
	}

	fmt.Printf("Rate limit set for %s on gateway %q.\n", rlUser, rlGateway)
}

// listRateLimits lists a user's limit configurations
func listRateLimits() {
	stores, limiter, closeAll := limiterService()
	defer closeAll()
	ctx := context.Background()

	user := stores.mustFindUser(ctx, rlUser)

	limits, err := limiter.GetLimits(ctx, user.ID)
	if err != nil {
		log.Fatalf("Failed to list rate limits: %v", err)
	}

	fmt.Printf("Rate limits for %s:\n", user.Username)
	for _, l := range limits {
		fmt.Printf("gateway %-10s tokens %s/h %s/d  requests %s/h %s/d\n",
			l.GatewayType,
			formatLimit(l.TokenLimitHourly), formatLimit(l.TokenLimitDaily),
			formatLimit(l.RequestLimitHourly), formatLimit(l.RequestLimitDaily))
	}
}

// removeRateLimit deletes the limit configuration for a (user, gateway) pair
func removeRateLimit() {
	stores, limiter, closeAll := limiterService()
	defer closeAll()
	ctx := context.Background()

	user := stores.mustFindUser(ctx, rlUser)

	if err := limiter.RemoveLimit(ctx, user.ID, rlGateway); err != nil {
		log.Fatalf("Failed to remove rate limit: %v", err)
	}

	fmt.Printf("Rate limit removed for %s on gateway %q.\n", rlUser, rlGateway)
}
