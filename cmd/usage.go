package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	usageUser     string
	usageHours    int
	retentionDays int
)

// usageCmd represents the usage command
var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Inspect and maintain gateway usage logs",
}

var usageReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show a user's usage totals per gateway",
	Run: func(cmd *cobra.Command, args []string) {
		usageReport()
	},
}

var usageCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge usage logs past retention",
	Run: func(cmd *cobra.Command, args []string) {
		usageCleanup()
	},
}

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.AddCommand(usageReportCmd)
	usageCmd.AddCommand(usageCleanupCmd)

	usageReportCmd.Flags().StringVarP(&usageUser, "user", "u", "", "Username (required)")
	usageReportCmd.Flags().IntVar(&usageHours, "hours", 24, "Reporting window in hours")
	usageReportCmd.MarkFlagRequired("user")

	usageCleanupCmd.Flags().IntVar(&retentionDays, "days", 90, "Delete usage logs older than this many days")
}

// usageReport prints per-gateway usage totals for a user
func usageReport() {
	stores, limiter, closeAll := limiterService()
	defer closeAll()
	ctx := context.Background()

	user := stores.mustFindUser(ctx, usageUser)

	since := time.Now().UTC().Add(-time.Duration(usageHours) * time.Hour)
	totals, err := limiter.UsageReport(ctx, user.ID, since)
	if err != nil {
		log.Fatalf("Failed to aggregate usage: %v", err)
	}

	fmt.Printf("Usage for %s since %s:\n", user.Username, since.Format(time.RFC3339))
	for _, t := range totals {
		fmt.Printf("gateway %-10s requests %-8d tokens %-10d errors %d\n",
			t.GatewayType, t.Requests, t.TokensUsed, t.ErrorCount)
	}
}

// usageCleanup deletes usage logs past retention
func usageCleanup() {
	_, limiter, closeAll := limiterService()
	defer closeAll()

	deleted, err := limiter.CleanupOldLogs(context.Background(), retentionDays)
	if err != nil {
		log.Fatalf("Failed to clean up usage logs: %v", err)
	}

	fmt.Printf("Deleted %d usage log rows older than %d days.\n", deleted, retentionDays)
}
