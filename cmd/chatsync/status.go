package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connectivity",
	Long:  "Display the current configuration, then list groups to check the session against the API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Transport:   %s\n", valueOrDefault(cfg.Default.Transport, "ws"))
		fmt.Printf("  Log level:   %s\n", valueOrDefault(cfg.Default.LogLevel, "info"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Printf("  Tenant ID:   %s\n", valueOrDefault(cfg.Auth.TenantID, "(not set)"))

		if cfg.Auth.Token == "" {
			return nil
		}

		a, err := newApp()
		if err != nil {
			return err
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if _, err := a.chat.Mutations.RefreshGroups(ctx); err != nil {
			fmt.Printf("  Error listing groups: %v\n", err)
			return nil
		}
		all := a.chat.Store.GetGroups()
		active := a.chat.Groups()
		fmt.Printf("  Groups:      %d active, %d archived\n", len(active), len(all)-len(active))
		if !a.session().Ready() {
			fmt.Println("  Push:        unavailable (user id and tenant id required)")
		}
		return nil
	},
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
