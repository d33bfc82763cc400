package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initTenant  string
	initUserID  string
	initBaseURL string
)

func init() {
	initCmd.Flags().StringVar(&initTenant, "tenant", "", "Organization (tenant) id")
	initCmd.Flags().StringVar(&initUserID, "user", "", "Your user id")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "API base URL")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a session token in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing your session token, tenant and user id in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initTenant != "" {
			cfg.Auth.TenantID = initTenant
		}
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Default.Transport == "" {
			cfg.Default.Transport = "ws"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Session saved to %s\n", path)
		return nil
	},
}
