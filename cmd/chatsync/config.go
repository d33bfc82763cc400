package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file verbatim, without environment overrides")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change the CLI configuration",
	Long: "Inspect or change ~/.chatsync/config.toml.\n" +
		"Values may be overridden by " + strings.Join(envKeys(), ", ") + " or a .env file.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print every setting as the commands see it, marking values taken from the environment.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'chatsync init <token>' to create one.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := resolveConfig()
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n", path)
		showConfig(os.Stdout, cfg, envOverrides(os.Getenv))
		return nil
	},
}

// configField maps a dot-notation key to its resolved value.
type configField struct {
	key   string
	value func(*Config) string
}

var configFields = []configField{
	{"default.base_url", func(c *Config) string { return c.Default.BaseURL }},
	{"default.log_level", func(c *Config) string { return c.Default.LogLevel }},
	{"default.log_format", func(c *Config) string { return c.Default.LogFormat }},
	{"default.page_size", func(c *Config) string {
		if c.Default.PageSize == 0 {
			return ""
		}
		return fmt.Sprint(c.Default.PageSize)
	}},
	{"default.transport", func(c *Config) string { return c.Default.Transport }},
	{"auth.token", func(c *Config) string {
		if c.Auth.Token == "" {
			return ""
		}
		return maskKey(c.Auth.Token)
	}},
	{"auth.user_id", func(c *Config) string { return c.Auth.UserID }},
	{"auth.tenant_id", func(c *Config) string { return c.Auth.TenantID }},
}

// envOverrides reports which config keys the environment overrides, keyed
// by config key, valued by the variable name.
func envOverrides(getenv func(string) string) map[string]string {
	bound := map[string]string{
		envToken:    "auth.token",
		envTenant:   "auth.tenant_id",
		envBaseURL:  "default.base_url",
		envLogLevel: "default.log_level",
	}
	out := make(map[string]string)
	for env, key := range bound {
		if strings.TrimSpace(getenv(env)) != "" {
			out[key] = env
		}
	}
	return out
}

func envKeys() []string {
	return []string{envToken, envTenant, envBaseURL, envLogLevel}
}

func showConfig(w io.Writer, cfg *Config, overrides map[string]string) {
	for _, f := range configFields {
		line := fmt.Sprintf("%-20s = %s", f.key, valueOrDefault(f.value(cfg), "(unset)"))
		if env, ok := overrides[f.key]; ok {
			line += "  # from " + env
		}
		fmt.Fprintln(w, line)
	}
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value using dot notation.\n" +
		"Example: chatsync config set default.transport sse",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if env, ok := envOverrides(os.Getenv)[key]; ok {
			fmt.Fprintf(os.Stderr, "Note: %s is set and overrides %s\n", env, key)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
