package main

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	realtime "github.com/unimatch/realtime-go"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().Bool("raw", false, "Print the configuration file as stored")
}

// effectiveConfig is the configuration the CLI runs with once defaults are
// applied.
type effectiveConfig struct {
	Default effectiveDefault `toml:"default"`
	Auth    ConfigAuth       `toml:"auth"`
}

type effectiveDefault struct {
	BaseURL          string `toml:"base_url"`
	RealtimeURL      string `toml:"realtime_url"`
	RealtimeBasePath string `toml:"realtime_base_path"`
	Origin           string `toml:"origin,omitempty"`
	Environment      string `toml:"environment"`
	LogLevel         string `toml:"log_level"`
	NotificationsURL string `toml:"notifications_url,omitempty"`
}

// resolveConfig applies the defaults newCore uses. The token is masked.
func resolveConfig(cfg *Config) effectiveConfig {
	eff := effectiveConfig{
		Default: effectiveDefault{
			BaseURL:          cfg.Default.BaseURL,
			RealtimeURL:      valueOrDefault(cfg.Default.RealtimeURL, cfg.Default.BaseURL),
			RealtimeBasePath: realtime.DefaultRealtimeBasePath,
			Origin:           cfg.Default.Origin,
			Environment:      valueOrDefault(cfg.Default.Environment, "dev"),
			LogLevel:         strings.ToLower(parseLevel(cfg.Default.LogLevel).String()),
		},
		Auth: ConfigAuth{UserID: cfg.Auth.UserID},
	}
	if cfg.Auth.Token != "" {
		eff.Auth.Token = maskKey(cfg.Auth.Token)
	}
	if cfg.Auth.UserID != "" && eff.Default.RealtimeURL != "" {
		b := realtime.URLBuilder{Base: eff.Default.RealtimeURL, Origin: eff.Default.Origin, BasePath: eff.Default.RealtimeBasePath}
		if u, err := b.Build(realtime.NotificationChannel(cfg.Auth.UserID).Segments, nil); err == nil {
			eff.Default.NotificationsURL = u
		}
	}
	return eff
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Unimatch configuration",
	Long:  "View or modify the Unimatch CLI configuration stored in ~/.unimatch/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration with defaults applied and the token masked.\nUse --raw to print the stored file instead.",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetBool("raw")
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'unimatch config set auth.token <token>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		if raw {
			fmt.Print(string(data))
			return nil
		}

		var cfg Config
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("cannot parse config: %w", err)
		}
		out, err := toml.Marshal(resolveConfig(&cfg))
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Printf("# %s\n%s", path, out)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: unimatch config set default.base_url https://api.unimatch.app",
	Args:  cobra.ExactArgs(2),
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

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
