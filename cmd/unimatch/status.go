package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	realtime "github.com/unimatch/realtime-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and connectivity",
	Long:  "Display the current configuration, then check the REST API and the notification channel.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Environment:  %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.RealtimeURL != "" {
			fmt.Printf("  Realtime URL: %s\n", cfg.Default.RealtimeURL)
		}
		if cfg.Default.Origin != "" {
			fmt.Printf("  Origin:       %s\n", cfg.Default.Origin)
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:      %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:        %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:        (not set)")
			return nil
		}
		if cfg.Default.BaseURL == "" || cfg.Auth.UserID == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		core, _, err := newCore()
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		defer core.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		events, err := core.API.Notifications(ctx)
		if err != nil {
			fmt.Printf("  REST:         error: %v\n", err)
		} else {
			fmt.Printf("  REST:         ok (%d notifications)\n", len(events))
		}

		ch, err := core.Supervisor.Connect(ctx, realtime.NotificationChannel(cfg.Auth.UserID))
		if err != nil {
			fmt.Printf("  Realtime:     %s (%v)\n", ch.Status(), err)
			return nil
		}
		fmt.Printf("  Realtime:     %s\n", ch.Status())
		return nil
	},
}
