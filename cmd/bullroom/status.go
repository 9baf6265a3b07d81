package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bullcommunity/bullroom"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration, check whether the session token is expired, and query the gateway.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		fmt.Println()
		fmt.Println("Session:")
		if cfg.Default.Token == "" {
			fmt.Println("  anonymous")
		} else if s, err := bullroom.SessionFromUnverifiedToken(cfg.Default.Token); err != nil {
			fmt.Printf("  unreadable token: %v\n", err)
		} else {
			fmt.Printf("  User ID:     %s\n", s.UserID)
			fmt.Printf("  Name:        %s\n", valueOrDefault(s.DisplayName, "(none)"))
			fmt.Printf("  Role:        %s\n", valueOrDefault(s.Role, "member"))
			switch {
			case s.ExpiresAt.IsZero():
				fmt.Println("  Expires:     never")
			case time.Now().Before(s.ExpiresAt):
				fmt.Printf("  Expires:     %s\n", humanize.Time(s.ExpiresAt))
			default:
				fmt.Printf("  Expires:     EXPIRED %s\n", humanize.Time(s.ExpiresAt))
			}
		}

		client := bullroom.NewClient(cfg.Default.Token, clientOptions(cfg)...)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Gateway:")
		fmt.Printf("  URL:         %s\n", client.BaseURL())
		if err := client.Health(ctx); err != nil {
			fmt.Printf("  Health:      unreachable (%v)\n", err)
			return nil
		}
		fmt.Println("  Health:      ok")
		if cfg.Default.Token != "" {
			me, err := client.Me(ctx)
			switch {
			case err != nil:
				fmt.Printf("  Verified:    no (%v)\n", err)
			case me == nil:
				fmt.Println("  Verified:    no (token not accepted)")
			default:
				fmt.Printf("  Verified:    yes (%s)\n", me.UserID)
			}
		}
		return nil
	},
}
