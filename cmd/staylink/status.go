package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	staylink "github.com/staylink/staylink/sdk/golang"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and service status",
	Long:  "Display the current configuration, check whether the token has expired, and query the backend health endpoint.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, staylink.DefaultBaseURL+" (default)"))
		fmt.Printf("  Role:     %s\n", configuredRole(cfg))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Token:    %s\n", tokenStatus(cfg.Auth.Token, time.Now()))
		if sub := staylink.TokenSubject(cfg.Auth.Token); sub != "" {
			fmt.Printf("  User ID:  %s\n", sub)
		}

		fmt.Println()
		fmt.Println("Live status:")
		var opts []staylink.ClientOption
		if cfg.Default.BaseURL != "" {
			opts = append(opts, staylink.WithBaseURL(cfg.Default.BaseURL))
		}
		client := staylink.NewClient(staylink.StaticToken(cfg.Auth.Token), opts...)

		ctx, cancel := withTimeout(10 * time.Second)
		defer cancel()
		health, err := client.Health(ctx)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		fmt.Printf("  Backend:  %s\n", health.Status)
		return nil
	},
}

func tokenStatus(tok string, now time.Time) string {
	if tok == "" {
		return "none"
	}
	exp, ok := staylink.TokenExpiry(tok)
	if !ok {
		return "present (no expiry)"
	}
	if now.Before(exp) {
		return fmt.Sprintf("valid (expires %s)", humanize.RelTime(exp, now, "ago", "from now"))
	}
	return fmt.Sprintf("EXPIRED (%s)", humanize.RelTime(exp, now, "ago", "from now"))
}
