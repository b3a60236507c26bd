package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	staylink "github.com/staylink/staylink/sdk/golang"
)

// getClient creates a client that reads its token from the config file on
// every request, so a login in another terminal is picked up.
func getClient() *staylink.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not signed in. Run 'staylink login' first.")
		os.Exit(1)
	}
	path, err := configPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to locate config: %v\n", err)
		os.Exit(1)
	}

	opts := []staylink.ClientOption{staylink.WithLogger(logger.Named("rest"))}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, staylink.WithBaseURL(cfg.Default.BaseURL))
	}
	return staylink.NewClient(staylink.TOMLCredentials{Path: path}, opts...)
}

// newSession creates a session for the configured role.
func newSession(client *staylink.Client) *staylink.Session {
	cfg, _ := loadConfig()
	return staylink.NewSession(client,
		staylink.WithSessionLogger(logger),
		staylink.WithBookingRole(configuredRole(cfg)))
}

func configuredRole(cfg *Config) staylink.BookingRole {
	if cfg != nil && cfg.Default.Role == "landlord" {
		return staylink.RoleLandlord
	}
	return staylink.RoleTenant
}

func withTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(tok string) string {
	if len(tok) <= 16 {
		return "****"
	}
	return tok[:8] + "..." + tok[len(tok)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
