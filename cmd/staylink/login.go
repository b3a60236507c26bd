package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	staylink "github.com/staylink/staylink/sdk/golang"
)

var loginToken string

func init() {
	loginCmd.Flags().StringVar(&loginToken, "token", "", "Token to store (prompted for when omitted)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store an access token",
	Long:  "Store the access token issued by the StayLink web app. Running sessions pick up the new token.",
	RunE: func(cmd *cobra.Command, args []string) error {
		tok := strings.TrimSpace(loginToken)
		if tok == "" {
			var err error
			if tok, err = readToken(); err != nil {
				return err
			}
		}
		if tok == "" {
			return fmt.Errorf("no token given")
		}
		if exp, ok := staylink.TokenExpiry(tok); ok && !time.Now().Before(exp) {
			return fmt.Errorf("token expired %s", humanize.Time(exp))
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.Token = tok
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Signed in.")
		if sub := staylink.TokenSubject(tok); sub != "" {
			fmt.Printf("  User ID: %s\n", sub)
		}
		if exp, ok := staylink.TokenExpiry(tok); ok {
			fmt.Printf("  Expires: %s\n", humanize.Time(exp))
		}
		return nil
	},
}

// readToken prompts without echo on a terminal and reads a line otherwise.
func readToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Token: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("cannot read token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("cannot read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.Token == "" {
			fmt.Println("Not signed in.")
			return nil
		}
		cfg.Auth.Token = ""
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}
