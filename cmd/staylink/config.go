package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage StayLink configuration",
	Long:  "View or modify the StayLink CLI configuration stored in ~/.staylink/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path, _ := configPath()
		if cfg.Default.BaseURL == "" && cfg.Auth.Token == "" {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'staylink init <base-url>' to create one.")
				return nil
			}
		}
		fmt.Printf("# %s\n", path)
		fmt.Println("[default]")
		fmt.Printf("base_url = %q\n", cfg.Default.BaseURL)
		fmt.Printf("role = %q\n", valueOrDefault(cfg.Default.Role, "tenant"))
		fmt.Println()
		fmt.Println("[auth]")
		if cfg.Auth.Token != "" {
			fmt.Printf("token = %q\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("token = \"\"")
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: staylink config set default.base_url https://api.staylink.app",
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

		if key == "auth.token" {
			value = maskToken(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
