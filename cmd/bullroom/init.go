package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bullcommunity/bullroom"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a session token in ~/.bullroom/config.toml",
	Long:  "Initialize the CLI by storing your session token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]
		if _, err := bullroom.SessionFromUnverifiedToken(token); err != nil {
			return err
		}

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Default.Token = token
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = string(bullroom.Production)
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
