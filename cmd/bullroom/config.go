package main

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/adhocore/gronx"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bullcommunity/bullroom"
)

var showEffective bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&showEffective, "effective", false, "include BULLROOM_* environment overrides")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Bull Room configuration",
	Long:  "View or modify the CLI configuration stored in ~/.bullroom/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		read := readConfigFile
		if showEffective {
			read = loadConfig
		}
		cfg, err := read()
		if err != nil {
			return err
		}
		data, err := toml.Marshal(redactConfig(*cfg))
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: bullroom config set server.redis_addr localhost:6379",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := validateConfigValue(key, value); err != nil {
			return err
		}

		// Environment overrides are not written back.
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if secretKeys[key] {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

// secretKeys are never printed in full.
var secretKeys = map[string]bool{
	"default.token":         true,
	"server.redis_password": true,
	"server.jwt_secret":     true,
	"server.webhook_secret": true,
}

const minSecretLength = 16

// validateConfigValue rejects values that serve or the client would only
// fail on later. Unknown keys are left to setConfigValue.
func validateConfigValue(key, value string) error {
	switch key {
	case "default.environment":
		if _, ok := bullroom.BaseURLFor(bullroom.Environment(value)); !ok {
			return fmt.Errorf("unknown environment %q (valid: %s, %s)", value, bullroom.Production, bullroom.Local)
		}
	case "default.base_url":
		return checkURL(key, value, "http", "https")
	case "default.log_level":
		if _, err := zerolog.ParseLevel(value); err != nil || value == "" {
			return fmt.Errorf("invalid log level %q", value)
		}
	case "default.log_format":
		if value != "console" && value != "json" {
			return fmt.Errorf("log_format must be console or json")
		}
	case "server.addr", "server.redis_addr":
		if _, _, err := net.SplitHostPort(value); err != nil {
			return fmt.Errorf("%s must be host:port: %w", key, err)
		}
	case "server.database_url":
		return checkURL(key, value, "postgres", "postgresql")
	case "server.jwt_secret", "server.webhook_secret":
		if len(value) < minSecretLength {
			return fmt.Errorf("%s must be at least %d characters", key, minSecretLength)
		}
	case "server.retention_cron":
		if !gronx.IsValid(value) {
			return fmt.Errorf("invalid cron expression %q", value)
		}
	case "server.origins":
		for _, o := range strings.Split(value, ",") {
			if strings.TrimSpace(o) == "" {
				return fmt.Errorf("origins must be a comma-separated list without empty entries")
			}
		}
	}
	return nil
}

func checkURL(key, value string, schemes ...string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be a %s URL with a host", key, strings.Join(schemes, " or "))
}

// redactConfig masks secrets and the database password.
func redactConfig(cfg Config) Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return maskKey(s)
	}
	cfg.Default.Token = mask(cfg.Default.Token)
	cfg.Server.RedisPassword = mask(cfg.Server.RedisPassword)
	cfg.Server.JWTSecret = mask(cfg.Server.JWTSecret)
	cfg.Server.WebhookSecret = mask(cfg.Server.WebhookSecret)
	if u, err := url.Parse(cfg.Server.DatabaseURL); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "****")
			cfg.Server.DatabaseURL = u.String()
		}
	}
	return cfg
}
