package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bullcommunity/bullroom"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.bullroom/config.toml.
// Every field can be overridden by its BULLROOM_* environment variable.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Server  ConfigServer  `toml:"server"`
}

// ConfigDefault holds client settings.
type ConfigDefault struct {
	Token       string `toml:"token" env:"BULLROOM_TOKEN"`
	Environment string `toml:"environment" env:"BULLROOM_ENVIRONMENT"`
	BaseURL     string `toml:"base_url" env:"BULLROOM_BASE_URL"`
	LogLevel    string `toml:"log_level" env:"BULLROOM_LOG_LEVEL"`
	LogFormat   string `toml:"log_format" env:"BULLROOM_LOG_FORMAT"`
}

// ConfigServer holds gateway settings used by serve and migrate.
type ConfigServer struct {
	Addr          string `toml:"addr" env:"BULLROOM_ADDR"`
	DatabaseURL   string `toml:"database_url" env:"BULLROOM_DATABASE_URL"`
	RedisAddr     string `toml:"redis_addr" env:"BULLROOM_REDIS_ADDR"`
	RedisPassword string `toml:"redis_password" env:"BULLROOM_REDIS_PASSWORD"`
	RedisDB       int    `toml:"redis_db" env:"BULLROOM_REDIS_DB"`
	JWTSecret     string `toml:"jwt_secret" env:"BULLROOM_JWT_SECRET"`
	WebhookSecret string `toml:"webhook_secret" env:"BULLROOM_WEBHOOK_SECRET"`
	RetentionCron string `toml:"retention_cron" env:"BULLROOM_RETENTION_CRON"`
	Origins       string `toml:"origins" env:"BULLROOM_ORIGINS"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.bullroom, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".bullroom")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfigFile parses the config file without environment overrides.
// A missing file yields a zero-value Config.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig reads the config file and applies environment overrides.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "token":
			cfg.Default.Token = value
		case "environment":
			cfg.Default.Environment = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "log_level":
			cfg.Default.LogLevel = value
		case "log_format":
			cfg.Default.LogFormat = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "server":
		switch field {
		case "addr":
			cfg.Server.Addr = value
		case "database_url":
			cfg.Server.DatabaseURL = value
		case "redis_addr":
			cfg.Server.RedisAddr = value
		case "redis_password":
			cfg.Server.RedisPassword = value
		case "redis_db":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("redis_db must be an integer: %w", err)
			}
			cfg.Server.RedisDB = n
		case "jwt_secret":
			cfg.Server.JWTSecret = value
		case "webhook_secret":
			cfg.Server.WebhookSecret = value
		case "retention_cron":
			cfg.Server.RetentionCron = value
		case "origins":
			cfg.Server.Origins = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, server)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	envFile string
	logger  = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "bullroom",
	Short: "Bull Room chat CLI",
	Long:  "Command-line interface for Bull Room.\nRun the gateway, follow rooms, send messages and moderate.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && (envFile != ".env" || !os.IsNotExist(err)) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger = bullroom.NewLogger(os.Stderr, cfg.Default.LogLevel, cfg.Default.LogFormat)
		return nil
	},
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with BULLROOM_* overrides")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
