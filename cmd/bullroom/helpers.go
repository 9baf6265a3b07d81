package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/bullcommunity/bullroom"
)

// clientOptions maps the configured environment onto client options.
func clientOptions(cfg *Config) []bullroom.ClientOption {
	opts := []bullroom.ClientOption{bullroom.WithClientLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, bullroom.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != string(bullroom.Production) {
		opts = append(opts, bullroom.WithEnvironment(bullroom.Environment(cfg.Default.Environment)))
	}
	return opts
}

// getClient creates a client with the configured token. Anonymous clients
// are allowed unless requireToken is set.
func getClient(requireToken bool) (*bullroom.Client, *bullroom.Session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.Token == "" {
		if requireToken {
			return nil, nil, errors.New("no session token. Run 'bullroom init <token>' first")
		}
		return bullroom.NewClient("", clientOptions(cfg)...), nil, nil
	}
	session, err := bullroom.SessionFromUnverifiedToken(cfg.Default.Token)
	if err != nil {
		return nil, nil, err
	}
	return bullroom.NewClient(cfg.Default.Token, clientOptions(cfg)...), session, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskKey shows the first 12 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
