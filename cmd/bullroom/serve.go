package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/bullcommunity/bullroom"
)

var (
	serveAddr   string
	serveMemory bool

	migrateRooms []string

	tokenUser string
	tokenName string
	tokenRole string
	tokenTTL  time.Duration
	tokenSave bool
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default server.addr or :8080)")
	serveCmd.Flags().BoolVar(&serveMemory, "memory", false, "keep everything in process instead of Postgres and Redis")
	rootCmd.AddCommand(serveCmd)

	migrateCmd.Flags().StringSliceVar(&migrateRooms, "room", nil, "create or update a room, as slug or slug:Name (repeatable)")
	rootCmd.AddCommand(migrateCmd)

	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id (required)")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "role, e.g. admin")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().BoolVar(&tokenSave, "save", false, "store the token as default.token")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}

// ============================================================================
// serve
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long:  "Serve the REST API, the /ws push endpoint, /metrics and the moderation webhook.\nPostgres stores history and Redis fans events out across gateway instances.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Server.JWTSecret == "" {
			return errors.New("server.jwt_secret is required (or BULLROOM_JWT_SECRET)")
		}
		addr := valueOrDefault(serveAddr, valueOrDefault(cfg.Server.Addr, ":8080"))

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics, err := bullroom.NewMetrics(reg)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		opts := []bullroom.Option{bullroom.WithLogger(logger), bullroom.WithMetrics(metrics)}

		gwCfg := bullroom.GatewayConfig{
			JWTSecret:     cfg.Server.JWTSecret,
			WebhookSecret: cfg.Server.WebhookSecret,
			Gatherer:      reg,
		}
		if cfg.Server.Origins != "" {
			gwCfg.OriginPatterns = strings.Split(cfg.Server.Origins, ",")
		}

		var purger bullroom.Purger
		if serveMemory {
			// The gateway publishes; the backend must not.
			backend := bullroom.NewMemoryBackend(nil, opts...)
			backend.PutRoom(bullroom.RoomInfo{ID: "general", Slug: "general", Name: "General"})
			hub := bullroom.NewMemoryTransport(opts...)
			gwCfg.Backend, gwCfg.Moderation, gwCfg.Profiles, gwCfg.Rooms = backend, backend, backend, backend
			gwCfg.Publisher, gwCfg.Transport = hub, hub
			purger = backend
			logger.Warn().Msg("serving from memory, history is lost on exit")
		} else {
			if cfg.Server.DatabaseURL == "" || cfg.Server.RedisAddr == "" {
				return errors.New("server.database_url and server.redis_addr are required without --memory")
			}
			pg, err := bullroom.OpenPostgres(ctx, cfg.Server.DatabaseURL, opts...)
			if err != nil {
				return err
			}
			defer pg.Close()
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			rdb, err := bullroom.NewRedisClient(ctx, cfg.Server.RedisAddr, cfg.Server.RedisPassword, cfg.Server.RedisDB)
			if err != nil {
				return err
			}
			defer rdb.Close()
			rt := bullroom.NewRedisTransport(rdb, opts...)
			gwCfg.Backend, gwCfg.Moderation, gwCfg.Profiles, gwCfg.Rooms = pg, pg, pg, pg
			gwCfg.Publisher, gwCfg.Transport = rt, rt
			purger = pg
		}

		gw, err := bullroom.NewGateway(gwCfg, opts...)
		if err != nil {
			return err
		}
		defer gw.Close()

		sweeper, err := bullroom.NewRetentionSweeper(purger, cfg.Server.RetentionCron, opts...)
		if err != nil {
			return err
		}
		go sweeper.Run(ctx)

		srv := &http.Server{
			Addr:              addr,
			Handler:           gw.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", addr).Bool("memory", serveMemory).Msg("gateway_listening")
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
		case <-ctx.Done():
			logger.Info().Msg("gateway_shutting_down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("gateway_shutdown_failed")
			}
		}
		return nil
	},
}

// ============================================================================
// migrate
// ============================================================================

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the Postgres schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Server.DatabaseURL == "" {
			return errors.New("server.database_url is required")
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		pg, err := bullroom.OpenPostgres(ctx, cfg.Server.DatabaseURL, bullroom.WithLogger(logger))
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		for _, entry := range migrateRooms {
			slug, name, _ := strings.Cut(entry, ":")
			if name == "" {
				name = slug
			}
			if err := pg.UpsertRoom(ctx, bullroom.RoomInfo{ID: slug, Slug: slug, Name: name}); err != nil {
				return err
			}
			fmt.Printf("Room %s ready\n", slug)
		}
		fmt.Println("Schema up to date")
		return nil
	},
}

// ============================================================================
// token
// ============================================================================

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a session token signed with server.jwt_secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Server.JWTSecret == "" {
			return errors.New("server.jwt_secret is required")
		}
		s := &bullroom.Session{UserID: tokenUser, DisplayName: tokenName, Role: tokenRole}
		token, err := bullroom.IssueSessionToken(s, cfg.Server.JWTSecret, tokenTTL)
		if err != nil {
			return err
		}
		if tokenSave {
			file, err := readConfigFile()
			if err != nil {
				return err
			}
			file.Default.Token = token
			if err := saveConfig(file); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
		}
		fmt.Println(token)
		return nil
	},
}
