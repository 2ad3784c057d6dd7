package main

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/edqueue/edqueue/internal/config"
	"github.com/edqueue/edqueue/internal/domain/queue"
	"github.com/edqueue/edqueue/internal/domain/triage"
	"github.com/edqueue/edqueue/internal/platform/auth"
	"github.com/edqueue/edqueue/internal/platform/db"
	"github.com/edqueue/edqueue/internal/platform/eventbus"
	"github.com/edqueue/edqueue/internal/platform/middleware"
	"github.com/edqueue/edqueue/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "edqueue-server",
		Short: "Emergency department queue API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(hospitalCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the queue API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		Schema:   cfg.DBSchema,
	}
}

// connect loads the configuration and opens a database pool.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if schema == "" {
				schema = cfg.DBSchema
			}

			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema for migrations (defaults to DB_SCHEMA)")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if schema == "" {
				schema = cfg.DBSchema
			}

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema for migrations (defaults to DB_SCHEMA)")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func hospitalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hospital",
		Short: "Manage hospitals",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a hospital",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			capacity, _ := cmd.Flags().GetInt("capacity")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if capacity < 0 {
				return fmt.Errorf("--capacity must not be negative")
			}

			ctx := context.Background()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			h := &queue.Hospital{Name: name, Capacity: capacity}
			if err := queue.NewHospitalRepoPG(pool).Create(ctx, h); err != nil {
				return fmt.Errorf("create hospital: %w", err)
			}
			fmt.Printf("Hospital %q created with id %s\n", h.Name, h.ID)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Hospital display name")
	createCmd.Flags().Int("capacity", 0, "Number of treatment rooms")
	cmd.AddCommand(createCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered hospitals",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			hospitals, err := queue.NewHospitalRepoPG(pool).List(ctx)
			if err != nil {
				return fmt.Errorf("list hospitals: %w", err)
			}
			fmt.Printf("%-36s %-30s %s\n", "ID", "NAME", "CAPACITY")
			for _, h := range hospitals {
				fmt.Printf("%-36s %-30s %d\n", h.ID, h.Name, h.Capacity)
			}
			return nil
		},
	})

	return cmd
}

// newRelay returns the cross-instance relay selected by EVENT_BUS, or nil
// when events stay on this instance.
func newRelay(ctx context.Context, cfg *config.Config, origin string, logger zerolog.Logger) (eventbus.Relay, error) {
	switch cfg.EventBus {
	case "redis":
		r, err := eventbus.NewRedisRelay(ctx, cfg.RedisURL, eventbus.DefaultChannel)
		if err != nil {
			return nil, err
		}
		return r, nil
	case "nats":
		n, err := eventbus.NewNATSRelay(cfg.NATSURL, eventbus.DefaultChannel, "edqueue-"+origin, logger)
		if err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, nil
	}
}

// resolveCheckinSecret returns the configured check-in secret or, when none
// is set, a random 32-byte hex secret. The second return value is true when
// the secret was generated.
func resolveCheckinSecret(envValue string) (string, bool, error) {
	if envValue != "" {
		return envValue, false, nil
	}
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return "", false, fmt.Errorf("failed to generate random check-in secret: %w", err)
	}
	return hex.EncodeToString(key), true, nil
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if !cfg.IsDev() {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	checkinSecret, generated, err := resolveCheckinSecret(cfg.CheckinSecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve check-in secret")
	}
	if generated {
		logger.Warn().Msg("CHECKIN_SECRET not set; check-in codes will not survive a restart")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Realtime delivery
	origin := uuid.NewString()
	hub := websocket.NewHub(logger)
	relay, err := newRelay(ctx, cfg, origin, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("event_bus", cfg.EventBus).Msg("failed to connect event relay")
	}
	bridge := eventbus.NewBridge(hub, relay, origin, logger)
	defer bridge.Close()

	// Queue domain
	svc := queue.NewService(
		queue.NewTicketRepoPG(pool),
		queue.NewHospitalRepoPG(pool),
		queue.NewNoteRepoPG(pool),
		db.NewTxManager(pool),
		bridge,
		queue.Config{
			Policy: queue.Policy{
				Wait:              queue.WaitPolicy{PerTicketAhead: cfg.QueueWaitPerTicket},
				RoomKeepsPosition: cfg.QueueRoomKeepsPosition,
			},
			Rooms:         cfg.QueueRooms,
			ShareTokenTTL: cfg.ShareTokenTTL,
			CheckInSecret: checkinSecret,
		},
		logger,
	)
	sweeper := queue.NewReminderSweeper(queue.NewTicketRepoPG(pool), svc.Broadcaster(), logger)
	sweeper.Interval = cfg.ReminderInterval
	sweeper.Threshold = cfg.ReminderThresholdMinutes

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-User-ID", "X-User-Role"},
	}))
	e.Use(middleware.RequestTimeout(middleware.TimeoutConfig{Timeout: cfg.RequestTimeout}))

	// Auth middleware
	if cfg.DevAuth() {
		logger.Warn().Msg("development auth: principals are read from X-User-ID / X-User-Role")
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	// API group
	apiV1 := e.Group("/api/v1")

	// Rate limiting middleware
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":     "ok",
			"version":    version,
			"ws_clients": hub.ClientCount(),
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	triage.NewHandler().RegisterRoutes(apiV1)
	queue.NewHandler(svc).RegisterRoutes(apiV1)
	websocket.NewWebSocketHandler(hub, queue.NewSubscriptionGuard(svc), logger).RegisterRoutes(e.Group(""))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return bridge.Run(gctx)
	})
	g.Go(func() error {
		sweeper.Start(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := e.Shutdown(shutdownCtx)
		svc.Broadcaster().Close()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
