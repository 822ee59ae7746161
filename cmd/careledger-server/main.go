package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/careledger/careledger/internal/config"
	"github.com/careledger/careledger/internal/domain/auditevent"
	"github.com/careledger/careledger/internal/domain/authorization"
	"github.com/careledger/careledger/internal/platform/auth"
	"github.com/careledger/careledger/internal/platform/db"
	"github.com/careledger/careledger/internal/platform/metrics"
	"github.com/careledger/careledger/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "careledger-server",
		Short: "Treatment authorization reservation engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the reservation API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, pool, err := connect()
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := db.NewMigrator(pool, cfg.MigrationsDir).Up(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("applied %d migration(s)\n", n)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, pool, err := connect()
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, cfg.MigrationsDir).Status(context.Background())
			if err != nil {
				return err
			}
			for _, s := range statuses {
				state := "pending"
				if s.Applied {
					state = "applied"
				}
				fmt.Printf("%03d %-40s %s\n", s.Version, s.Name, state)
			}
			return nil
		},
	}

	cmd.AddCommand(upCmd)
	cmd.AddCommand(statusCmd)
	return cmd
}

func connect() (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(context.Background(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "careledger").
		Logger()

	ctx := context.Background()

	var pool *pgxpool.Pool
	var authRepo authorization.Repository
	var resRepo authorization.ReservationRepository
	var auditRepo auditevent.Repository

	switch cfg.StoreDriver {
	case "postgres":
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		authRepo = authorization.NewRepoPG(pool)
		resRepo = authorization.NewReservationRepoPG(pool)
		auditRepo = auditevent.NewRepoPG(pool)
	default: // memory, development only
		logger.Warn().Msg("using in-memory store, data will not survive restarts")
		authRepo = authorization.NewMemoryRepo()
		resRepo = authorization.NewMemoryReservationRepo()
		auditRepo = auditevent.NewMemoryRepo()
	}

	m := metrics.New()
	emitter := auditevent.NewRepoEmitter(auditRepo, logger)

	authzSvc := authorization.NewService(authRepo, resRepo, emitter, logger,
		authorization.WithMaxAttempts(cfg.MaxAttempts),
		authorization.WithMetrics(m))
	authzHandler := authorization.NewHandler(authzSvc, cfg.StaleAfter)

	auditSvc := auditevent.NewService(auditRepo)
	auditHandler := auditevent.NewHandler(auditSvc)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(requestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", m.Handler())

	var authMW echo.MiddlewareFunc
	if cfg.IsDev() && cfg.JWTSecret == "" {
		logger.Warn().Msg("development auth active, actor identity comes from headers")
		authMW = auth.DevMiddleware()
	} else {
		authMW = auth.Middleware(auth.Config{
			SigningKey: []byte(cfg.JWTSecret),
			Issuer:     cfg.JWTIssuer,
		})
	}

	// The limiter sits after authMW so its per-tenant key (the resolved org
	// claim) is in place; in front of the group it would see no claim and
	// collapse every tenant behind one address into a single bucket.
	api := e.Group("/api/v1",
		authMW,
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		}),
		db.OrgScopeMiddleware(pool, cfg.DefaultOrg))
	authzHandler.RegisterRoutes(api)
	auditHandler.RegisterRoutes(api)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: e,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Str("store", cfg.StoreDriver).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func requestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(echo.HeaderXRequestID)
			if rid == "" {
				rid = uuid.New().String()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(echo.HeaderXRequestID, rid)
			return next(c)
		}
	}
}
