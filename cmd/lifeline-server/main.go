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
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lifeline/lifeline/internal/config"
	"github.com/lifeline/lifeline/internal/domain/identity"
	"github.com/lifeline/lifeline/internal/domain/interview"
	"github.com/lifeline/lifeline/internal/domain/investigation"
	"github.com/lifeline/lifeline/internal/domain/messaging"
	"github.com/lifeline/lifeline/internal/platform/ai"
	"github.com/lifeline/lifeline/internal/platform/auth"
	"github.com/lifeline/lifeline/internal/platform/blobstore"
	"github.com/lifeline/lifeline/internal/platform/db"
	"github.com/lifeline/lifeline/internal/platform/middleware"
	"github.com/lifeline/lifeline/internal/platform/notification"
	"github.com/lifeline/lifeline/internal/platform/websocket"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lifeline-server",
		Short: "Lifeline investigation workflow API server",
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
		Short: "Start the API server",
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
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
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
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

// caseLookup adapts the investigation repository for the messaging package.
type caseLookup struct {
	repo investigation.Repository
}

func (l *caseLookup) CasePatient(ctx context.Context, investigationID uuid.UUID) (uuid.UUID, error) {
	rec, err := l.repo.GetByID(ctx, investigationID)
	if err != nil {
		return uuid.Nil, err
	}
	return rec.PatientID, nil
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.RequestTimeout(time.Duration(cfg.RequestTimeout) * time.Second))

	// Flow service client; case submission degrades gracefully when it is
	// down, the interview does not.
	var flow ai.Client
	if cfg.AIFlowURL != "" {
		flow = ai.NewFlowClient(cfg.AIFlowURL, cfg.AIAPIKey, time.Duration(cfg.AITimeout)*time.Second)
	} else {
		logger.Warn().Msg("AI_FLOW_URL not set; using canned analysis responses")
		flow = &ai.MockClient{}
	}

	// Repositories and services.
	profileRepo := identity.NewProfileRepoPG(pool)
	identitySvc := identity.NewService(profileRepo)

	hub := websocket.NewHub(logger)

	notifier := notification.NewNotificationManager(
		notification.NewLogEmailSender(logger), notification.NewLogSMSSender(logger),
		notification.NewTemplateEngine(), logger)

	interviewSvc := interview.NewService(interview.NewSessionRepoPG(pool), flow, logger)

	recordRepo := investigation.NewRecordRepoPG(pool)
	investigationSvc := investigation.NewService(recordRepo, flow, logger,
		investigation.WithPublisher(hub),
		investigation.WithNotifications(notifier, identitySvc, cfg.ReviewInboxEmail),
		investigation.WithIntake(interviewSvc))

	messagingSvc := messaging.NewService(messaging.NewMessageRepoPG(pool),
		&caseLookup{repo: recordRepo}, hub, logger)

	blobs := blobstore.NewInMemoryBlobStore(cfg.BlobMaxBytes)

	// Authentication. Standalone mode issues HMAC tokens from the built-in
	// credential store; external mode validates IdP-issued JWTs via JWKS.
	var issuer *auth.TokenIssuer
	switch cfg.ResolvedAuthMode() {
	case "development":
		e.Use(auth.DevAuthMiddleware())
	case "standalone":
		key := []byte(cfg.AuthSigningKey)
		issuer = auth.NewTokenIssuer(key, "lifeline", "lifeline-api", cfg.TokenDuration())
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     "lifeline",
			Audience:   "lifeline-api",
			SigningKey: key,
		}))
	default:
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})

	identityHandler := identity.NewHandler(identitySvc, issuer)

	// Register/login are public; everything under /api/v1 requires a token
	// and a non-suspended account.
	public := e.Group("/api/v1")
	identityHandler.RegisterAuthRoutes(public)

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1",
		middleware.RateLimit(rateLimitCfg),
		identity.SuspensionGuard(identitySvc))

	identityHandler.RegisterRoutes(apiV1)
	investigation.NewHandler(investigationSvc).RegisterRoutes(apiV1)
	interview.NewHandler(interviewSvc).RegisterRoutes(apiV1)
	messaging.NewHandler(messagingSvc).RegisterRoutes(apiV1)
	blobstore.NewBlobHandler(blobs).RegisterRoutes(apiV1)
	notification.NewNotificationHandler(notifier).RegisterRoutes(
		apiV1.Group("", auth.RequireRole(auth.RoleAdmin)))

	websocket.NewWebSocketHandler(hub).RegisterRoutes(e.Group(""))

	// Start server with graceful shutdown.
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("server starting")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		return err
	}
	return nil
}
