package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rakhmight/radonco/internal/bot"
	"github.com/rakhmight/radonco/internal/config"
	"github.com/rakhmight/radonco/internal/domain/patient"
	"github.com/rakhmight/radonco/internal/domain/user"
	"github.com/rakhmight/radonco/internal/platform/auth"
	"github.com/rakhmight/radonco/internal/platform/db"
	"github.com/rakhmight/radonco/internal/platform/middleware"
	"github.com/rakhmight/radonco/internal/platform/notify"
	"github.com/rakhmight/radonco/internal/platform/telegram"
	"github.com/rakhmight/radonco/internal/platform/ws"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "radonco-server",
		Short: "Radiotherapy clinic patient-record server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(userCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the Telegram bot",
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

			pool, cleanup, err := openPool()
			if err != nil {
				return err
			}
			defer cleanup()

			count, err := db.NewMigrator(pool, dir).Up(context.Background())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s).\n", count)
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

			pool, cleanup, err := openPool()
			if err != nil {
				return err
			}
			defer cleanup()

			statuses, err := db.NewMigrator(pool, dir).Status(context.Background())
			if err != nil {
				return fmt.Errorf("migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
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

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage staff accounts",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a staff account",
		RunE: func(cmd *cobra.Command, args []string) error {
			login, _ := cmd.Flags().GetString("login")
			password, _ := cmd.Flags().GetString("password")
			name, _ := cmd.Flags().GetString("name")
			role, _ := cmd.Flags().GetString("role")
			telegramID, _ := cmd.Flags().GetInt64("telegram-id")

			pool, cleanup, err := openPool()
			if err != nil {
				return err
			}
			defer cleanup()

			svc := user.NewService(user.NewRepoPG(pool), nil)
			u := &user.User{Login: login, FullName: name, Role: role}
			if telegramID != 0 {
				u.TelegramID = &telegramID
			}
			if err := svc.Create(context.Background(), u, password); err != nil {
				return err
			}
			fmt.Printf("Created %s account %s (%s)\n", u.Role, u.Login, u.ID)
			return nil
		},
	}
	createCmd.Flags().String("login", "", "Login name")
	createCmd.Flags().String("password", "", "Password (min 8 characters)")
	createCmd.Flags().String("name", "", "Display name")
	createCmd.Flags().String("role", user.RoleDoctor, "Role: doctor or admin")
	createCmd.Flags().Int64("telegram-id", 0, "Linked Telegram user id")

	cmd.AddCommand(createCmd)
	return cmd
}

func openPool() (*pgxpool.Pool, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(context.Background(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return pool, pool.Close, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	sessions := auth.NewSessions(cfg.SessionSecret, time.Duration(cfg.SessionTTLHours)*time.Hour)

	// Telegram: one client shared by the notification fan-out and the bot.
	var tg *telegram.Client
	if cfg.BotToken != "" {
		tg = telegram.NewClient(cfg.BotToken)
	}

	var notifier patient.Notifier
	roster, _ := cfg.NotifyRoster()
	if tg != nil && len(roster) > 0 {
		notifier = notify.NewBroadcaster(tg, roster, logger)
		logger.Info().Int("recipients", len(roster)).Msg("notification roster configured")
	}

	hub := ws.NewHub(logger)

	// Services
	patientSvc := patient.NewService(
		patient.NewRepoPG(pool),
		patient.NewChangeRepoPG(pool),
		patient.NewViewRepoPG(pool),
		notifier,
		hub,
		logger,
	)
	userSvc := user.NewService(user.NewRepoPG(pool), sessions)

	// HTTP server
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

	e.GET("/health", db.HealthHandler(pool))

	apiV1 := e.Group("/api/v1")

	userHandler := user.NewHandler(userSvc)
	userHandler.RegisterPublicRoutes(apiV1)

	authed := apiV1.Group("", auth.Middleware(sessions))
	userHandler.RegisterRoutes(authed)
	patient.NewHandler(patientSvc).RegisterRoutes(authed)
	ws.NewHandler(hub).RegisterRoutes(authed)

	// Telegram bot
	if tg != nil {
		allowed, _ := cfg.AllowedTelegramIDs()
		if len(allowed) > 0 {
			go bot.New(tg, patientSvc, userSvc, allowed, logger).Run(ctx)
			logger.Info().Int("allowed_chats", len(allowed)).Msg("telegram bot started")
		} else {
			logger.Warn().Msg("BOT_TOKEN set but BOT_ALLOWED_IDS empty; bot not started")
		}
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server listening")
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
