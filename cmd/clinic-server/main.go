package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medicore/clinic/internal/config"
	"github.com/medicore/clinic/internal/domain/billing"
	"github.com/medicore/clinic/internal/domain/revenue"
	"github.com/medicore/clinic/internal/domain/scheduling"
	"github.com/medicore/clinic/internal/domain/teleconsult"
	"github.com/medicore/clinic/internal/platform/auth"
	"github.com/medicore/clinic/internal/platform/db"
	"github.com/medicore/clinic/internal/platform/logging"
	"github.com/medicore/clinic/internal/platform/middleware"
	"github.com/medicore/clinic/internal/platform/notification"
	"github.com/medicore/clinic/internal/platform/redisx"
	"github.com/medicore/clinic/internal/platform/telemetry"
)

const serviceName = "clinic-server"

func main() {
	rootCmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Clinic scheduling, teleconsultation and billing server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(signalCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ledgerCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the clinic API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// loadConfig reads and validates configuration and builds the process
// logger from it.
func loadConfig(component string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := logging.New(logging.Options{
		Service: component,
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
	})
	if err := cfg.Validate(); err != nil {
		return nil, logger, err
	}
	return cfg, logger, nil
}

// clinicZoneDefaults fills the configured default timezone into clinics that
// do not carry their own.
type clinicZoneDefaults struct {
	scheduling.ClinicRepository
	zone string
}

func (c clinicZoneDefaults) GetByID(ctx context.Context, id uuid.UUID) (*scheduling.Clinic, error) {
	clinic, err := c.ClinicRepository.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if clinic.Timezone == "" {
		clinic.Timezone = c.zone
	}
	return clinic, nil
}

func runServer() error {
	cfg, logger, err := loadConfig(serviceName)
	if err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}

	ctx := context.Background()

	// Telemetry
	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:    serviceName,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		OTLPInsecure:   !cfg.IsProduction(),
		MetricsEnabled: telemetry.BoolPtr(cfg.MetricsEnabled),
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		AppName:  serviceName,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if err := tel.RegisterPoolGauges(func() (int64, int64, int64) {
		s := pool.Stat()
		return int64(s.TotalConns()), int64(s.IdleConns()), int64(s.AcquiredConns())
	}); err != nil {
		logger.Warn().Err(err).Msg("pool gauges not registered")
	}

	tx := db.NewTransactor(pool)
	checks := map[string]db.Check{"database": db.PoolCheck(pool)}

	// Redis is optional; without it slots are computed on every read and
	// session events stay in this process.
	var rdb *redisx.Client
	if cfg.RedisURL != "" {
		rdb, err = redisx.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to redis")
			return err
		}
		defer rdb.Close()
		checks["redis"] = rdb.Ping
		logger.Info().Msg("connected to redis")
	}

	// Scheduling
	clinicRepo := clinicZoneDefaults{ClinicRepository: scheduling.NewClinicRepoPG(pool), zone: cfg.DefaultTimezone}
	doctorRepo := scheduling.NewDoctorRepoPG(pool)
	apptRepo := scheduling.NewAppointmentRepoPG(pool)
	schedSvc := scheduling.NewService(clinicRepo, doctorRepo, scheduling.NewRuleRepoPG(pool),
		scheduling.NewExceptionRepoPG(pool), apptRepo, tx, logger)
	if err := schedSvc.SetDefaults(cfg.DefaultSlotMinutes, cfg.ClinicOpenTime, cfg.ClinicCloseTime); err != nil {
		return err
	}
	if rdb != nil {
		schedSvc.SetSlotCache(scheduling.NewRedisSlotCache(rdb, cfg.SlotCacheTTL))
	}

	// Teleconsultation
	teleSvc := teleconsult.NewService(teleconsult.NewSessionRepoPG(pool), teleconsult.NewParticipantRepoPG(pool),
		apptRepo, doctorRepo, clinicRepo, tx, teleconsult.Settings{
			Domain:           cfg.MediaDomain,
			AppID:            cfg.MediaAppID,
			TokenSecret:      cfg.MediaTokenSecret,
			PasswordEnforced: cfg.MediaPasswordEnforced,
			RecordingEnabled: cfg.MediaRecordingEnabled,
		}, logger)
	teleSvc.SetAwaitPayment(cfg.AwaitPayment)
	if rdb != nil {
		teleSvc.SetPublisher(teleconsult.NewRedisPublisher(rdb))
	}
	if cfg.SMTPEnabled {
		sender, err := notification.NewSMTPSender(notification.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			UseTLS:   cfg.SMTPPort == 465,
		})
		if err != nil {
			return fmt.Errorf("smtp: %w", err)
		}
		teleSvc.SetMailer(notification.NewMailer(nil, sender))
	}
	schedSvc.SetSessionHooks(teleSvc)

	// Billing and revenue
	invoiceRepo := billing.NewInvoiceRepoPG(pool)
	revenueSvc := revenue.NewService(revenue.NewRepoPG(pool), tx, logger)
	revenueSvc.SetInvoiceSource(invoiceRepo)
	billingSvc := billing.NewService(invoiceRepo, logger)
	billingSvc.SetLedger(revenueSvc)
	billingSvc.SetSessionActivator(teleSvc)

	reconciler, err := revenue.NewScheduler(revenueSvc, cfg.ReconcileCron, logger)
	if err != nil {
		return err
	}
	reconciler.Start()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.Tracing(serviceName))
	e.Use(tel.MetricsMiddleware())

	// Unauthenticated endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(checks, func() interface{} { return db.GetPoolStats(pool) }))
	if cfg.MetricsEnabled {
		e.GET("/metrics", telemetry.MetricsHandler())
	}

	// Auth middleware
	var authn echo.MiddlewareFunc
	if cfg.IsDev() {
		authn = auth.DevAuthMiddleware()
	} else {
		authn = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}

	// API groups
	apiV1 := e.Group("/api/v1", authn, middleware.RateLimit(rl))
	scheduling.NewHandler(schedSvc).RegisterRoutes(apiV1)
	teleconsult.NewHandler(teleSvc).RegisterRoutes(apiV1)
	billing.NewHandler(billingSvc).RegisterRoutes(apiV1)
	revenue.NewHandler(revenueSvc).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reconciler.Stop(sctx)
	if err := e.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
