package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/medicore/clinic/internal/domain/teleconsult"
	"github.com/medicore/clinic/internal/platform/db"
	"github.com/medicore/clinic/internal/platform/middleware"
	"github.com/medicore/clinic/internal/platform/redisx"
	"github.com/medicore/clinic/internal/platform/signaling"
	"github.com/medicore/clinic/internal/platform/telemetry"
)

func signalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signal",
		Short: "Start the WebRTC signaling relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignaling()
		},
	}
}

func runSignaling() error {
	cfg, logger, err := loadConfig(serviceName + "-signaling")
	if err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:    serviceName + "-signaling",
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		OTLPInsecure:   !cfg.IsProduction(),
		MetricsEnabled: telemetry.BoolPtr(cfg.MetricsEnabled),
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(sctx)
	}()

	opts := []signaling.Option{signaling.WithJoinGrace(cfg.SignalingJoinGrace)}
	if cfg.MediaTokenSecret != "" {
		opts = append(opts, signaling.WithVerifier(signaling.NewJWTVerifier(cfg.MediaTokenSecret)))
	} else {
		logger.Warn().Msg("MEDIA_TOKEN_SECRET is empty, joins are not authenticated")
	}
	relay := signaling.NewRelay(logger, opts...)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		relay.Run(ctx)
	}()

	checks := map[string]db.Check{}
	if cfg.RedisURL != "" {
		rdb, err := redisx.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to redis")
			return err
		}
		defer rdb.Close()
		checks["redis"] = rdb.Ping
		go func() {
			if err := relay.FollowSessions(ctx, rdb, teleconsult.EventsChannel); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("session event subscription ended")
			}
		}()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(tel.MetricsMiddleware())

	e.GET("/health", db.HealthHandler(checks, nil))
	if cfg.MetricsEnabled {
		e.GET("/metrics", telemetry.MetricsHandler())
	}
	signaling.NewHandler(relay, cfg.CORSOrigins, logger).RegisterRoutes(e)

	go func() {
		addr := ":" + cfg.SignalingPort
		logger.Info().Str("addr", addr).Msg("starting signaling relay")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("signaling server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down signaling relay")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stop()
	<-relayDone
	if err := e.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("signaling shutdown failed")
		return err
	}
	logger.Info().Msg("signaling relay stopped")
	return nil
}
