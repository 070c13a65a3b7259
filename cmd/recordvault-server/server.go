package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/ehr/recordvault/internal/domain/access"
	"github.com/ehr/recordvault/internal/domain/audit"
	"github.com/ehr/recordvault/internal/domain/bundle"
	"github.com/ehr/recordvault/internal/domain/record"
	"github.com/ehr/recordvault/internal/platform/auth"
	"github.com/ehr/recordvault/internal/platform/db"
	"github.com/ehr/recordvault/internal/platform/middleware"
)

const version = "0.1.0"

// newServer builds the HTTP surface over a wired app.
func newServer(a *app) *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader, auth.DevActorHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	e.GET("/health", db.HealthHandler(a.pool))
	e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"version": version})
	})

	var authn echo.MiddlewareFunc
	if cfg.IsDev() {
		authn = auth.DevAuthMiddleware()
	} else {
		authn = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			SigningKey: []byte(cfg.AuthJWTSecret),
		})
	}

	api := e.Group("/api/v1",
		authn,
		auth.RequireActor(),
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		}),
		middleware.RequestTimeout(cfg.RequestTimeout),
	)

	record.NewHandler(a.records).RegisterRoutes(api)
	access.NewHandler(a.access).RegisterRoutes(api)
	bundle.NewHandler(a.bundles).RegisterRoutes(api)
	audit.NewHandler(a.recorder, a.checkpointer).RegisterRoutes(api)

	return e
}

func runServer(a *app) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.AuditCheckpointInterval > 0 {
		go a.checkpointer.Run(ctx, a.cfg.AuditCheckpointInterval)
		a.logger.Info().Dur("interval", a.cfg.AuditCheckpointInterval).Msg("audit checkpointing enabled")
	}

	e := newServer(a)
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("port", a.cfg.Port).Str("env", a.cfg.Env).Msg("starting server")
		if err := e.Start(":" + a.cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
