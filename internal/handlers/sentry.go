package handlers

import (
	"time"

	"guestvoice-backend/internal/config"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
)

// SetupSentry initializes Sentry and attaches its echo middleware.
// A missing DSN disables capture without failing startup.
func SetupSentry(e *echo.Echo, cfg *config.Config) {
	if cfg.Sentry.DSN == "" {
		e.Logger.Warn("SENTRY_DSN not configured, error reporting disabled")
		return
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.Sentry.DSN,
		TracesSampleRate: 0.2,
	}); err != nil {
		e.Logger.Warnf("Sentry initialization failed: %v", err)
		return
	}

	e.Use(sentryecho.New(sentryecho.Options{
		Repanic: true,
		Timeout: 3 * time.Second,
	}))
}

// CaptureError reports an error to Sentry when initialized
func CaptureError(err error) {
	if err == nil {
		return
	}
	sentry.CaptureException(err)
}
