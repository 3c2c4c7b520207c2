// Package echo provides Echo middleware that gates story generation on the
// account's daily quota
package echo

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/storytime/pkg/api"
	"github.com/mihaimyh/storytime/pkg/engine"
	"github.com/mihaimyh/storytime/pkg/quota"
)

// SnapshotKey is the Echo context key holding the quota.Snapshot a request
// was admitted with
const SnapshotKey = "storytime.snapshot"

// AccountIDExtractor extracts the account ID from an Echo context
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Registry hands out the per-account engines (required)
	Registry *engine.Registry

	// GetAccountID extracts the account ID from context (required)
	GetAccountID AccountIDExtractor

	// QuotaExceededStatusCode is the HTTP status code to return when quota is exceeded
	// Default: 429 (Too Many Requests)
	QuotaExceededStatusCode int

	// WarnWhenRemaining triggers OnWarning when at most this many generations
	// are left before the request runs. Default: 1
	WarnWhenRemaining int

	// OnQuotaExceeded is called when today's generations are used up
	// If nil, uses default response: QuotaExceededStatusCode JSON api.PaywallResponse
	OnQuotaExceeded func(c echo.Context, snapshot quota.Snapshot) error

	// OnUnauthorized is called when the account cannot be identified
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the quota check fails
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error

	// OnWarning is called when the account is about to run out.
	// If nil, X-Quota-Warning-* headers are added.
	//
	// IMPORTANT: This function should ONLY set headers (c.Response().Header().Set).
	// Do NOT write to the response body or status code, as this will
	// interfere with the handler that runs after the middleware.
	OnWarning func(c echo.Context, snapshot quota.Snapshot)

	// OnConsumed is called after a successful request has been charged
	OnConsumed func(c echo.Context, gen engine.Generation)

	// Logger reports charges that fail after the handler ran
	// If nil, NoopLogger is used
	Logger engine.Logger
}

// Middleware creates an Echo middleware that admits a request only while the
// account can still generate today, and charges one generation once the
// handler returned without error and with a non-error status.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Registry == nil {
		panic("storytime/echo: Config.Registry is required")
	}
	if cfg.GetAccountID == nil {
		panic("storytime/echo: Config.GetAccountID is required")
	}

	// Set defaults
	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = http.StatusTooManyRequests
	}
	if cfg.WarnWhenRemaining == 0 {
		cfg.WarnWhenRemaining = 1
	}
	if cfg.OnWarning == nil {
		cfg.OnWarning = defaultWarningHandler
	}
	if cfg.Logger == nil {
		cfg.Logger = &engine.NoopLogger{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			accountID := cfg.GetAccountID(c)
			if accountID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			e, err := cfg.Registry.Engine(accountID)
			if err != nil {
				return handleError(c, cfg, err)
			}

			ctx := c.Request().Context()
			snapshot, err := e.Status(ctx)
			if err != nil {
				return handleError(c, cfg, err)
			}
			if !snapshot.CanGenerate {
				if cfg.OnQuotaExceeded != nil {
					return cfg.OnQuotaExceeded(c, snapshot)
				}
				return c.JSON(cfg.QuotaExceededStatusCode, api.NewPaywallResponse(snapshot))
			}

			c.Set(SnapshotKey, snapshot)
			if snapshot.Remaining <= cfg.WarnWhenRemaining {
				cfg.OnWarning(c, snapshot)
			}

			if err := next(c); err != nil {
				return err
			}
			if c.Response().Status >= http.StatusBadRequest {
				return nil
			}

			gen, err := e.Consume(context.WithoutCancel(ctx))
			if err != nil {
				cfg.Logger.Error("failed to charge generation",
					engine.Field{Key: "account_id", Value: accountID},
					engine.Field{Key: "error", Value: err},
				)
				return nil
			}
			if cfg.OnConsumed != nil {
				cfg.OnConsumed(c, gen)
			}
			return nil
		}
	}
}

// SnapshotFromContext returns the snapshot the request was admitted with
func SnapshotFromContext(c echo.Context) (quota.Snapshot, bool) {
	s, ok := c.Get(SnapshotKey).(quota.Snapshot)
	return s, ok
}

func handleError(c echo.Context, cfg Config, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	return defaultError(c, err)
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// defaultWarningHandler adds X-Quota-Warning-Remaining and X-Quota-Warning-Limit headers.
func defaultWarningHandler(c echo.Context, snapshot quota.Snapshot) {
	c.Response().Header().Set("X-Quota-Warning-Remaining", fmt.Sprintf("%d", snapshot.Remaining))
	c.Response().Header().Set("X-Quota-Warning-Limit", fmt.Sprintf("%d", snapshot.Limit))
}

// Convenience extractors for Account ID

// FromContext returns an AccountIDExtractor that gets the account ID from Echo context values
func FromContext(key string) AccountIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account ID from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns an AccountIDExtractor that gets the account ID from a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns an AccountIDExtractor that gets the account ID from a query parameter
func FromQuery(queryName string) AccountIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
