// Package gin provides Gin middleware that gates story generation on the
// account's daily quota
package gin

import (
	"context"
	"fmt"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/storytime/pkg/api"
	"github.com/mihaimyh/storytime/pkg/engine"
	"github.com/mihaimyh/storytime/pkg/quota"
)

// SnapshotKey is the Gin context key holding the quota.Snapshot a request
// was admitted with
const SnapshotKey = "storytime.snapshot"

// AccountIDExtractor extracts the account ID from a Gin context
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(c *gongin.Context) string

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
	OnQuotaExceeded func(c *gongin.Context, snapshot quota.Snapshot)

	// OnUnauthorized is called when the account cannot be identified
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the quota check fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)

	// OnWarning is called when the account is about to run out.
	// If nil, X-Quota-Warning-* headers are added.
	//
	// IMPORTANT: This function should ONLY set headers (c.Header).
	// Do NOT write to the response body or status code, as this will
	// interfere with the handler that runs after the middleware.
	OnWarning func(c *gongin.Context, snapshot quota.Snapshot)

	// OnConsumed is called after a successful request has been charged
	OnConsumed func(c *gongin.Context, gen engine.Generation)

	// Logger reports charges that fail after the handler ran
	// If nil, NoopLogger is used
	Logger engine.Logger
}

// Middleware creates a Gin middleware that admits a request only while the
// account can still generate today, and charges one generation once the
// handler chain finished with a non-error status.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Registry == nil {
		panic("storytime/gin: Config.Registry is required")
	}
	if cfg.GetAccountID == nil {
		panic("storytime/gin: Config.GetAccountID is required")
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

	return func(c *gongin.Context) {
		accountID := cfg.GetAccountID(c)
		if accountID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		e, err := cfg.Registry.Engine(accountID)
		if err != nil {
			handleError(c, cfg, err)
			return
		}

		snapshot, err := e.Status(c.Request.Context())
		if err != nil {
			handleError(c, cfg, err)
			return
		}
		if !snapshot.CanGenerate {
			if cfg.OnQuotaExceeded != nil {
				cfg.OnQuotaExceeded(c, snapshot)
			} else {
				c.JSON(cfg.QuotaExceededStatusCode, api.NewPaywallResponse(snapshot))
			}
			c.Abort()
			return
		}

		c.Set(SnapshotKey, snapshot)
		if snapshot.Remaining <= cfg.WarnWhenRemaining {
			cfg.OnWarning(c, snapshot)
		}

		c.Next()

		if c.IsAborted() || c.Writer.Status() >= http.StatusBadRequest {
			return
		}

		gen, err := e.Consume(context.WithoutCancel(c.Request.Context()))
		if err != nil {
			cfg.Logger.Error("failed to charge generation",
				engine.Field{Key: "account_id", Value: accountID},
				engine.Field{Key: "error", Value: err},
			)
			return
		}
		if cfg.OnConsumed != nil {
			cfg.OnConsumed(c, gen)
		}
	}
}

// SnapshotFromContext returns the snapshot the request was admitted with
func SnapshotFromContext(c *gongin.Context) (quota.Snapshot, bool) {
	val, exists := c.Get(SnapshotKey)
	if !exists {
		return quota.Snapshot{}, false
	}
	s, ok := val.(quota.Snapshot)
	return s, ok
}

func handleError(c *gongin.Context, cfg Config, err error) {
	if cfg.OnError != nil {
		cfg.OnError(c, err)
	} else {
		defaultError(c, err)
	}
	c.Abort()
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultError(c *gongin.Context, _ error) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// defaultWarningHandler adds X-Quota-Warning-Remaining and X-Quota-Warning-Limit headers.
func defaultWarningHandler(c *gongin.Context, snapshot quota.Snapshot) {
	c.Header("X-Quota-Warning-Remaining", fmt.Sprintf("%d", snapshot.Remaining))
	c.Header("X-Quota-Warning-Limit", fmt.Sprintf("%d", snapshot.Limit))
}

// Convenience extractors for Account ID

// FromContext returns an AccountIDExtractor that gets the account ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// account information via c.Set("AccountID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("AccountID", accountID)
//
//	// In the generation gate config:
//	GetAccountID: gin.FromContext("AccountID")
func FromContext(key string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account ID from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns an AccountIDExtractor that gets the account ID from a route parameter
func FromParam(paramName string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns an AccountIDExtractor that gets the account ID from a query parameter
func FromQuery(queryName string) AccountIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}
