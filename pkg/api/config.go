package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/storytime/pkg/engine"
)

// Config holds configuration for the storytime API handler
type Config struct {
	// Registry hands out the per-account engines (required)
	Registry *engine.Registry

	// GetAccountID extracts the account ID from an HTTP request (required)
	// Similar to middleware/http pattern
	GetAccountID func(*http.Request) string

	// OnError handles errors (auth, validation, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger reports failures that are mapped to 5xx responses
	// If nil, NoopLogger is used
	Logger engine.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Registry == nil {
		return fmt.Errorf("registry is required")
	}
	if c.GetAccountID == nil {
		return fmt.Errorf("getAccountID is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &engine.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common AccountID extraction patterns

// FromHeader returns a GetAccountID function that extracts the account ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetAccountID function that extracts the account ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if accountID, ok := r.Context().Value(key).(string); ok {
			return accountID
		}
		return ""
	}
}
