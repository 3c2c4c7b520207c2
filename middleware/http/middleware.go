// Package http provides HTTP middleware that gates story generation on the
// account's daily quota
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/storytime/pkg/api"
	"github.com/mihaimyh/storytime/pkg/engine"
	"github.com/mihaimyh/storytime/pkg/quota"
)

// AccountIDExtractor extracts the account ID from an HTTP request
// Return empty string if the caller is not authenticated
type AccountIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Registry hands out the per-account engines (required)
	Registry *engine.Registry

	// GetAccountID extracts the account ID from the request (required)
	GetAccountID AccountIDExtractor

	// OnQuotaExceeded is called when today's generations are used up
	// If nil, returns 429 Too Many Requests with an api.PaywallResponse body
	OnQuotaExceeded func(w http.ResponseWriter, r *http.Request, snapshot quota.Snapshot)

	// OnUnauthorized is called when the account cannot be identified
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the quota check fails
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// OnConsumed is called after a successful request has been charged
	OnConsumed func(r *http.Request, gen engine.Generation)

	// Logger reports charges that fail after the response was sent
	// If nil, NoopLogger is used
	Logger engine.Logger
}

// Middleware creates an HTTP middleware that admits a request only while the
// account can still generate today, and charges one generation once the
// wrapped handler has responded with a non-error status.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Logger == nil {
		config.Logger = &engine.NoopLogger{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID := config.GetAccountID(r)
			if accountID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			e, err := config.Registry.Engine(accountID)
			if err != nil {
				handleError(config, w, r, err)
				return
			}

			snapshot, err := e.Status(r.Context())
			if err != nil {
				handleError(config, w, r, err)
				return
			}
			if !snapshot.CanGenerate {
				if config.OnQuotaExceeded != nil {
					config.OnQuotaExceeded(w, r, snapshot)
				} else {
					WritePaywall(w, snapshot)
				}
				return
			}

			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r.WithContext(WithSnapshot(r.Context(), snapshot)))
			if rec.failed() {
				return
			}

			// The response is out; charge even if the client has gone away.
			gen, err := e.Consume(context.WithoutCancel(r.Context()))
			if err != nil {
				config.Logger.Error("failed to charge generation",
					engine.Field{Key: "account_id", Value: accountID},
					engine.Field{Key: "error", Value: err},
				)
				return
			}
			if !gen.Allowed {
				config.Logger.Warn("generation served over daily limit",
					engine.Field{Key: "account_id", Value: accountID},
					engine.Field{Key: "used", Value: gen.Used},
				)
			}
			if config.OnConsumed != nil {
				config.OnConsumed(r, gen)
			}
		})
	}
}

// HandlerFunc creates an HTTP middleware that gates generation (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// WritePaywall writes the default 429 paywall response
func WritePaywall(w http.ResponseWriter, snapshot quota.Snapshot) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(api.NewPaywallResponse(snapshot))
}

func handleError(config Config, w http.ResponseWriter, r *http.Request, err error) {
	if config.OnError != nil {
		config.OnError(w, r, err)
		return
	}
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

// statusRecorder remembers the status code written by the wrapped handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// failed reports whether the handler answered with a 4xx or 5xx. A handler
// that wrote nothing counts as 200.
func (s *statusRecorder) failed() bool {
	return s.status >= http.StatusBadRequest
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// AccountIDKey is the context key for the account ID
	AccountIDKey ContextKey = "storytime:accountID"

	snapshotKey ContextKey = "storytime:snapshot"
)

// FromContext returns an AccountIDExtractor that gets the account ID from request context
func FromContext(key ContextKey) AccountIDExtractor {
	return func(r *http.Request) string {
		if accountID, ok := r.Context().Value(key).(string); ok {
			return accountID
		}
		return ""
	}
}

// FromHeader returns an AccountIDExtractor that gets the account ID from a header
func FromHeader(headerName string) AccountIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithAccountID adds the account ID to request context
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, AccountIDKey, accountID)
}

// WithSnapshot stores the quota snapshot the request was admitted with
func WithSnapshot(ctx context.Context, snapshot quota.Snapshot) context.Context {
	return context.WithValue(ctx, snapshotKey, snapshot)
}

// SnapshotFromContext returns the snapshot the request was admitted with. Its
// Model is the model the handler should generate with.
func SnapshotFromContext(ctx context.Context) (quota.Snapshot, bool) {
	s, ok := ctx.Value(snapshotKey).(quota.Snapshot)
	return s, ok
}
