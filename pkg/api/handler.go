package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/storytime/pkg/engine"
	"github.com/mihaimyh/storytime/pkg/progression"
	"github.com/mihaimyh/storytime/pkg/quota"
)

const (
	maxAccountIDLen = 255
	maxBodyBytes    = 64 << 10
)

var errMissingAccount = errors.New("account ID not found")

// Handler provides HTTP endpoints over the per-account engines
type Handler struct {
	config Config
}

// GetStatus returns today's generation standing for the account
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	accountID, e, ok := h.engine(w, r)
	if !ok {
		return
	}

	snapshot, err := e.Status(r.Context())
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get status: %w", err))
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		AccountID: accountID,
		Quota:     snapshot,
		Models:    e.Ledger().Catalog().ModelsFor(snapshot.Tier),
	})
}

// Progress runs one progression pass for the account
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	accountID, e, ok := h.engine(w, r)
	if !ok {
		return
	}

	res, err := e.RunOnce(r.Context())
	if err != nil {
		h.handleError(w, r, fmt.Errorf("progression failed: %w", err))
		return
	}

	writeJSON(w, http.StatusOK, ProgressResponse{AccountID: accountID, Result: res})
}

// SelectModel switches the account's generation model
func (h *Handler) SelectModel(w http.ResponseWriter, r *http.Request) {
	accountID, e, ok := h.engine(w, r)
	if !ok {
		return
	}

	var req ModelRequest
	if !h.decode(w, r, &req) {
		return
	}

	record, err := e.SelectModel(r.Context(), req.Model)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, QuotaResponse{AccountID: accountID, Quota: record})
}

// ChangeTier moves the account to another subscription tier
func (h *Handler) ChangeTier(w http.ResponseWriter, r *http.Request) {
	accountID, e, ok := h.engine(w, r)
	if !ok {
		return
	}

	var req TierRequest
	if !h.decode(w, r, &req) {
		return
	}

	record, err := e.ChangeTier(r.Context(), req.Tier)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, QuotaResponse{AccountID: accountID, Quota: record})
}

// GetProfile returns the stored profile with interest suggestions
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	accountID, e, ok := h.engine(w, r)
	if !ok {
		return
	}

	p, err := e.Profile(r.Context())
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get profile: %w", err))
		return
	}
	if p == nil {
		h.handleError(w, r, engine.ErrNoProfile)
		return
	}

	writeJSON(w, http.StatusOK, ProfileResponse{
		AccountID:   accountID,
		Profile:     p,
		Suggestions: e.Interests().Suggestions(p.Stage, p.Interests),
	})
}

// Onboard creates the account's profile
func (h *Handler) Onboard(w http.ResponseWriter, r *http.Request) {
	accountID, e, ok := h.engine(w, r)
	if !ok {
		return
	}

	var req OnboardRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := e.Onboard(r.Context(), req.onboarding())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, ProfileResponse{AccountID: accountID, Profile: p})
}

// ProfileEditRequest changes user-editable profile fields. Nil fields are kept.
type ProfileEditRequest struct {
	Name        *string    `json:"name,omitempty"`
	Interests   []string   `json:"interests,omitempty"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
}

// EditProfile applies a partial edit to the stored profile
func (h *Handler) EditProfile(w http.ResponseWriter, r *http.Request) {
	accountID, e, ok := h.engine(w, r)
	if !ok {
		return
	}

	var req ProfileEditRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := e.EditProfile(r.Context(), func(p *progression.Profile) error {
		if req.Name != nil {
			p.Name = *req.Name
		}
		if req.Interests != nil {
			p.Interests = req.Interests
		}
		if req.DateOfBirth != nil {
			dob := req.DateOfBirth.UTC()
			p.DateOfBirth = &dob
		}
		return nil
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ProfileResponse{AccountID: accountID, Profile: p})
}

// engine resolves the request's account engine, writing the error response
// itself when it cannot
func (h *Handler) engine(w http.ResponseWriter, r *http.Request) (string, *engine.Engine, bool) {
	accountID := h.config.GetAccountID(r)
	if accountID == "" {
		h.handleError(w, r, errMissingAccount)
		return "", nil, false
	}
	if len(accountID) > maxAccountIDLen {
		h.handleError(w, r, engine.ErrInvalidAccount)
		return "", nil, false
	}

	e, err := h.config.Registry.Engine(accountID)
	if err != nil {
		h.handleError(w, r, err)
		return "", nil, false
	}
	return accountID, e, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.handleError(w, r, &badRequestError{err: err})
		return false
	}
	return true
}

type badRequestError struct {
	err error
}

func (e *badRequestError) Error() string { return "invalid request body: " + e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

// StatusCode maps an engine, quota or progression error to an HTTP status
func StatusCode(err error) int {
	var badRequest *badRequestError
	switch {
	case errors.Is(err, errMissingAccount):
		return http.StatusUnauthorized
	case errors.As(err, &badRequest),
		errors.Is(err, engine.ErrInvalidAccount),
		errors.Is(err, progression.ErrInvalidProfile),
		errors.Is(err, quota.ErrUnknownTier):
		return http.StatusBadRequest
	case errors.Is(err, quota.ErrModelRejected):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrNoProfile):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrProfileExists):
		return http.StatusConflict
	case errors.Is(err, engine.ErrCircuitOpen),
		errors.Is(err, engine.ErrStorageFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("request failed",
			engine.Field{Key: "path", Value: r.URL.Path},
			engine.Field{Key: "error", Value: err},
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Response already started; nothing useful to do on failure
	_ = json.NewEncoder(w).Encode(v)
}
