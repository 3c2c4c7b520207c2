package api

import (
	"time"

	"github.com/mihaimyh/storytime/pkg/engine"
	"github.com/mihaimyh/storytime/pkg/progression"
	"github.com/mihaimyh/storytime/pkg/quota"
)

// StatusResponse is today's generation standing plus the models the tier can pick
type StatusResponse struct {
	AccountID string         `json:"account_id"`
	Quota     quota.Snapshot `json:"quota"`
	Models    []quota.Model  `json:"models"`
}

// PaywallResponse is the body of a 429 sent when the daily limit is reached
type PaywallResponse struct {
	Error     string     `json:"error"`
	Tier      quota.Tier `json:"tier"`
	Used      int        `json:"used"`
	Limit     int        `json:"limit"`
	Remaining int        `json:"remaining"`
	Progress  float64    `json:"progress"`
	ResetsAt  time.Time  `json:"resets_at"`
}

// NewPaywallResponse builds the paywall body from a snapshot
func NewPaywallResponse(s quota.Snapshot) PaywallResponse {
	return PaywallResponse{
		Error:     "daily generation limit reached",
		Tier:      s.Tier,
		Used:      s.Used,
		Limit:     s.Limit,
		Remaining: s.Remaining,
		Progress:  s.Progress,
		ResetsAt:  s.ResetsAt,
	}
}

// ProgressResponse reports one progression run
type ProgressResponse struct {
	AccountID string        `json:"account_id"`
	Result    engine.Result `json:"result"`
}

// ModelRequest selects a generation model
type ModelRequest struct {
	Model string `json:"model"`
}

// TierRequest changes the subscription tier
type TierRequest struct {
	Tier quota.Tier `json:"tier"`
}

// QuotaResponse is the quota record after a model or tier change
type QuotaResponse struct {
	AccountID string       `json:"account_id"`
	Quota     quota.Record `json:"quota"`
}

// OnboardRequest creates a profile. Exactly one of DateOfBirth and DueDate is set.
type OnboardRequest struct {
	Name        string     `json:"name"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Interests   []string   `json:"interests,omitempty"`
}

func (o OnboardRequest) onboarding() progression.Onboarding {
	return progression.Onboarding{
		Name:        o.Name,
		DateOfBirth: o.DateOfBirth,
		DueDate:     o.DueDate,
		Interests:   o.Interests,
	}
}

// ProfileResponse wraps a stored profile
type ProfileResponse struct {
	AccountID string               `json:"account_id"`
	Profile   *progression.Profile `json:"profile"`

	// Suggestions are stage tags the profile has not picked yet
	Suggestions []string `json:"suggestions,omitempty"`
}
