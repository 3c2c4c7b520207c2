// Package quota tracks daily story generation usage against a subscription
// tier and validates model selection against tier entitlement.
package quota

import (
	"slices"
	"time"
)

// Tier names a subscription level
type Tier string

const (
	// TierFree is the default tier for every new record
	TierFree Tier = "free"
	// TierPremium unlocks premium-only models and a higher daily limit
	TierPremium Tier = "premium"
)

// Model is a generation model a record may select
type Model struct {
	// ID is the opaque model identifier stored on records
	ID string `yaml:"id" json:"id" validate:"required"`

	// Provider is the model family (e.g., "openai", "google")
	Provider string `yaml:"provider" json:"provider" validate:"required"`

	// DisplayName is a human readable name for pickers
	DisplayName string `yaml:"display_name" json:"display_name,omitempty"`

	// PremiumOnly models may never be allowed on the default tier
	PremiumOnly bool `yaml:"premium_only" json:"premium_only"`
}

// TierConfig defines the daily limit and model entitlement of a tier
type TierConfig struct {
	Name Tier `yaml:"name" json:"name" validate:"required"`

	// DailyLimit is the number of generations allowed per calendar day
	DailyLimit int `yaml:"daily_limit" json:"daily_limit" validate:"gte=0"`

	// AllowedModels lists the model IDs selectable on this tier
	AllowedModels []string `yaml:"allowed_models" json:"allowed_models" validate:"min=1,unique,dive,required"`

	// DefaultModel is selected when a record moves onto this tier with an
	// ineligible model. Must be one of AllowedModels.
	DefaultModel string `yaml:"default_model" json:"default_model" validate:"required"`
}

// Allows reports whether model is selectable on this tier
func (t TierConfig) Allows(model string) bool {
	return slices.Contains(t.AllowedModels, model)
}

// Record is the persisted generation usage state
type Record struct {
	Tier          Tier      `json:"tier"`
	SelectedModel string    `json:"selected_model"`
	UsedToday     int       `json:"used_today"`
	LastResetDate time.Time `json:"last_reset_date"`
}

// Clone returns a copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// Equal reports whether two records hold the same state
func (r Record) Equal(o Record) bool {
	return r.Tier == o.Tier &&
		r.SelectedModel == o.SelectedModel &&
		r.UsedToday == o.UsedToday &&
		r.LastResetDate.Equal(o.LastResetDate)
}

// Snapshot is the read-only view of a record the paywall renders from
type Snapshot struct {
	Tier        Tier      `json:"tier"`
	Model       string    `json:"model"`
	Used        int       `json:"used"`
	Limit       int       `json:"limit"`
	Remaining   int       `json:"remaining"`
	Progress    float64   `json:"progress"`
	CanGenerate bool      `json:"can_generate"`
	ResetsAt    time.Time `json:"resets_at"`
}
