package quota

import (
	"fmt"
	"time"
)

// Ledger applies the daily quota rules to records. It holds no mutable state;
// callers serialize the load, mutate, save cycle around it.
type Ledger struct {
	catalog  *Catalog
	location *time.Location
}

// NewLedger returns a ledger over catalog that compares calendar days in loc.
// A nil catalog selects DefaultCatalog and a nil loc selects UTC.
func NewLedger(catalog *Catalog, loc *time.Location) *Ledger {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{catalog: catalog, location: loc}
}

// Catalog returns the tier catalog the ledger enforces.
func (l *Ledger) Catalog() *Catalog {
	return l.catalog
}

// Location returns the zone calendar days are evaluated in.
func (l *Ledger) Location() *time.Location {
	return l.location
}

// NewRecord returns a record on the default tier with its default model.
func (l *Ledger) NewRecord(now time.Time) Record {
	cfg := l.catalog.tierOrDefault(l.catalog.DefaultTier())
	return Record{
		Tier:          cfg.Name,
		SelectedModel: cfg.DefaultModel,
		LastResetDate: startOfDay(now, l.location),
	}
}

// ResetIfNeeded zeroes usage when r was last reset on an earlier calendar day
// than today. It is idempotent within a day.
func (l *Ledger) ResetIfNeeded(r Record, today time.Time) Record {
	if sameDay(r.LastResetDate, today, l.location) {
		return r
	}
	r.UsedToday = 0
	r.LastResetDate = startOfDay(today, l.location)
	return r
}

// NeedsReset reports whether ResetIfNeeded would change r.
func (l *Ledger) NeedsReset(r Record, today time.Time) bool {
	return !sameDay(r.LastResetDate, today, l.location)
}

// Limit returns the daily limit of r's tier.
func (l *Ledger) Limit(r Record) int {
	return l.catalog.tierOrDefault(r.Tier).DailyLimit
}

// CanGenerate reports whether another generation fits today's budget.
func (l *Ledger) CanGenerate(r Record) bool {
	return r.UsedToday < l.Limit(r)
}

// Remaining returns the generations left today, never negative.
func (l *Ledger) Remaining(r Record) int {
	return max(0, l.Limit(r)-r.UsedToday)
}

// Progress returns the used share of today's budget in [0, 1].
func (l *Ledger) Progress(r Record) float64 {
	limit := l.Limit(r)
	if limit == 0 {
		return 0
	}
	return min(1, float64(r.UsedToday)/float64(limit))
}

// Increment records one generation. Usage is clamped at the daily limit:
// when the budget is spent the record is returned unchanged.
func (l *Ledger) Increment(r Record, today time.Time) Record {
	r = l.ResetIfNeeded(r, today)
	if l.CanGenerate(r) {
		r.UsedToday++
	}
	return r
}

// IsModelAllowed reports whether model is selectable on tier.
func (l *Ledger) IsModelAllowed(tier Tier, model string) bool {
	cfg, ok := l.catalog.tiers[tier]
	return ok && cfg.Allows(model)
}

// SelectModel switches r to model. The record is returned unchanged together
// with ErrModelRejected when r's tier does not allow it.
func (l *Ledger) SelectModel(r Record, model string) (Record, error) {
	if _, ok := l.catalog.Model(model); !ok {
		return r, fmt.Errorf("%w: %w %q", ErrModelRejected, ErrUnknownModel, model)
	}
	if !l.IsModelAllowed(r.Tier, model) {
		return r, fmt.Errorf("%w: %q on tier %q", ErrModelRejected, model, r.Tier)
	}
	r.SelectedModel = model
	return r, nil
}

// ChangeTier moves r to tier, falling back to the tier's default model when
// the selected one is no longer allowed. Today's usage carries over, so a
// downgrade can leave the record over its new limit until the next reset.
func (l *Ledger) ChangeTier(r Record, tier Tier) (Record, error) {
	cfg, ok := l.catalog.tiers[tier]
	if !ok {
		return r, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	r.Tier = tier
	if !cfg.Allows(r.SelectedModel) {
		r.SelectedModel = cfg.DefaultModel
	}
	return r, nil
}

// Normalize repairs a loaded record so it satisfies the tier and model
// invariants: unknown tiers fall back to the default tier and ineligible
// models to the tier default. Negative usage is clamped to zero.
func (l *Ledger) Normalize(r Record) Record {
	if _, ok := l.catalog.tiers[r.Tier]; !ok {
		r.Tier = l.catalog.DefaultTier()
	}
	cfg := l.catalog.tiers[r.Tier]
	if !cfg.Allows(r.SelectedModel) {
		r.SelectedModel = cfg.DefaultModel
	}
	if r.UsedToday < 0 {
		r.UsedToday = 0
	}
	return r
}

// Snapshot summarizes r for a paywall prompt. r should already be reset for
// the day of now.
func (l *Ledger) Snapshot(r Record, now time.Time) Snapshot {
	return Snapshot{
		Tier:        r.Tier,
		Model:       r.SelectedModel,
		Used:        r.UsedToday,
		Limit:       l.Limit(r),
		Remaining:   l.Remaining(r),
		Progress:    l.Progress(r),
		CanGenerate: l.CanGenerate(r),
		ResetsAt:    nextDayStart(now, l.location),
	}
}
