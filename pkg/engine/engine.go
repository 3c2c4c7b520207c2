// Package engine runs stage progression and the daily generation quota for a
// profile against injected storage ports. Every read-modify-write goes
// through a single slot so that progression and generation never interleave.
package engine

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/storytime/pkg/progression"
	"github.com/mihaimyh/storytime/pkg/quota"
)

// Config configures an Engine. Zero fields get defaults in New.
type Config struct {
	// AccountID is attached to log lines (optional)
	AccountID string

	// Interests is the stage interest table (default: progression.DefaultInterestCatalog)
	Interests *progression.InterestCatalog

	// Tiers is the tier and model table (default: quota.DefaultCatalog)
	Tiers *quota.Catalog

	// Location is the zone calendar days are compared in (default: UTC)
	Location *time.Location

	// Clock supplies the reference time (default: SystemClock)
	Clock Clock

	// Notifier is told about persisted progressions (default: NoopNotifier)
	Notifier Notifier

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking engine activity (default: NoopMetrics)
	Metrics Metrics
}

func (c Config) withDefaults() Config {
	if c.Interests == nil {
		c.Interests = progression.DefaultInterestCatalog()
	}
	if c.Tiers == nil {
		c.Tiers = quota.DefaultCatalog()
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Notifier == nil {
		c.Notifier = NoopNotifier{}
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	return c
}

// Engine owns the profile and quota record of one account.
type Engine struct {
	profiles ProfileStore
	quotas   QuotaStore
	config   Config
	ledger   *quota.Ledger

	// slot holds a token while an operation is in flight
	slot slot
}

// New creates an engine over the given stores.
func New(profiles ProfileStore, quotas QuotaStore, config Config) (*Engine, error) {
	if profiles == nil || quotas == nil {
		return nil, ErrStorageUnavailable
	}
	config = config.withDefaults()

	return &Engine{
		profiles: profiles,
		quotas:   quotas,
		config:   config,
		ledger:   quota.NewLedger(config.Tiers, config.Location),
		slot:     newChanSlot(),
	}, nil
}

// now reads the clock in the engine's location, so stage and quota days agree.
func (e *Engine) now() time.Time {
	return e.config.Clock.Now().In(e.config.Location)
}

// Ledger returns the quota rules the engine applies.
func (e *Engine) Ledger() *quota.Ledger {
	return e.ledger
}

// Interests returns the interest catalog the engine migrates against.
func (e *Engine) Interests() *progression.InterestCatalog {
	return e.config.Interests
}

// Result describes what a progression run changed.
type Result struct {
	// NoProfile is set when no profile exists yet; nothing else is populated.
	NoProfile bool `json:"no_profile,omitempty"`

	StageChanged bool              `json:"stage_changed"`
	OldStage     progression.Stage `json:"old_stage"`
	NewStage     progression.Stage `json:"new_stage"`

	InterestsAdded   []string `json:"interests_added,omitempty"`
	InterestsRemoved []string `json:"interests_removed,omitempty"`

	QuotaReset bool `json:"quota_reset"`

	// AwaitingBirthDate is set when a pregnancy resolved and the date of
	// birth still has to be collected.
	AwaitingBirthDate bool `json:"awaiting_birth_date,omitempty"`

	Profile *progression.Profile `json:"profile,omitempty"`
	Quota   quota.Record         `json:"quota"`
}

// InterestsChanged reports whether the run migrated any interest.
func (r Result) InterestsChanged() bool {
	return len(r.InterestsAdded) > 0 || len(r.InterestsRemoved) > 0
}

// RunOnce brings the stored profile and quota record up to date with the
// clock. The profile is written before the quota record; a run that fails
// between the two writes converges when repeated.
func (e *Engine) RunOnce(ctx context.Context) (Result, error) {
	if err := e.acquire(ctx); err != nil {
		return Result{}, err
	}
	defer e.release()

	now := e.now()

	profile, err := e.loadProfile(ctx)
	if err != nil {
		return Result{}, err
	}
	if profile == nil {
		e.config.Logger.Debug("no profile, skipping progression", e.fields()...)
		return Result{NoProfile: true}, nil
	}

	record, stored, reset, err := e.loadQuota(ctx, now)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		OldStage:   profile.Stage,
		NewStage:   profile.Stage,
		QuotaReset: reset,
	}

	update := progression.Propose(profile, now, e.config.Interests)
	if update != nil {
		next := update.Apply(profile)
		if err := e.saveProfile(ctx, next); err != nil {
			return Result{}, err
		}

		res.StageChanged = next.Stage != profile.Stage
		res.NewStage = next.Stage
		res.InterestsAdded, res.InterestsRemoved = diffTags(profile.Interests, next.Interests)
		profile = next

		e.config.Metrics.RecordProgression(res.OldStage.String(), res.NewStage.String())
		e.config.Metrics.RecordInterestMigration(res.NewStage.String(), len(res.InterestsAdded), len(res.InterestsRemoved))
		e.config.Logger.Info("profile progressed", e.fields(
			Field{"from", res.OldStage.String()},
			Field{"to", res.NewStage.String()},
			Field{"interests", profile.Interests},
		)...)
	}

	if err := e.saveQuota(ctx, record, stored); err != nil {
		return Result{}, err
	}

	res.Profile = profile.Clone()
	res.AwaitingBirthDate = profile.AwaitingBirthDate()
	res.Quota = record

	if update != nil {
		if err := e.config.Notifier.ProfileChanged(ctx, res); err != nil {
			e.config.Logger.Warn("notifier failed", e.fields(Field{"error", err})...)
		}
	}
	return res, nil
}

// Generation is the outcome of asking for one story generation.
type Generation struct {
	// ID identifies an allowed generation; empty when denied
	ID string `json:"id,omitempty"`

	// Allowed is false when today's budget is spent. The caller shows the
	// paywall instead of generating.
	Allowed bool `json:"allowed"`

	Tier      quota.Tier `json:"tier"`
	Model     string     `json:"model"`
	Used      int        `json:"used"`
	Limit     int        `json:"limit"`
	Remaining int        `json:"remaining"`
	Progress  float64    `json:"progress"`
	At        time.Time  `json:"at"`
}

// Consume charges one generation against today's budget. Running out of
// budget is reported through Generation.Allowed, never as an error.
func (e *Engine) Consume(ctx context.Context) (Generation, error) {
	if err := e.acquire(ctx); err != nil {
		return Generation{}, err
	}
	defer e.release()

	now := e.now()
	record, stored, _, err := e.loadQuota(ctx, now)
	if err != nil {
		return Generation{}, err
	}

	allowed := e.ledger.CanGenerate(record)
	if allowed {
		record = e.ledger.Increment(record, now)
	}
	if err := e.saveQuota(ctx, record, stored); err != nil {
		return Generation{}, err
	}

	e.config.Metrics.RecordGeneration(string(record.Tier), record.SelectedModel, allowed)

	gen := Generation{
		Allowed:   allowed,
		Tier:      record.Tier,
		Model:     record.SelectedModel,
		Used:      record.UsedToday,
		Limit:     e.ledger.Limit(record),
		Remaining: e.ledger.Remaining(record),
		Progress:  e.ledger.Progress(record),
		At:        now,
	}
	if allowed {
		gen.ID = uuid.NewString()
	} else {
		e.config.Logger.Info("daily generation limit reached", e.fields(
			Field{"tier", string(record.Tier)},
			Field{"used", record.UsedToday},
		)...)
	}
	return gen, nil
}

// Status returns the paywall numbers for today, persisting a pending reset.
func (e *Engine) Status(ctx context.Context) (quota.Snapshot, error) {
	if err := e.acquire(ctx); err != nil {
		return quota.Snapshot{}, err
	}
	defer e.release()

	now := e.now()
	record, stored, _, err := e.loadQuota(ctx, now)
	if err != nil {
		return quota.Snapshot{}, err
	}
	if err := e.saveQuota(ctx, record, stored); err != nil {
		return quota.Snapshot{}, err
	}
	return e.ledger.Snapshot(record, now), nil
}

// SelectModel switches the selected model. A model the current tier does not
// allow fails with quota.ErrModelRejected and nothing is written.
func (e *Engine) SelectModel(ctx context.Context, model string) (quota.Record, error) {
	return e.mutateQuota(ctx, func(r quota.Record) (quota.Record, error) {
		return e.ledger.SelectModel(r, model)
	})
}

// ChangeTier moves the record to tier. Today's usage carries over.
func (e *Engine) ChangeTier(ctx context.Context, tier quota.Tier) (quota.Record, error) {
	return e.mutateQuota(ctx, func(r quota.Record) (quota.Record, error) {
		next, err := e.ledger.ChangeTier(r, tier)
		if err == nil && next.Tier != r.Tier {
			e.config.Logger.Info("tier changed", e.fields(
				Field{"from", string(r.Tier)},
				Field{"to", string(next.Tier)},
				Field{"model", next.SelectedModel},
			)...)
		}
		return next, err
	})
}

func (e *Engine) mutateQuota(ctx context.Context, fn func(quota.Record) (quota.Record, error)) (quota.Record, error) {
	if err := e.acquire(ctx); err != nil {
		return quota.Record{}, err
	}
	defer e.release()

	now := e.now()
	record, stored, _, err := e.loadQuota(ctx, now)
	if err != nil {
		return quota.Record{}, err
	}

	next, err := fn(record)
	if err != nil {
		return record, err
	}
	if err := e.saveQuota(ctx, next, stored); err != nil {
		return quota.Record{}, err
	}
	return next, nil
}

// Onboard stores a new profile built from o. It fails with ErrProfileExists
// when the account already has one.
func (e *Engine) Onboard(ctx context.Context, o progression.Onboarding) (*progression.Profile, error) {
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()

	existing, err := e.loadProfile(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrProfileExists
	}

	p, err := progression.NewProfile(e.now(), o, e.config.Interests)
	if err != nil {
		return nil, err
	}
	if err := e.saveProfile(ctx, p); err != nil {
		return nil, err
	}
	e.config.Logger.Info("profile created", e.fields(Field{"stage", p.Stage.String()})...)
	return p.Clone(), nil
}

// EditProfile applies a user edit to the stored profile. Interests are
// normalized and lastUpdate is stamped; the stage is left for RunOnce to
// reconcile. Setting a date of birth on a pregnancy records the birth and
// moves the profile to its age stage straight away.
func (e *Engine) EditProfile(ctx context.Context, edit func(p *progression.Profile) error) (*progression.Profile, error) {
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()

	current, err := e.loadProfile(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrNoProfile
	}

	now := e.now()
	next := current.Clone()
	if err := edit(next); err != nil {
		return nil, err
	}
	born := next.Stage == progression.StagePregnancy && next.DateOfBirth != nil
	if born {
		if err := next.RecordBirth(*next.DateOfBirth, now, e.config.Interests); err != nil {
			return nil, err
		}
	}
	next.Name = strings.TrimSpace(next.Name)
	next.Interests = progression.NormalizeInterests(next.Interests)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if next.Equal(current) {
		return current, nil
	}

	next.LastUpdate = now
	if err := e.saveProfile(ctx, next); err != nil {
		return nil, err
	}
	if born {
		e.config.Logger.Info("birth recorded", e.fields(Field{"stage", next.Stage.String()})...)
	}
	return next.Clone(), nil
}

// Profile returns the stored profile without modifying it, or nil.
func (e *Engine) Profile(ctx context.Context) (*progression.Profile, error) {
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()
	return e.loadProfile(ctx)
}

func (e *Engine) acquire(ctx context.Context) error {
	return e.slot.acquire(ctx)
}

func (e *Engine) release() {
	e.slot.release()
}

func (e *Engine) loadProfile(ctx context.Context) (*progression.Profile, error) {
	start := time.Now()
	p, err := e.profiles.Load(ctx)
	e.config.Metrics.RecordStorageOperation("load_profile", time.Since(start), err)
	if err != nil {
		e.config.Logger.Error("failed to load profile", e.fields(Field{"error", err})...)
		return nil, &StorageFailure{Op: "load", Record: RecordProfile, Err: err}
	}
	return p, nil
}

func (e *Engine) saveProfile(ctx context.Context, p *progression.Profile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	err := e.profiles.Save(ctx, p)
	e.config.Metrics.RecordStorageOperation("save_profile", time.Since(start), err)
	if err != nil {
		e.config.Logger.Error("failed to save profile", e.fields(Field{"error", err})...)
		return &StorageFailure{Op: "save", Record: RecordProfile, Err: err}
	}
	return nil
}

// loadQuota returns the record normalized and reset for the day of now, the
// record as stored (nil if absent) and whether a daily reset happened.
func (e *Engine) loadQuota(ctx context.Context, now time.Time) (quota.Record, *quota.Record, bool, error) {
	start := time.Now()
	stored, err := e.quotas.Load(ctx)
	e.config.Metrics.RecordStorageOperation("load_quota", time.Since(start), err)
	if err != nil {
		e.config.Logger.Error("failed to load quota record", e.fields(Field{"error", err})...)
		return quota.Record{}, nil, false, &StorageFailure{Op: "load", Record: RecordQuota, Err: err}
	}
	if stored == nil {
		return e.ledger.NewRecord(now), nil, false, nil
	}

	record := e.ledger.Normalize(*stored)
	reset := e.ledger.NeedsReset(record, now)
	if reset {
		record = e.ledger.ResetIfNeeded(record, now)
		e.config.Metrics.RecordQuotaReset(string(record.Tier))
		e.config.Logger.Debug("quota reset for new day", e.fields(Field{"tier", string(record.Tier)})...)
	}
	return record, stored, reset, nil
}

// saveQuota writes r unless it matches what was loaded.
func (e *Engine) saveQuota(ctx context.Context, r quota.Record, stored *quota.Record) error {
	if stored != nil && r.Equal(*stored) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	err := e.quotas.Save(ctx, &r)
	e.config.Metrics.RecordStorageOperation("save_quota", time.Since(start), err)
	if err != nil {
		e.config.Logger.Error("failed to save quota record", e.fields(Field{"error", err})...)
		return &StorageFailure{Op: "save", Record: RecordQuota, Err: err}
	}
	return nil
}

func (e *Engine) fields(extra ...Field) []Field {
	if e.config.AccountID == "" {
		return extra
	}
	return append([]Field{{"account_id", e.config.AccountID}}, extra...)
}

// diffTags returns the tags in after but not before, and in before but not
// after, each in list order.
func diffTags(before, after []string) (added, removed []string) {
	for _, tag := range after {
		if !slices.Contains(before, tag) {
			added = append(added, tag)
		}
	}
	for _, tag := range before {
		if !slices.Contains(after, tag) {
			removed = append(removed, tag)
		}
	}
	return added, removed
}
