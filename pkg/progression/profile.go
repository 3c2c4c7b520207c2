package progression

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Profile is one child or pregnancy record.
type Profile struct {
	Name  string `json:"name"`
	Stage Stage  `json:"stage"`

	// Interests is an ordered set of tags; order is display order.
	Interests []string `json:"interests"`

	// DateOfBirth is absent while the profile is a pregnancy.
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`

	// DueDate is only meaningful while the profile is a pregnancy.
	DueDate *time.Time `json:"due_date,omitempty"`

	LastUpdate time.Time `json:"last_update"`
}

// Clone returns a deep copy of p.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Interests = slices.Clone(p.Interests)
	if p.DateOfBirth != nil {
		dob := *p.DateOfBirth
		cp.DateOfBirth = &dob
	}
	if p.DueDate != nil {
		due := *p.DueDate
		cp.DueDate = &due
	}
	return &cp
}

// Equal reports whether two profiles hold the same facts.
func (p *Profile) Equal(o *Profile) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.Name == o.Name &&
		p.Stage == o.Stage &&
		slices.Equal(p.Interests, o.Interests) &&
		timePtrEqual(p.DateOfBirth, o.DateOfBirth) &&
		timePtrEqual(p.DueDate, o.DueDate) &&
		p.LastUpdate.Equal(o.LastUpdate)
}

// AwaitingBirthDate reports whether a profile has left pregnancy but has no
// date of birth yet. Such a profile stays at its persisted stage until one is
// recorded.
func (p *Profile) AwaitingBirthDate() bool {
	return p.Stage != StagePregnancy && p.DateOfBirth == nil
}

// Validate checks the facts a stored profile must satisfy. A pregnancy needs a
// due date and no date of birth; later stages may lack a date of birth only
// while it is still being collected.
func (p *Profile) Validate() error {
	switch {
	case strings.TrimSpace(p.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidProfile)
	case !p.Stage.Valid():
		return fmt.Errorf("%w: %w", ErrInvalidProfile, ErrUnknownStage)
	case p.Stage == StagePregnancy && p.DueDate == nil:
		return fmt.Errorf("%w: pregnancy requires a due date", ErrInvalidProfile)
	case p.Stage == StagePregnancy && p.DateOfBirth != nil:
		return fmt.Errorf("%w: pregnancy cannot have a date of birth", ErrInvalidProfile)
	}
	return nil
}

// ProposedUpdate is the outcome of progression for one profile.
type ProposedUpdate struct {
	NewStage          Stage
	NewInterests      []string
	TouchedLastUpdate time.Time
}

// Apply returns a copy of p with the update applied.
func (u *ProposedUpdate) Apply(p *Profile) *Profile {
	next := p.Clone()
	next.Stage = u.NewStage
	next.Interests = slices.Clone(u.NewInterests)
	next.LastUpdate = u.TouchedLastUpdate
	return next
}

// Propose computes the update progression would make to p at now, or nil
// when the profile is current. Interests are only migrated when the stage
// changes, so manual edits made between stage changes are left alone.
func Propose(p *Profile, now time.Time, catalog *InterestCatalog) *ProposedUpdate {
	facts := FactsOf(p)
	if !HasDiverged(now, facts) {
		return nil
	}

	newStage := Classify(now, facts)
	if newStage == p.Stage {
		return nil
	}

	return &ProposedUpdate{
		NewStage:          newStage,
		NewInterests:      MigrateInterests(p.Interests, newStage, catalog),
		TouchedLastUpdate: now,
	}
}

// MigrateInterests reconciles interests with the catalog of stage to.
// Tags still offered for the stage are kept in their original order; the list
// is then topped up from the stage's suggestions until it reaches the
// catalog's minimum or the suggestions run out.
func MigrateInterests(interests []string, to Stage, catalog *InterestCatalog) []string {
	kept := make([]string, 0, len(interests))
	for _, tag := range interests {
		if catalog.Contains(to, tag) && !slices.Contains(kept, tag) {
			kept = append(kept, tag)
		}
	}

	final := kept
	for _, candidate := range catalog.Suggestions(to, kept) {
		if len(final) >= catalog.MinInterests() {
			break
		}
		final = append(final, candidate)
	}
	return final
}

// NormalizeInterests trims tags, drops empty ones and removes duplicates while
// keeping first-seen order.
func NormalizeInterests(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || slices.Contains(out, tag) {
			continue
		}
		out = append(out, tag)
	}
	return out
}

// Onboarding carries the facts collected when a profile is first created.
// Exactly one of DateOfBirth and DueDate must be set.
type Onboarding struct {
	Name        string
	DateOfBirth *time.Time
	DueDate     *time.Time
	Interests   []string
}

// NewProfile creates a profile at its derived stage with a starter interest
// set drawn from that stage's catalog.
func NewProfile(now time.Time, o Onboarding, catalog *InterestCatalog) (*Profile, error) {
	name := strings.TrimSpace(o.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}
	if (o.DateOfBirth == nil) == (o.DueDate == nil) {
		return nil, fmt.Errorf("%w: exactly one of date of birth and due date is required", ErrInvalidProfile)
	}

	p := &Profile{
		Name:       name,
		LastUpdate: now,
	}
	if o.DueDate != nil {
		due := *o.DueDate
		p.DueDate = &due
		p.Stage = StagePregnancy
		p.Stage = Classify(now, FactsOf(p))
	} else {
		dob := *o.DateOfBirth
		if CalendarDate(dob).After(CalendarDate(now)) {
			return nil, fmt.Errorf("%w: date of birth is in the future", ErrInvalidProfile)
		}
		p.DateOfBirth = &dob
		p.Stage = StageForAge(MonthsBetween(dob, now))
	}

	p.Interests = MigrateInterests(NormalizeInterests(o.Interests), p.Stage, catalog)
	return p, nil
}

// RecordBirth moves a pregnancy profile to the stage its date of birth
// implies. The due date is cleared and interests are migrated to the new
// stage's catalog.
func (p *Profile) RecordBirth(dob, now time.Time, catalog *InterestCatalog) error {
	if p.Stage != StagePregnancy {
		return fmt.Errorf("%w: birth can only be recorded on a pregnancy", ErrInvalidProfile)
	}
	if CalendarDate(dob).After(CalendarDate(now)) {
		return fmt.Errorf("%w: date of birth is in the future", ErrInvalidProfile)
	}
	p.DateOfBirth = &dob
	p.DueDate = nil
	p.Stage = StageForAge(MonthsBetween(dob, now))
	p.Interests = MigrateInterests(NormalizeInterests(p.Interests), p.Stage, catalog)
	return nil
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
