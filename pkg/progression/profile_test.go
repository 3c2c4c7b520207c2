package progression_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/storytime/pkg/progression"
)

func TestPropose_NewbornToInfant(t *testing.T) {
	now := date(2024, 8, 15)
	p := &progression.Profile{
		Name:        "Mia",
		Stage:       progression.StageNewborn,
		Interests:   []string{"Lullabies", "Comfort"},
		DateOfBirth: ptr(date(2024, 1, 15)),
		LastUpdate:  date(2024, 1, 20),
	}

	update := progression.Propose(p, now, progression.DefaultInterestCatalog())
	require.NotNil(t, update)

	want := &progression.ProposedUpdate{
		NewStage:          progression.StageInfant,
		NewInterests:      []string{"Animals", "Colors", "Music"},
		TouchedLastUpdate: now,
	}
	if diff := cmp.Diff(want, update); diff != "" {
		t.Errorf("Propose mismatch (-want +got):\n%s", diff)
	}
}

func TestPropose_KeepsValidInterests(t *testing.T) {
	now := date(2024, 8, 15)
	p := &progression.Profile{
		Name:        "Leo",
		Stage:       progression.StageInfant,
		Interests:   []string{"Music", "Peekaboo", "Animals"},
		DateOfBirth: ptr(date(2023, 5, 2)),
	}

	update := progression.Propose(p, now, progression.DefaultInterestCatalog())
	require.NotNil(t, update)
	assert.Equal(t, progression.StageToddler, update.NewStage)
	// Music and Animals survive in their original order, Peekaboo is dropped,
	// and the top priority toddler tag not already kept fills the third slot.
	assert.Equal(t, []string{"Music", "Animals", "Vehicles"}, update.NewInterests)
}

func TestPropose_NoTopUpWhenEnoughKept(t *testing.T) {
	now := date(2024, 8, 15)
	p := &progression.Profile{
		Stage:       progression.StageToddler,
		Interests:   []string{"Dinosaurs", "Friendship", "Vehicles", "Space"},
		DateOfBirth: ptr(date(2021, 6, 1)),
	}

	update := progression.Propose(p, now, progression.DefaultInterestCatalog())
	require.NotNil(t, update)
	assert.Equal(t, progression.StagePreschooler, update.NewStage)
	assert.Equal(t, []string{"Dinosaurs", "Friendship", "Space"}, update.NewInterests)

	p.Interests = []string{"Dinosaurs", "Colors"}
	update = progression.Propose(p, now, progression.DefaultInterestCatalog())
	require.NotNil(t, update)
	assert.Equal(t, []string{"Dinosaurs", "Adventure", "Friendship"}, update.NewInterests)
}

func TestPropose_Current(t *testing.T) {
	now := date(2024, 8, 15)
	p := &progression.Profile{
		Stage:       progression.StageInfant,
		Interests:   []string{"Lullabies"}, // stale tag, but the stage did not change
		DateOfBirth: ptr(date(2024, 1, 15)),
	}
	assert.Nil(t, progression.Propose(p, now, progression.DefaultInterestCatalog()))

	pregnant := &progression.Profile{
		Stage:   progression.StagePregnancy,
		DueDate: ptr(date(2024, 12, 1)),
	}
	assert.Nil(t, progression.Propose(pregnant, now, progression.DefaultInterestCatalog()))
}

func TestPropose_PregnancyResolves(t *testing.T) {
	now := date(2024, 8, 15)
	p := &progression.Profile{
		Stage:     progression.StagePregnancy,
		Interests: []string{"Lullabies", "Bonding", "Family"},
		DueDate:   ptr(date(2023, 1, 1)),
	}

	update := progression.Propose(p, now, progression.DefaultInterestCatalog())
	require.NotNil(t, update)
	assert.Equal(t, progression.StageNewborn, update.NewStage)
	assert.Equal(t, []string{"Lullabies", "Family", "Sleep"}, update.NewInterests)

	next := update.Apply(p)
	assert.True(t, next.AwaitingBirthDate())
	assert.Nil(t, progression.Propose(next, now, progression.DefaultInterestCatalog()))
}

func TestPropose_Idempotent(t *testing.T) {
	catalog := progression.DefaultInterestCatalog()
	start := date(2018, 1, 1)

	for months := 0; months < 90; months += 5 {
		for _, s := range progression.Stages()[1:] {
			now := start.AddDate(0, months, 10)
			p := &progression.Profile{
				Stage:       s,
				Interests:   []string{"Animals", "Lullabies", "Space"},
				DateOfBirth: ptr(start),
			}

			update := progression.Propose(p, now, catalog)
			if update == nil {
				continue
			}
			applied := update.Apply(p)
			assert.Nil(t, progression.Propose(applied, now, catalog), "months=%d stage=%s", months, s)
		}
	}
}

func TestMigrateInterests_Floor(t *testing.T) {
	catalog := progression.DefaultInterestCatalog()
	inputs := [][]string{
		nil,
		{"Lullabies"},
		{"Animals", "Animals"},
		{"Space", "Adventure", "Dinosaurs", "Friendship"},
		{"Unknown", "Tags"},
	}

	for _, s := range progression.Stages() {
		for _, in := range inputs {
			got := progression.MigrateInterests(in, s, catalog)
			floor := min(catalog.MinInterests(), len(catalog.Available(s)))
			assert.GreaterOrEqual(t, len(got), floor, "stage=%s in=%v", s, in)
			for _, tag := range got {
				assert.True(t, catalog.Contains(s, tag), "stage=%s tag=%q", s, tag)
			}
		}
	}
}

func TestMigrateInterests_SmallCatalog(t *testing.T) {
	stages := map[progression.Stage]progression.StageInterests{}
	for _, s := range progression.Stages() {
		stages[s] = progression.StageInterests{Available: []string{"A", "B", "C", "D"}}
	}
	stages[progression.StagePreschooler] = progression.StageInterests{
		Available: []string{"Space", "Ocean"},
		Priority:  []string{"Ocean"},
	}

	catalog, err := progression.NewInterestCatalog(0, stages)
	require.NoError(t, err)

	got := progression.MigrateInterests([]string{"A"}, progression.StagePreschooler, catalog)
	assert.Equal(t, []string{"Ocean", "Space"}, got)
}

func TestNewProfile(t *testing.T) {
	now := date(2024, 8, 15)
	catalog := progression.DefaultInterestCatalog()

	p, err := progression.NewProfile(now, progression.Onboarding{
		Name:        " Ava ",
		DateOfBirth: ptr(date(2022, 3, 3)),
		Interests:   []string{"Dinosaurs", " Dinosaurs", "Unicorns"},
	}, catalog)
	require.NoError(t, err)
	assert.Equal(t, "Ava", p.Name)
	assert.Equal(t, progression.StageToddler, p.Stage)
	assert.Equal(t, []string{"Dinosaurs", "Animals", "Vehicles"}, p.Interests)
	assert.Equal(t, now, p.LastUpdate)

	p, err = progression.NewProfile(now, progression.Onboarding{
		Name:    "Bump",
		DueDate: ptr(date(2024, 11, 30)),
	}, catalog)
	require.NoError(t, err)
	assert.Equal(t, progression.StagePregnancy, p.Stage)
	assert.Equal(t, []string{"Bonding", "Relaxation", "Lullabies"}, p.Interests)
}

func TestNewProfile_Invalid(t *testing.T) {
	now := date(2024, 8, 15)
	catalog := progression.DefaultInterestCatalog()

	tests := []progression.Onboarding{
		{Name: "", DueDate: ptr(now)},
		{Name: "Both", DueDate: ptr(now), DateOfBirth: ptr(now)},
		{Name: "Neither"},
		{Name: "Future", DateOfBirth: ptr(now.AddDate(0, 1, 0))},
	}
	for i, o := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			_, err := progression.NewProfile(now, o, catalog)
			assert.ErrorIs(t, err, progression.ErrInvalidProfile)
		})
	}
}

func TestProfile_RecordBirth(t *testing.T) {
	catalog := progression.DefaultInterestCatalog()
	now := date(2025, 5, 20)
	p, err := progression.NewProfile(date(2025, 1, 1), progression.Onboarding{
		Name:    "Bump",
		DueDate: ptr(date(2025, 6, 10)),
	}, catalog)
	require.NoError(t, err)

	require.NoError(t, p.RecordBirth(date(2025, 5, 18), now, catalog))
	assert.Equal(t, progression.StageNewborn, p.Stage)
	assert.Nil(t, p.DueDate)
	require.NotNil(t, p.DateOfBirth)
	assert.Equal(t, date(2025, 5, 18), *p.DateOfBirth)
	assert.Contains(t, p.Interests, "Lullabies")
	for _, tag := range p.Interests {
		assert.True(t, catalog.Contains(progression.StageNewborn, tag), tag)
	}
	assert.NoError(t, p.Validate())
	assert.False(t, progression.HasDiverged(now, progression.FactsOf(p)))

	err = p.RecordBirth(date(2025, 5, 18), now, catalog)
	assert.ErrorIs(t, err, progression.ErrInvalidProfile, "only a pregnancy can be born")
}

func TestProfile_RecordBirth_Future(t *testing.T) {
	catalog := progression.DefaultInterestCatalog()
	p := &progression.Profile{Name: "Bump", Stage: progression.StagePregnancy, DueDate: ptr(date(2025, 6, 10))}

	err := p.RecordBirth(date(2025, 5, 21), date(2025, 5, 20), catalog)
	assert.ErrorIs(t, err, progression.ErrInvalidProfile)
	assert.Equal(t, progression.StagePregnancy, p.Stage)
	assert.NotNil(t, p.DueDate)
}

func TestProfile_JSONRoundTrip(t *testing.T) {
	p := &progression.Profile{
		Name:        "Noah",
		Stage:       progression.StageToddler,
		Interests:   []string{"Vehicles", "Animals", "Music"},
		DateOfBirth: ptr(time.Date(2022, 4, 5, 13, 14, 15, 0, time.UTC)),
		LastUpdate:  time.Date(2024, 8, 15, 9, 30, 1, 0, time.UTC),
	}

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stage":"toddler"`)

	var decoded progression.Profile
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, p.Equal(&decoded))
}

func TestProfile_CloneIsDeep(t *testing.T) {
	p := &progression.Profile{Interests: []string{"A"}, DueDate: ptr(date(2024, 1, 1))}
	cp := p.Clone()
	cp.Interests[0] = "B"
	*cp.DueDate = date(2030, 1, 1)

	assert.Equal(t, "A", p.Interests[0])
	assert.Equal(t, date(2024, 1, 1), *p.DueDate)
}

func TestProfile_Validate(t *testing.T) {
	tests := []struct {
		name    string
		profile progression.Profile
		wantErr bool
	}{
		{"pregnancy", progression.Profile{Name: "A", Stage: progression.StagePregnancy, DueDate: ptr(date(2025, 1, 1))}, false},
		{"awaiting birth date", progression.Profile{Name: "A", Stage: progression.StageNewborn}, false},
		{"toddler", progression.Profile{Name: "A", Stage: progression.StageToddler, DateOfBirth: ptr(date(2022, 1, 1))}, false},
		{"blank name", progression.Profile{Name: " ", Stage: progression.StageNewborn}, true},
		{"bad stage", progression.Profile{Name: "A", Stage: progression.Stage(42)}, true},
		{"pregnancy without due date", progression.Profile{Name: "A", Stage: progression.StagePregnancy}, true},
		{"pregnancy with birth date", progression.Profile{
			Name: "A", Stage: progression.StagePregnancy,
			DueDate: ptr(date(2025, 1, 1)), DateOfBirth: ptr(date(2024, 1, 1)),
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.profile.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, progression.ErrInvalidProfile)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
