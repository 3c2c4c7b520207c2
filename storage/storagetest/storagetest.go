// Package storagetest holds behaviour checks shared by every engine.Storage
// implementation under storage/.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/storytime/pkg/engine"
	"github.com/mihaimyh/storytime/pkg/progression"
	"github.com/mihaimyh/storytime/pkg/quota"
)

// AccountID returns a fresh account id so suites can share a live backend.
func AccountID(t *testing.T) string {
	t.Helper()
	return "test-" + uuid.NewString()
}

// Profile returns a profile exercising every persisted field.
func Profile() *progression.Profile {
	dob := time.Date(2023, 2, 3, 4, 5, 6, 0, time.UTC)
	return &progression.Profile{
		Name:        "Mia",
		Stage:       progression.StageInfant,
		Interests:   []string{"Music", "Animals", "Colors"},
		DateOfBirth: &dob,
		LastUpdate:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// Record returns a quota record exercising every persisted field.
func Record() *quota.Record {
	return &quota.Record{
		Tier:          quota.TierPremium,
		SelectedModel: "gemini-1.5-pro",
		UsedToday:     7,
		LastResetDate: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}

// Run exercises s with the round-trip, isolation and overwrite checks every
// backend must pass.
func Run(t *testing.T, s engine.Storage) {
	t.Run("MissingIsNil", func(t *testing.T) { testMissing(t, s) })
	t.Run("ProfileRoundTrip", func(t *testing.T) { testProfileRoundTrip(t, s) })
	t.Run("PregnancyRoundTrip", func(t *testing.T) { testPregnancyRoundTrip(t, s) })
	t.Run("QuotaRoundTrip", func(t *testing.T) { testQuotaRoundTrip(t, s) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, s) })
	t.Run("AccountsIsolated", func(t *testing.T) { testIsolation(t, s) })
	t.Run("ReturnsCopies", func(t *testing.T) { testCopies(t, s) })
	t.Run("Concurrent", func(t *testing.T) { testConcurrent(t, s) })
}

func testMissing(t *testing.T, s engine.Storage) {
	ctx := context.Background()
	id := AccountID(t)

	p, err := s.GetProfile(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, p)

	r, err := s.GetQuota(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func testProfileRoundTrip(t *testing.T, s engine.Storage) {
	ctx := context.Background()
	id := AccountID(t)
	want := Profile()

	require.NoError(t, s.SetProfile(ctx, id, want))

	got, err := s.GetProfile(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, want.Equal(got), "want %+v, got %+v", want, got)
	assert.Equal(t, want.Interests, got.Interests)
	assert.Nil(t, got.DueDate)
}

func testPregnancyRoundTrip(t *testing.T, s engine.Storage) {
	ctx := context.Background()
	id := AccountID(t)
	due := time.Date(2025, 6, 7, 0, 0, 0, 0, time.UTC)
	want := &progression.Profile{
		Name:       "Bump",
		Stage:      progression.StagePregnancy,
		Interests:  []string{"Bonding"},
		DueDate:    &due,
		LastUpdate: time.Date(2024, 12, 1, 8, 0, 0, 0, time.UTC),
	}

	require.NoError(t, s.SetProfile(ctx, id, want))

	got, err := s.GetProfile(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, want.Equal(got), "want %+v, got %+v", want, got)
	assert.Nil(t, got.DateOfBirth)
}

func testQuotaRoundTrip(t *testing.T, s engine.Storage) {
	ctx := context.Background()
	id := AccountID(t)
	want := Record()

	require.NoError(t, s.SetQuota(ctx, id, want))

	got, err := s.GetQuota(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, want.Equal(*got), "want %+v, got %+v", want, got)
}

func testOverwrite(t *testing.T, s engine.Storage) {
	ctx := context.Background()
	id := AccountID(t)

	p := Profile()
	require.NoError(t, s.SetProfile(ctx, id, p))
	p.Stage = progression.StageToddler
	p.Interests = []string{"Vehicles"}
	require.NoError(t, s.SetProfile(ctx, id, p))

	got, err := s.GetProfile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, progression.StageToddler, got.Stage)
	assert.Equal(t, []string{"Vehicles"}, got.Interests)

	r := Record()
	require.NoError(t, s.SetQuota(ctx, id, r))
	r.UsedToday = 0
	r.Tier = quota.TierFree
	r.SelectedModel = "gpt-4o-mini"
	require.NoError(t, s.SetQuota(ctx, id, r))

	gotRecord, err := s.GetQuota(ctx, id)
	require.NoError(t, err)
	assert.True(t, r.Equal(*gotRecord))
}

func testIsolation(t *testing.T, s engine.Storage) {
	ctx := context.Background()
	a, b := AccountID(t), AccountID(t)

	require.NoError(t, s.SetProfile(ctx, a, Profile()))
	require.NoError(t, s.SetQuota(ctx, a, Record()))

	p, err := s.GetProfile(ctx, b)
	require.NoError(t, err)
	assert.Nil(t, p)

	r, err := s.GetQuota(ctx, b)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func testCopies(t *testing.T, s engine.Storage) {
	ctx := context.Background()
	id := AccountID(t)

	p := Profile()
	require.NoError(t, s.SetProfile(ctx, id, p))
	p.Interests[0] = "mutated"

	got, err := s.GetProfile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Music", got.Interests[0])

	got.Interests[0] = "mutated again"
	again, err := s.GetProfile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Music", again.Interests[0])
}

func testConcurrent(t *testing.T, s engine.Storage) {
	ctx := context.Background()
	id := AccountID(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(used int) {
			defer wg.Done()
			r := Record()
			r.UsedToday = used
			assert.NoError(t, s.SetQuota(ctx, id, r))
			_, err := s.GetQuota(ctx, id)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.GetQuota(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.GreaterOrEqual(t, got.UsedToday, 0)
	assert.Less(t, got.UsedToday, 8)
}
