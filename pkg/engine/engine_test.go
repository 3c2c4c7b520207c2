package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mihaimyh/storytime/pkg/engine"
	"github.com/mihaimyh/storytime/pkg/progression"
	"github.com/mihaimyh/storytime/pkg/quota"
	"github.com/mihaimyh/storytime/storage/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const account = "acc-1"

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ptr(t time.Time) *time.Time { return &t }

// testClock is a settable engine.Clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// faultyStorage injects errors in front of a memory store.
type faultyStorage struct {
	*memory.Storage

	mu         sync.Mutex
	getProfile error
	setProfile error
	getQuota   error
	setQuota   error
	saves      int
}

func newFaultyStorage() *faultyStorage {
	return &faultyStorage{Storage: memory.New()}
}

func (f *faultyStorage) fail(field *error, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*field = err
}

func (f *faultyStorage) GetProfile(ctx context.Context, id string) (*progression.Profile, error) {
	f.mu.Lock()
	err := f.getProfile
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Storage.GetProfile(ctx, id)
}

func (f *faultyStorage) SetProfile(ctx context.Context, id string, p *progression.Profile) error {
	f.mu.Lock()
	err := f.setProfile
	f.saves++
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Storage.SetProfile(ctx, id, p)
}

func (f *faultyStorage) GetQuota(ctx context.Context, id string) (*quota.Record, error) {
	f.mu.Lock()
	err := f.getQuota
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Storage.GetQuota(ctx, id)
}

func (f *faultyStorage) SetQuota(ctx context.Context, id string, r *quota.Record) error {
	f.mu.Lock()
	err := f.setQuota
	f.saves++
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Storage.SetQuota(ctx, id, r)
}

func (f *faultyStorage) Saves() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

// recordingLogger keeps warn and error messages.
type recordingLogger struct {
	engine.NoopLogger
	mu       sync.Mutex
	messages []string
}

func (l *recordingLogger) Warn(msg string, _ ...engine.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *recordingLogger) Error(msg string, _ ...engine.Field) {
	l.Warn(msg)
}

func newEngine(t *testing.T, s engine.Storage, clock engine.Clock, opts ...func(*engine.Config)) *engine.Engine {
	t.Helper()
	cfg := engine.Config{AccountID: account, Clock: clock}
	for _, opt := range opts {
		opt(&cfg)
	}
	e, err := engine.New(engine.ProfileStoreFor(s, account), engine.QuotaStoreFor(s, account), cfg)
	require.NoError(t, err)
	return e
}

func newbornProfile() *progression.Profile {
	return &progression.Profile{
		Name:        "Mia",
		Stage:       progression.StageNewborn,
		Interests:   []string{"Lullabies", "Comfort"},
		DateOfBirth: ptr(date(2024, 1, 15)),
		LastUpdate:  date(2024, 1, 20),
	}
}

func TestNew_RequiresStores(t *testing.T) {
	_, err := engine.New(nil, nil, engine.Config{})
	assert.ErrorIs(t, err, engine.ErrStorageUnavailable)
}

func TestRunOnce_NoProfile(t *testing.T) {
	store := newFaultyStorage()
	e := newEngine(t, store, &testClock{now: date(2024, 8, 15)})

	res, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.NoProfile)
	assert.Zero(t, store.Saves())
}

func TestRunOnce_Progression(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.SetProfile(ctx, account, newbornProfile()))

	now := time.Date(2024, 8, 15, 9, 0, 0, 0, time.UTC)
	var notified []engine.Result
	e := newEngine(t, store, &testClock{now: now}, func(c *engine.Config) {
		c.Notifier = engine.NotifierFunc(func(_ context.Context, res engine.Result) error {
			notified = append(notified, res)
			return nil
		})
	})

	res, err := e.RunOnce(ctx)
	require.NoError(t, err)

	want := engine.Result{
		StageChanged:     true,
		OldStage:         progression.StageNewborn,
		NewStage:         progression.StageInfant,
		InterestsAdded:   []string{"Animals", "Colors", "Music"},
		InterestsRemoved: []string{"Lullabies", "Comfort"},
		Profile: &progression.Profile{
			Name:        "Mia",
			Stage:       progression.StageInfant,
			Interests:   []string{"Animals", "Colors", "Music"},
			DateOfBirth: ptr(date(2024, 1, 15)),
			LastUpdate:  now,
		},
		Quota: quota.Record{
			Tier:          quota.TierFree,
			SelectedModel: "gpt-4o-mini",
			LastResetDate: date(2024, 8, 15),
		},
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("RunOnce mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, res.InterestsChanged())
	require.Len(t, notified, 1)

	stored, err := store.GetProfile(ctx, account)
	require.NoError(t, err)
	assert.True(t, want.Profile.Equal(stored))

	record, err := store.GetQuota(ctx, account)
	require.NoError(t, err)
	require.NotNil(t, record, "default quota record should be persisted")
	assert.True(t, want.Quota.Equal(*record))

	again, err := e.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, again.StageChanged)
	assert.False(t, again.InterestsChanged())
	assert.Len(t, notified, 1, "unchanged run must not notify")
}

func TestRunOnce_PregnancyResolves(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.SetProfile(ctx, account, &progression.Profile{
		Name:      "Bump",
		Stage:     progression.StagePregnancy,
		Interests: []string{"Bonding", "Lullabies"},
		DueDate:   ptr(date(2024, 8, 1)),
	}))

	e := newEngine(t, store, &testClock{now: date(2024, 8, 15)})
	res, err := e.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, res.StageChanged)
	assert.Equal(t, progression.StageNewborn, res.NewStage)
	assert.True(t, res.AwaitingBirthDate)
	assert.Equal(t, []string{"Lullabies", "Sleep", "Comfort"}, res.Profile.Interests)
}

func TestRunOnce_QuotaReset(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.SetProfile(ctx, account, &progression.Profile{
		Name:        "Leo",
		Stage:       progression.StageToddler,
		Interests:   []string{"Vehicles"},
		DateOfBirth: ptr(date(2023, 1, 1)),
	}))
	require.NoError(t, store.SetQuota(ctx, account, &quota.Record{
		Tier:          quota.TierFree,
		SelectedModel: "gpt-4o-mini",
		UsedToday:     3,
		LastResetDate: date(2024, 8, 14),
	}))

	e := newEngine(t, store, &testClock{now: date(2024, 8, 15).Add(8 * time.Hour)})
	res, err := e.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, res.StageChanged)
	assert.True(t, res.QuotaReset)
	assert.Equal(t, 0, res.Quota.UsedToday)

	record, err := store.GetQuota(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, 0, record.UsedToday)
	assert.Equal(t, date(2024, 8, 15), record.LastResetDate)

	again, err := e.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, again.QuotaReset)
}

func TestRunOnce_LoadFailure(t *testing.T) {
	store := newFaultyStorage()
	boom := errors.New("disk on fire")
	store.fail(&store.getProfile, boom)

	e := newEngine(t, store, &testClock{now: date(2024, 8, 15)})
	_, err := e.RunOnce(context.Background())

	assert.ErrorIs(t, err, engine.ErrStorageFailure)
	assert.ErrorIs(t, err, boom)

	var failure *engine.StorageFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "load", failure.Op)
	assert.Equal(t, engine.RecordProfile, failure.Record)
}

func TestRunOnce_PartialFailureConverges(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStorage()
	require.NoError(t, store.Storage.SetProfile(ctx, account, newbornProfile()))
	store.fail(&store.setQuota, errors.New("quota table locked"))

	clock := &testClock{now: date(2024, 8, 15)}
	e := newEngine(t, store, clock)

	_, err := e.RunOnce(ctx)
	var failure *engine.StorageFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "save", failure.Op)
	assert.Equal(t, engine.RecordQuota, failure.Record)

	// the profile write landed before the quota write failed
	p, err := store.GetProfile(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, progression.StageInfant, p.Stage)

	store.fail(&store.setQuota, nil)
	res, err := e.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, res.StageChanged)

	record, err := store.GetQuota(ctx, account)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, quota.TierFree, record.Tier)
}

func TestRunOnce_Cancelled(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStorage()
	require.NoError(t, store.Storage.SetProfile(ctx, account, newbornProfile()))

	e := newEngine(t, store, &testClock{now: date(2024, 8, 15)})

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := e.RunOnce(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, store.Saves())

	p, err := store.GetProfile(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, progression.StageNewborn, p.Stage)
}

func TestRunOnce_NotifierErrorIsLogged(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.SetProfile(ctx, account, newbornProfile()))

	logger := &recordingLogger{}
	e := newEngine(t, store, &testClock{now: date(2024, 8, 15)}, func(c *engine.Config) {
		c.Logger = logger
		c.Notifier = engine.NotifierFunc(func(context.Context, engine.Result) error {
			return errors.New("push service down")
		})
	})

	res, err := e.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, res.StageChanged)
	assert.Equal(t, []string{"notifier failed"}, logger.messages)
}

func TestConsume_UntilExhausted(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := &testClock{now: date(2024, 8, 15).Add(10 * time.Hour)}
	e := newEngine(t, store, clock)

	ids := map[string]bool{}
	for i := 1; i <= 3; i++ {
		gen, err := e.Consume(ctx)
		require.NoError(t, err)
		assert.True(t, gen.Allowed)
		assert.Equal(t, i, gen.Used)
		assert.Equal(t, 3-i, gen.Remaining)
		assert.NotEmpty(t, gen.ID)
		assert.False(t, ids[gen.ID], "duplicate id")
		ids[gen.ID] = true
	}

	gen, err := e.Consume(ctx)
	require.NoError(t, err)
	assert.False(t, gen.Allowed)
	assert.Empty(t, gen.ID)
	assert.Equal(t, 3, gen.Used)
	assert.Equal(t, 0, gen.Remaining)
	assert.Equal(t, 1.0, gen.Progress)

	// a new day restores the budget
	clock.Set(date(2024, 8, 16).Add(time.Minute))
	gen, err = e.Consume(ctx)
	require.NoError(t, err)
	assert.True(t, gen.Allowed)
	assert.Equal(t, 1, gen.Used)
}

func TestConsume_Serialized(t *testing.T) {
	store := memory.New()
	e := newEngine(t, store, &testClock{now: date(2024, 8, 15)})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gen, err := e.Consume(context.Background())
			assert.NoError(t, err)
			if gen.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, allowed)
	record, err := store.GetQuota(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, 3, record.UsedToday)
}

func TestSelectModel(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newEngine(t, store, &testClock{now: date(2024, 8, 15)})

	_, err := e.SelectModel(ctx, "gpt-4o")
	assert.ErrorIs(t, err, quota.ErrModelRejected)
	record, err := store.GetQuota(ctx, account)
	require.NoError(t, err)
	assert.Nil(t, record, "rejected selection must not write")

	got, err := e.SelectModel(ctx, "gemini-1.5-flash")
	require.NoError(t, err)
	assert.Equal(t, "gemini-1.5-flash", got.SelectedModel)

	record, err = store.GetQuota(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, "gemini-1.5-flash", record.SelectedModel)
}

func TestChangeTier(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newEngine(t, store, &testClock{now: date(2024, 8, 15)})

	r, err := e.ChangeTier(ctx, quota.TierPremium)
	require.NoError(t, err)
	_, err = e.SelectModel(ctx, "gemini-1.5-pro")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := e.Consume(ctx)
		require.NoError(t, err)
	}

	r, err = e.ChangeTier(ctx, quota.TierFree)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", r.SelectedModel)
	assert.Equal(t, 5, r.UsedToday)

	status, err := e.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.CanGenerate)
	assert.Equal(t, 0, status.Remaining)

	_, err = e.ChangeTier(ctx, "platinum")
	assert.ErrorIs(t, err, quota.ErrUnknownTier)
}

func TestStatus_PersistsReset(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.SetQuota(ctx, account, &quota.Record{
		Tier:          quota.TierPremium,
		SelectedModel: "gpt-4o",
		UsedToday:     20,
		LastResetDate: date(2024, 8, 10),
	}))

	e := newEngine(t, store, &testClock{now: date(2024, 8, 15).Add(time.Hour)})
	status, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, quota.Snapshot{
		Tier:        quota.TierPremium,
		Model:       "gpt-4o",
		Limit:       20,
		Remaining:   20,
		CanGenerate: true,
		ResetsAt:    date(2024, 8, 16),
	}, status)

	record, err := store.GetQuota(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, 0, record.UsedToday)
}

func TestOnboard(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := newEngine(t, store, &testClock{now: date(2024, 8, 15)})

	p, err := e.Onboard(ctx, progression.Onboarding{Name: "Ava", DateOfBirth: ptr(date(2022, 3, 3))})
	require.NoError(t, err)
	assert.Equal(t, progression.StageToddler, p.Stage)
	assert.Len(t, p.Interests, 3)

	_, err = e.Onboard(ctx, progression.Onboarding{Name: "Ava", DateOfBirth: ptr(date(2022, 3, 3))})
	assert.ErrorIs(t, err, engine.ErrProfileExists)

	other := newEngine(t, memory.New(), &testClock{now: date(2024, 8, 15)})
	_, err = other.Onboard(ctx, progression.Onboarding{Name: "No dates"})
	assert.ErrorIs(t, err, progression.ErrInvalidProfile)
}

func TestEditProfile(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := &testClock{now: date(2024, 8, 15)}
	e := newEngine(t, store, clock)

	_, err := e.EditProfile(ctx, func(*progression.Profile) error { return nil })
	assert.ErrorIs(t, err, engine.ErrNoProfile)

	require.NoError(t, store.SetProfile(ctx, account, newbornProfile()))

	clock.Set(date(2024, 8, 16))
	p, err := e.EditProfile(ctx, func(p *progression.Profile) error {
		p.Interests = append(p.Interests, " Sleep ", "Comfort", "")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Lullabies", "Comfort", "Sleep"}, p.Interests)
	assert.Equal(t, date(2024, 8, 16), p.LastUpdate)
	assert.Equal(t, progression.StageNewborn, p.Stage, "edits never progress the stage")

	_, err = e.EditProfile(ctx, func(p *progression.Profile) error {
		p.Name = "  "
		return nil
	})
	assert.ErrorIs(t, err, progression.ErrInvalidProfile)

	editErr := errors.New("user cancelled")
	_, err = e.EditProfile(ctx, func(*progression.Profile) error { return editErr })
	assert.ErrorIs(t, err, editErr)

	stored, err := e.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Mia", stored.Name)
}

func TestOnboard_ClassifiesInEngineLocation(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	ctx := context.Background()
	clock := &testClock{now: time.Date(2024, 6, 15, 12, 0, 0, 0, ny)}
	e := newEngine(t, memory.New(), clock, func(c *engine.Config) { c.Location = time.UTC })

	p, err := e.Onboard(ctx, progression.Onboarding{Name: "Ava", DateOfBirth: ptr(date(2024, 3, 1))})
	require.NoError(t, err)
	assert.Equal(t, progression.StageNewborn, p.Stage)

	res, err := e.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, res.StageChanged)
	assert.Equal(t, progression.StageNewborn, res.NewStage)
}

func TestEditProfile_RecordsBirth(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := &testClock{now: date(2025, 1, 10)}
	log := &infoLogger{}
	e := newEngine(t, store, clock, func(c *engine.Config) { c.Logger = log })

	_, err := e.Onboard(ctx, progression.Onboarding{Name: "Bump", DueDate: ptr(date(2025, 6, 10))})
	require.NoError(t, err)

	clock.Set(date(2025, 5, 20))
	_, err = e.EditProfile(ctx, func(p *progression.Profile) error {
		p.DateOfBirth = ptr(date(2025, 5, 21))
		return nil
	})
	assert.ErrorIs(t, err, progression.ErrInvalidProfile)

	p, err := e.EditProfile(ctx, func(p *progression.Profile) error {
		p.DateOfBirth = ptr(date(2025, 5, 18))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, progression.StageNewborn, p.Stage)
	assert.Nil(t, p.DueDate)
	assert.Equal(t, date(2025, 5, 18), *p.DateOfBirth)
	assert.Equal(t, date(2025, 5, 20), p.LastUpdate)
	assert.Contains(t, log.infos(), "birth recorded")

	stored, err := store.GetProfile(ctx, account)
	require.NoError(t, err)
	assert.True(t, p.Equal(stored))

	res, err := e.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, res.StageChanged)
	assert.False(t, res.AwaitingBirthDate)
	assert.Equal(t, progression.StageNewborn, res.NewStage)
}

// infoLogger keeps info messages.
type infoLogger struct {
	engine.NoopLogger
	mu       sync.Mutex
	messages []string
}

func (l *infoLogger) Info(msg string, _ ...engine.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *infoLogger) infos() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.messages...)
}

// blockingStorage parks GetQuota until released.
type blockingStorage struct {
	*memory.Storage
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStorage) GetQuota(ctx context.Context, id string) (*quota.Record, error) {
	close(b.entered)
	<-b.release
	return b.Storage.GetQuota(ctx, id)
}

func TestEngine_SlotHonoursContext(t *testing.T) {
	store := &blockingStorage{
		Storage: memory.New(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	e := newEngine(t, store, &testClock{now: date(2024, 8, 15)})

	done := make(chan error, 1)
	go func() {
		_, err := e.Consume(context.Background())
		done <- err
	}()
	<-store.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Status(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(store.release)
	require.NoError(t, <-done)
}
