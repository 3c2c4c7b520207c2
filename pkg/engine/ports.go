package engine

import (
	"context"
	"time"

	"github.com/mihaimyh/storytime/pkg/progression"
	"github.com/mihaimyh/storytime/pkg/quota"
)

// ProfileStore persists the single profile an engine manages.
type ProfileStore interface {
	// Load returns the stored profile, or nil if none exists (not an error).
	Load(ctx context.Context) (*progression.Profile, error)

	// Save replaces the stored profile.
	Save(ctx context.Context, p *progression.Profile) error
}

// QuotaStore persists the single quota record an engine manages.
type QuotaStore interface {
	// Load returns the stored record, or nil if none exists (not an error).
	Load(ctx context.Context) (*quota.Record, error)

	// Save replaces the stored record.
	Save(ctx context.Context, r *quota.Record) error
}

// Clock supplies the reference time for classification and resets.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Notifier is told about every persisted progression. It decides on its own
// whether reminders need rescheduling or a celebration should be shown.
type Notifier interface {
	ProfileChanged(ctx context.Context, res Result) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, res Result) error

func (f NotifierFunc) ProfileChanged(ctx context.Context, res Result) error { return f(ctx, res) }

// NoopNotifier ignores notifications.
type NoopNotifier struct{}

func (NoopNotifier) ProfileChanged(context.Context, Result) error { return nil }
