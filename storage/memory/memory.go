// Package memory provides an in-memory implementation of the engine.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mihaimyh/storytime/pkg/engine"
	"github.com/mihaimyh/storytime/pkg/progression"
	"github.com/mihaimyh/storytime/pkg/quota"
)

// Storage implements engine.Storage using in-memory maps
type Storage struct {
	mu       sync.RWMutex
	profiles map[string]*progression.Profile
	quotas   map[string]*quota.Record
}

var (
	_ engine.Storage       = (*Storage)(nil)
	_ engine.AccountLister = (*Storage)(nil)
)

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		profiles: make(map[string]*progression.Profile),
		quotas:   make(map[string]*quota.Record),
	}
}

// GetProfile implements engine.Storage
func (s *Storage) GetProfile(ctx context.Context, accountID string) (*progression.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Return a copy to prevent external mutations
	return s.profiles[accountID].Clone(), nil
}

// SetProfile implements engine.Storage
func (s *Storage) SetProfile(ctx context.Context, accountID string, p *progression.Profile) error {
	if accountID == "" || p == nil {
		return fmt.Errorf("invalid profile")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles[accountID] = p.Clone()
	return nil
}

// GetQuota implements engine.Storage
func (s *Storage) GetQuota(ctx context.Context, accountID string) (*quota.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.quotas[accountID].Clone(), nil
}

// SetQuota implements engine.Storage
func (s *Storage) SetQuota(ctx context.Context, accountID string, r *quota.Record) error {
	if accountID == "" || r == nil {
		return fmt.Errorf("invalid quota record")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.quotas[accountID] = r.Clone()
	return nil
}

// DeleteProfile removes the account's profile
func (s *Storage) DeleteProfile(ctx context.Context, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.profiles, accountID)
	return nil
}

// DeleteQuota removes the account's quota record
func (s *Storage) DeleteQuota(ctx context.Context, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.quotas, accountID)
	return nil
}

// Accounts implements engine.AccountLister
func (s *Storage) Accounts(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.profiles))
	for id := range s.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles = make(map[string]*progression.Profile)
	s.quotas = make(map[string]*quota.Record)
}
