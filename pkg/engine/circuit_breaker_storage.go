package engine

import (
	"context"

	"github.com/mihaimyh/storytime/pkg/progression"
	"github.com/mihaimyh/storytime/pkg/quota"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStorage) GetProfile(ctx context.Context, accountID string) (*progression.Profile, error) {
	var p *progression.Profile
	err := s.cb.Execute(ctx, func() error {
		var e error
		p, e = s.storage.GetProfile(ctx, accountID)
		return e
	})
	return p, err
}

func (s *CircuitBreakerStorage) SetProfile(ctx context.Context, accountID string, p *progression.Profile) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.SetProfile(ctx, accountID, p)
	})
}

func (s *CircuitBreakerStorage) GetQuota(ctx context.Context, accountID string) (*quota.Record, error) {
	var r *quota.Record
	err := s.cb.Execute(ctx, func() error {
		var e error
		r, e = s.storage.GetQuota(ctx, accountID)
		return e
	})
	return r, err
}

func (s *CircuitBreakerStorage) SetQuota(ctx context.Context, accountID string, r *quota.Record) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.SetQuota(ctx, accountID, r)
	})
}

// Accounts implements AccountLister when the wrapped storage does.
func (s *CircuitBreakerStorage) Accounts(ctx context.Context) ([]string, error) {
	lister, ok := s.storage.(AccountLister)
	if !ok {
		return nil, ErrListingUnsupported
	}
	var ids []string
	err := s.cb.Execute(ctx, func() error {
		var e error
		ids, e = lister.Accounts(ctx)
		return e
	})
	return ids, err
}
