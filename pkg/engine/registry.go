package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry hands out engines over a shared Storage backend. Engines created
// for the same account share one slot, so each account's records are
// serialized independently. Nothing is retained per account once its
// operations finish.
type Registry struct {
	storage Storage
	config  Config
	slots   *accountSlots
}

// NewRegistry creates a registry. config is copied into every engine with
// AccountID set per account.
func NewRegistry(storage Storage, config Config) (*Registry, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	return &Registry{
		storage: storage,
		config:  config.withDefaults(),
		slots:   newAccountSlots(),
	}, nil
}

// Engine returns an engine for accountID. Every engine returned for the same
// account is serialized with the others.
func (r *Registry) Engine(accountID string) (*Engine, error) {
	if accountID == "" {
		return nil, ErrInvalidAccount
	}

	cfg := r.config
	cfg.AccountID = accountID
	e, err := New(ProfileStoreFor(r.storage, accountID), QuotaStoreFor(r.storage, accountID), cfg)
	if err != nil {
		return nil, err
	}
	e.slot = r.slots.forAccount(accountID)
	return e, nil
}

// RunAll runs progression for every account with at most limit runs in
// flight. The first failure cancels the remaining runs and is returned along
// with the results collected so far.
func (r *Registry) RunAll(ctx context.Context, accountIDs []string, limit int) (map[string]Result, error) {
	engines := make(map[string]*Engine, len(accountIDs))
	for _, id := range accountIDs {
		e, err := r.Engine(id)
		if err != nil {
			return nil, err
		}
		engines[id] = e
	}

	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}

	var mu sync.Mutex
	results := make(map[string]Result, len(engines))

	for id, e := range engines {
		g.Go(func() error {
			res, err := e.RunOnce(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			results[id] = res
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	return results, err
}

// RunEvery runs progression for every account the backend lists. The backend
// must implement AccountLister.
func (r *Registry) RunEvery(ctx context.Context, limit int) (map[string]Result, error) {
	lister, ok := r.storage.(AccountLister)
	if !ok {
		return nil, ErrListingUnsupported
	}
	ids, err := lister.Accounts(ctx)
	if err != nil {
		return nil, &StorageFailure{Op: "list", Record: RecordProfile, Err: err}
	}
	return r.RunAll(ctx, ids, limit)
}
