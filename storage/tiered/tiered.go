// Package tiered provides a Hot/Cold tiered storage adapter that pairs a fast
// ephemeral store (Hot) with a durable store (Cold).
//
// Profiles are always write-through (Cold, then Hot). Quota records are
// write-through by default; with AsyncQuotaSync they are written to Hot and
// synced to Cold by a background worker. Reads go Hot first and backfill Hot
// from Cold on a miss. A write-through whose Hot half fails drops the Hot
// copy (or, if that fails too, bypasses Hot for the record until a later Hot
// write succeeds) so reads never serve the older value.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/storytime/pkg/engine"
	"github.com/mihaimyh/storytime/pkg/progression"
	"github.com/mihaimyh/storytime/pkg/quota"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 cache storage (e.g., Redis, Memory)
	Hot engine.Storage

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore, Badger)
	// and the source of truth
	Cold engine.Storage

	// AsyncQuotaSync makes quota writes Hot-primary with a background Cold
	// sync. If false, quota writes are write-through like profiles.
	AsyncQuotaSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Cold sync fails or is dropped
	AsyncErrorHandler func(error)
}

// Invalidator is implemented by Hot stores that can drop a cached record.
// memory.Storage and redis.Storage implement it.
type Invalidator interface {
	DeleteProfile(ctx context.Context, accountID string) error
	DeleteQuota(ctx context.Context, accountID string) error
}

type recordKind string

const (
	kindProfile recordKind = "profile"
	kindQuota   recordKind = "quota"
)

type staleKey struct {
	kind      recordKind
	accountID string
}

// Storage implements engine.Storage over a Hot/Cold pair
type Storage struct {
	hot  engine.Storage
	cold engine.Storage
	conf Config

	// stale holds records whose Hot copy could be neither updated nor deleted
	staleMu sync.Mutex
	stale   map[staleKey]struct{}

	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var (
	_ engine.Storage       = (*Storage)(nil)
	_ engine.AccountLister = (*Storage)(nil)
)

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		stale:     make(map[staleKey]struct{}),
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncQuotaSync {
		s.startWorker()
	}

	return s, nil
}

// Close stops the async worker after draining queued Cold writes.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		close(s.shutdown)
		s.wg.Wait()
	})
	return nil
}

// startWorker runs the background sync loop. Jobs run one at a time so writes
// reach Cold in the order they were made.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job())
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						s.report(job())
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error) {
	if err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered sync failed: %w", err))
	}
}

// --- Read-Through (Hot → Cold → Populate Hot) ---

// GetProfile implements engine.Storage
func (s *Storage) GetProfile(ctx context.Context, accountID string) (*progression.Profile, error) {
	key := staleKey{kindProfile, accountID}
	if !s.isStale(key) {
		p, err := s.hot.GetProfile(ctx, accountID)
		if err == nil && p != nil {
			return p, nil
		}
	}

	p, err := s.cold.GetProfile(ctx, accountID)
	if err != nil || p == nil {
		return nil, err
	}

	s.hotWritten(key, s.hot.SetProfile(ctx, accountID, p))
	return p, nil
}

// GetQuota implements engine.Storage
func (s *Storage) GetQuota(ctx context.Context, accountID string) (*quota.Record, error) {
	key := staleKey{kindQuota, accountID}
	if !s.isStale(key) {
		r, err := s.hot.GetQuota(ctx, accountID)
		if err == nil && r != nil {
			return r, nil
		}
	}

	r, err := s.cold.GetQuota(ctx, accountID)
	if err != nil || r == nil {
		return nil, err
	}

	s.hotWritten(key, s.hot.SetQuota(ctx, accountID, r))
	return r, nil
}

// --- Write-Through (Cold → Hot) ---

// SetProfile implements engine.Storage
func (s *Storage) SetProfile(ctx context.Context, accountID string, p *progression.Profile) error {
	if err := s.cold.SetProfile(ctx, accountID, p); err != nil {
		return err
	}
	key := staleKey{kindProfile, accountID}
	if err := s.hot.SetProfile(ctx, accountID, p); err != nil {
		s.invalidate(ctx, key)
		return nil
	}
	s.hotWritten(key, nil)
	return nil
}

// SetQuota implements engine.Storage
func (s *Storage) SetQuota(ctx context.Context, accountID string, r *quota.Record) error {
	key := staleKey{kindQuota, accountID}
	if !s.conf.AsyncQuotaSync {
		if err := s.cold.SetQuota(ctx, accountID, r); err != nil {
			return err
		}
		if err := s.hot.SetQuota(ctx, accountID, r); err != nil {
			s.invalidate(ctx, key)
			return nil
		}
		s.hotWritten(key, nil)
		return nil
	}

	if err := s.hot.SetQuota(ctx, accountID, r); err != nil {
		return err
	}
	s.hotWritten(key, nil)

	record := r.Clone()
	select {
	case s.syncQueue <- func() error {
		// Background context so the sync outlives the request
		return s.cold.SetQuota(context.Background(), accountID, record)
	}:
	default:
		if s.conf.AsyncErrorHandler != nil {
			s.conf.AsyncErrorHandler(errors.New("tiered storage: sync queue full, dropping cold write"))
		}
	}
	return nil
}

// invalidate drops the Hot copy of a record Cold has moved past. When Hot
// cannot delete it, reads bypass Hot for that record instead.
func (s *Storage) invalidate(ctx context.Context, key staleKey) {
	if inv, ok := s.hot.(Invalidator); ok {
		var err error
		switch key.kind {
		case kindProfile:
			err = inv.DeleteProfile(ctx, key.accountID)
		case kindQuota:
			err = inv.DeleteQuota(ctx, key.accountID)
		}
		if err == nil {
			return
		}
	}

	s.staleMu.Lock()
	s.stale[key] = struct{}{}
	s.staleMu.Unlock()
}

// hotWritten clears the stale mark once Hot holds the current record.
func (s *Storage) hotWritten(key staleKey, err error) {
	if err != nil {
		return
	}
	s.staleMu.Lock()
	delete(s.stale, key)
	s.staleMu.Unlock()
}

func (s *Storage) isStale(key staleKey) bool {
	s.staleMu.Lock()
	defer s.staleMu.Unlock()
	_, ok := s.stale[key]
	return ok
}

// Accounts implements engine.AccountLister by listing Cold
func (s *Storage) Accounts(ctx context.Context) ([]string, error) {
	lister, ok := s.cold.(engine.AccountLister)
	if !ok {
		return nil, engine.ErrListingUnsupported
	}
	return lister.Accounts(ctx)
}
