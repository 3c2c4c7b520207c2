// Package badger provides an embedded BadgerDB implementation of the
// engine.Storage interface, used by the storytime CLI as its default backend.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/mihaimyh/storytime/pkg/engine"
	"github.com/mihaimyh/storytime/pkg/progression"
	"github.com/mihaimyh/storytime/pkg/quota"
)

const (
	profilePrefix = "profile/"
	quotaPrefix   = "quota/"
)

// Config holds BadgerDB storage configuration
type Config struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string

	// InMemory keeps all data in memory. Nothing survives Close.
	InMemory bool

	// SyncWrites fsyncs every write before it is acknowledged
	SyncWrites bool

	// GCInterval is how often value log GC runs (0 disables it)
	GCInterval time.Duration

	// GCDiscardRatio is passed to RunValueLogGC (default: 0.5)
	GCDiscardRatio float64

	// Logger receives badger's internal logging and corrupted record
	// reports (default: NoopLogger)
	Logger engine.Logger
}

// DefaultConfig returns a Config for an on-disk database at path
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a Config for an ephemeral database
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Storage implements engine.Storage using BadgerDB
type Storage struct {
	db     *badger.DB
	logger engine.Logger

	stopGC    chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
}

var (
	_ engine.Storage       = (*Storage)(nil)
	_ engine.AccountLister = (*Storage)(nil)
)

// Open opens (creating if needed) a BadgerDB database
func Open(config Config) (*Storage, error) {
	if !config.InMemory && config.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}
	if config.Logger == nil {
		config.Logger = &engine.NoopLogger{}
	}
	if config.GCDiscardRatio <= 0 || config.GCDiscardRatio >= 1 {
		config.GCDiscardRatio = 0.5
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(config.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", config.Path, err)
		}
		opts = badger.DefaultOptions(config.Path)
	}
	opts = opts.
		WithSyncWrites(config.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: config.Logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Storage{db: db, logger: config.Logger}
	if config.GCInterval > 0 && !config.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(config.GCInterval, config.GCDiscardRatio)
	}
	return s, nil
}

// OpenInMemory opens an ephemeral database
func OpenInMemory() (*Storage, error) {
	return Open(InMemoryConfig())
}

// Close stops value log GC and closes the database
func (s *Storage) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.stopGC != nil {
			close(s.stopGC)
			<-s.gcDone
		}
		err = s.db.Close()
	})
	return err
}

// GetProfile implements engine.Storage
func (s *Storage) GetProfile(ctx context.Context, accountID string) (*progression.Profile, error) {
	var p progression.Profile
	found, err := s.get(ctx, profilePrefix+accountID, &p)
	if err != nil || !found {
		return nil, err
	}
	return &p, nil
}

// SetProfile implements engine.Storage
func (s *Storage) SetProfile(ctx context.Context, accountID string, p *progression.Profile) error {
	if accountID == "" || p == nil {
		return fmt.Errorf("invalid profile")
	}
	return s.set(ctx, profilePrefix+accountID, p)
}

// GetQuota implements engine.Storage
func (s *Storage) GetQuota(ctx context.Context, accountID string) (*quota.Record, error) {
	var r quota.Record
	found, err := s.get(ctx, quotaPrefix+accountID, &r)
	if err != nil || !found {
		return nil, err
	}
	return &r, nil
}

// SetQuota implements engine.Storage
func (s *Storage) SetQuota(ctx context.Context, accountID string, r *quota.Record) error {
	if accountID == "" || r == nil {
		return fmt.Errorf("invalid quota record")
	}
	return s.set(ctx, quotaPrefix+accountID, r)
}

// Accounts implements engine.AccountLister. Ids come back in key order.
func (s *Storage) Accounts(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(profilePrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), profilePrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return ids, nil
}

func (s *Storage) get(ctx context.Context, key string, v interface{}) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("discarding corrupted record",
			engine.Field{Key: "key", Value: key},
			engine.Field{Key: "error", Value: err},
		)
		return false, nil
	}
	return true, nil
}

func (s *Storage) set(ctx context.Context, key string, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *Storage) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC failed", engine.Field{Key: "error", Value: err})
			}
		}
	}
}

// badgerLogger routes badger's internal logging through engine.Logger
type badgerLogger struct {
	logger engine.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
