// Package redis provides a Redis implementation of the engine.Storage interface.
// Each record is one JSON document written with a single SET.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/storytime/pkg/engine"
	"github.com/mihaimyh/storytime/pkg/progression"
	"github.com/mihaimyh/storytime/pkg/quota"
)

// Storage implements engine.Storage using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
}

var (
	_ engine.Storage       = (*Storage)(nil)
	_ engine.AccountLister = (*Storage)(nil)
)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "storytime:")
	KeyPrefix string

	// ProfileTTL is the TTL for profile keys (0 = no expiration)
	ProfileTTL time.Duration

	// QuotaTTL is the TTL for quota keys (0 = no expiration)
	QuotaTTL time.Duration

	// ScanCount is the SCAN batch hint used when listing accounts (default: 100)
	ScanCount int64

	// Logger reports records that fail to decode (default: NoopLogger)
	Logger engine.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "storytime:",
		ScanCount: 100,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "storytime:"
	}
	if config.ScanCount <= 0 {
		config.ScanCount = 100
	}
	if config.Logger == nil {
		config.Logger = &engine.NoopLogger{}
	}

	return &Storage{
		client: client,
		config: config,
	}, nil
}

// GetProfile implements engine.Storage
func (s *Storage) GetProfile(ctx context.Context, accountID string) (*progression.Profile, error) {
	var p progression.Profile
	found, err := s.get(ctx, s.profileKey(accountID), &p)
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
	return s.set(ctx, s.profileKey(accountID), p, s.config.ProfileTTL)
}

// GetQuota implements engine.Storage
func (s *Storage) GetQuota(ctx context.Context, accountID string) (*quota.Record, error) {
	var r quota.Record
	found, err := s.get(ctx, s.quotaKey(accountID), &r)
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
	return s.set(ctx, s.quotaKey(accountID), r, s.config.QuotaTTL)
}

// DeleteProfile removes the account's profile key
func (s *Storage) DeleteProfile(ctx context.Context, accountID string) error {
	return s.del(ctx, s.profileKey(accountID))
}

// DeleteQuota removes the account's quota key
func (s *Storage) DeleteQuota(ctx context.Context, accountID string) error {
	return s.del(ctx, s.quotaKey(accountID))
}

// Accounts implements engine.AccountLister
func (s *Storage) Accounts(ctx context.Context) ([]string, error) {
	prefix := s.config.KeyPrefix + "profile:"
	var ids []string

	iter := s.client.Scan(ctx, 0, prefix+"*", s.config.ScanCount).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan profiles: %w", err)
	}
	return ids, nil
}

// get decodes the JSON document at key into v. A missing key reports
// found=false; so does a corrupted document, which is logged.
func (s *Storage) get(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		s.config.Logger.Warn("discarding corrupted record",
			engine.Field{Key: "key", Value: key},
			engine.Field{Key: "error", Value: err},
		)
		return false, nil
	}
	return true, nil
}

func (s *Storage) set(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *Storage) del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// profileKey generates the Redis key for a profile
func (s *Storage) profileKey(accountID string) string {
	return fmt.Sprintf("%sprofile:%s", s.config.KeyPrefix, accountID)
}

// quotaKey generates the Redis key for a quota record
func (s *Storage) quotaKey(accountID string) string {
	return fmt.Sprintf("%squota:%s", s.config.KeyPrefix, accountID)
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
