// Package postgres provides a PostgreSQL implementation of the engine.Storage interface.
// Profiles and quota records live in separate tables and each write is a
// single UPSERT, so a record is never partially written.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/storytime/pkg/engine"
	"github.com/mihaimyh/storytime/pkg/progression"
	"github.com/mihaimyh/storytime/pkg/quota"
)

//go:embed schema.sql
var schema string

// Storage implements engine.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

var (
	_ engine.Storage       = (*Storage)(nil)
	_ engine.AccountLister = (*Storage)(nil)
)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate creates the tables on startup when they do not exist
	AutoMigrate bool

	// Logger reports rows that fail to decode (default: NoopLogger)
	Logger engine.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &engine.NoopLogger{}
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{
		pool:   pool,
		config: config,
	}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return s, nil
}

// Migrate creates the storage tables if they do not exist.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetProfile implements engine.Storage
func (s *Storage) GetProfile(ctx context.Context, accountID string) (*progression.Profile, error) {
	var (
		p         progression.Profile
		stageName string
	)

	err := s.pool.QueryRow(ctx,
		`SELECT name, stage, interests, date_of_birth, due_date, last_update
			FROM story_profiles WHERE account_id = $1`,
		accountID).Scan(
		&p.Name,
		&stageName,
		&p.Interests,
		&p.DateOfBirth,
		&p.DueDate,
		&p.LastUpdate,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	stage, err := progression.ParseStage(stageName)
	if err != nil {
		s.config.Logger.Warn("discarding corrupted profile",
			engine.Field{Key: "account_id", Value: accountID},
			engine.Field{Key: "error", Value: err},
		)
		return nil, nil
	}
	p.Stage = stage
	p.LastUpdate = p.LastUpdate.UTC()
	p.DateOfBirth = utcPtr(p.DateOfBirth)
	p.DueDate = utcPtr(p.DueDate)
	if p.Interests == nil {
		p.Interests = []string{}
	}
	return &p, nil
}

// SetProfile implements engine.Storage
func (s *Storage) SetProfile(ctx context.Context, accountID string, p *progression.Profile) error {
	if accountID == "" || p == nil {
		return fmt.Errorf("invalid profile")
	}

	interests := p.Interests
	if interests == nil {
		interests = []string{}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO story_profiles
			(account_id, name, stage, interests, date_of_birth, due_date, last_update, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (account_id) DO UPDATE SET
				name = EXCLUDED.name,
				stage = EXCLUDED.stage,
				interests = EXCLUDED.interests,
				date_of_birth = EXCLUDED.date_of_birth,
				due_date = EXCLUDED.due_date,
				last_update = EXCLUDED.last_update,
				updated_at = EXCLUDED.updated_at`,
		accountID, p.Name, p.Stage.String(), interests, p.DateOfBirth, p.DueDate, p.LastUpdate, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set profile: %w", err)
	}
	return nil
}

// GetQuota implements engine.Storage
func (s *Storage) GetQuota(ctx context.Context, accountID string) (*quota.Record, error) {
	var (
		r    quota.Record
		tier string
	)

	err := s.pool.QueryRow(ctx,
		`SELECT tier, selected_model, used_today, last_reset_date
			FROM story_quotas WHERE account_id = $1`,
		accountID).Scan(
		&tier,
		&r.SelectedModel,
		&r.UsedToday,
		&r.LastResetDate,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota record: %w", err)
	}

	r.Tier = quota.Tier(tier)
	r.LastResetDate = r.LastResetDate.UTC()
	return &r, nil
}

// SetQuota implements engine.Storage
func (s *Storage) SetQuota(ctx context.Context, accountID string, r *quota.Record) error {
	if accountID == "" || r == nil {
		return fmt.Errorf("invalid quota record")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO story_quotas (account_id, tier, selected_model, used_today, last_reset_date, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (account_id) DO UPDATE SET
				tier = EXCLUDED.tier,
				selected_model = EXCLUDED.selected_model,
				used_today = EXCLUDED.used_today,
				last_reset_date = EXCLUDED.last_reset_date,
				updated_at = EXCLUDED.updated_at`,
		accountID, string(r.Tier), r.SelectedModel, r.UsedToday, r.LastResetDate, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set quota record: %w", err)
	}
	return nil
}

// Accounts implements engine.AccountLister
func (s *Storage) Accounts(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT account_id FROM story_profiles ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return ids, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
