// Package firestore provides a Firestore implementation of the engine.Storage interface.
package firestore

import (
	"context"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/storytime/pkg/engine"
	"github.com/mihaimyh/storytime/pkg/progression"
	"github.com/mihaimyh/storytime/pkg/quota"
)

// Storage implements engine.Storage using Firestore
type Storage struct {
	client             *firestore.Client
	profilesCollection string
	quotasCollection   string
	logger             engine.Logger
}

var (
	_ engine.Storage       = (*Storage)(nil)
	_ engine.AccountLister = (*Storage)(nil)
)

// Config holds Firestore storage configuration
type Config struct {
	// ProfilesCollection is the Firestore collection for profiles
	// Default: "story_profiles"
	ProfilesCollection string

	// QuotasCollection is the Firestore collection for quota records
	// Default: "story_quotas"
	QuotasCollection string

	// Logger reports documents that fail to decode (default: NoopLogger)
	Logger engine.Logger
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.ProfilesCollection == "" {
		config.ProfilesCollection = "story_profiles"
	}
	if config.QuotasCollection == "" {
		config.QuotasCollection = "story_quotas"
	}
	if config.Logger == nil {
		config.Logger = &engine.NoopLogger{}
	}

	return &Storage{
		client:             client,
		profilesCollection: config.ProfilesCollection,
		quotasCollection:   config.QuotasCollection,
		logger:             config.Logger,
	}, nil
}

// GetProfile implements engine.Storage
func (s *Storage) GetProfile(ctx context.Context, accountID string) (*progression.Profile, error) {
	data, err := s.get(ctx, s.profilesCollection, accountID)
	if err != nil || data == nil {
		return nil, err
	}

	stage, err := progression.ParseStage(getString(data, "stage"))
	if err != nil {
		s.logger.Warn("discarding corrupted profile",
			engine.Field{Key: "account_id", Value: accountID},
			engine.Field{Key: "error", Value: err},
		)
		return nil, nil
	}

	p := &progression.Profile{
		Name:       getString(data, "name"),
		Stage:      stage,
		Interests:  getStrings(data, "interests"),
		LastUpdate: getTime(data, "lastUpdate"),
	}
	if dob, ok := data["dateOfBirth"].(time.Time); ok {
		dob = dob.UTC()
		p.DateOfBirth = &dob
	}
	if due, ok := data["dueDate"].(time.Time); ok {
		due = due.UTC()
		p.DueDate = &due
	}
	return p, nil
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

	data := map[string]interface{}{
		"name":       p.Name,
		"stage":      p.Stage.String(),
		"interests":  interests,
		"lastUpdate": p.LastUpdate,
		"updatedAt":  firestore.ServerTimestamp,
	}
	if p.DateOfBirth != nil {
		data["dateOfBirth"] = *p.DateOfBirth
	}
	if p.DueDate != nil {
		data["dueDate"] = *p.DueDate
	}

	// Whole-document Set so a cleared date does not linger.
	if _, err := s.client.Collection(s.profilesCollection).Doc(accountID).Set(ctx, data); err != nil {
		return fmt.Errorf("failed to set profile: %w", err)
	}
	return nil
}

// GetQuota implements engine.Storage
func (s *Storage) GetQuota(ctx context.Context, accountID string) (*quota.Record, error) {
	data, err := s.get(ctx, s.quotasCollection, accountID)
	if err != nil || data == nil {
		return nil, err
	}

	return &quota.Record{
		Tier:          quota.Tier(getString(data, "tier")),
		SelectedModel: getString(data, "selectedModel"),
		UsedToday:     getInt(data, "usedToday"),
		LastResetDate: getTime(data, "lastResetDate"),
	}, nil
}

// SetQuota implements engine.Storage
func (s *Storage) SetQuota(ctx context.Context, accountID string, r *quota.Record) error {
	if accountID == "" || r == nil {
		return fmt.Errorf("invalid quota record")
	}

	_, err := s.client.Collection(s.quotasCollection).Doc(accountID).Set(ctx, map[string]interface{}{
		"tier":          string(r.Tier),
		"selectedModel": r.SelectedModel,
		"usedToday":     r.UsedToday,
		"lastResetDate": r.LastResetDate,
		"updatedAt":     firestore.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to set quota record: %w", err)
	}
	return nil
}

// Accounts implements engine.AccountLister
func (s *Storage) Accounts(ctx context.Context) ([]string, error) {
	refs, err := s.client.Collection(s.profilesCollection).DocumentRefs(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID)
	}
	return ids, nil
}

// get returns the document data, or nil when the document does not exist
func (s *Storage) get(ctx context.Context, collection, accountID string) (map[string]interface{}, error) {
	if accountID == "" {
		return nil, fmt.Errorf("account id is required")
	}

	snap, err := s.client.Collection(collection).Doc(accountID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, accountID, err)
	}
	if !snap.Exists() {
		return nil, nil
	}
	return snap.Data(), nil
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getStrings(data map[string]interface{}, key string) []string {
	raw, _ := data[key].([]interface{})
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
