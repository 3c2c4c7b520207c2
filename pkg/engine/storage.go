package engine

import (
	"context"

	"github.com/mihaimyh/storytime/pkg/progression"
	"github.com/mihaimyh/storytime/pkg/quota"
)

// Storage is a multi-account backend holding one profile and one quota record
// per account. Implementations live under storage/.
type Storage interface {
	// GetProfile returns the account's profile, or nil if none exists.
	GetProfile(ctx context.Context, accountID string) (*progression.Profile, error)

	// SetProfile replaces the account's profile in a single write.
	SetProfile(ctx context.Context, accountID string, p *progression.Profile) error

	// GetQuota returns the account's quota record, or nil if none exists.
	GetQuota(ctx context.Context, accountID string) (*quota.Record, error)

	// SetQuota replaces the account's quota record in a single write.
	SetQuota(ctx context.Context, accountID string, r *quota.Record) error
}

// AccountLister is implemented by backends that can enumerate the accounts
// holding a profile.
type AccountLister interface {
	Accounts(ctx context.Context) ([]string, error)
}

// ProfileStoreFor binds s to one account.
func ProfileStoreFor(s Storage, accountID string) ProfileStore {
	return accountProfiles{storage: s, accountID: accountID}
}

// QuotaStoreFor binds s to one account.
func QuotaStoreFor(s Storage, accountID string) QuotaStore {
	return accountQuotas{storage: s, accountID: accountID}
}

type accountProfiles struct {
	storage   Storage
	accountID string
}

func (a accountProfiles) Load(ctx context.Context) (*progression.Profile, error) {
	return a.storage.GetProfile(ctx, a.accountID)
}

func (a accountProfiles) Save(ctx context.Context, p *progression.Profile) error {
	return a.storage.SetProfile(ctx, a.accountID, p)
}

type accountQuotas struct {
	storage   Storage
	accountID string
}

func (a accountQuotas) Load(ctx context.Context) (*quota.Record, error) {
	return a.storage.GetQuota(ctx, a.accountID)
}

func (a accountQuotas) Save(ctx context.Context, r *quota.Record) error {
	return a.storage.SetQuota(ctx, a.accountID, r)
}
