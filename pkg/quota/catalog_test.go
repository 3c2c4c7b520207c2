package quota_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/storytime/pkg/quota"
)

func TestDefaultCatalog(t *testing.T) {
	c := quota.DefaultCatalog()
	assert.Equal(t, quota.TierFree, c.DefaultTier())
	assert.Equal(t, []quota.Tier{quota.TierFree, quota.TierPremium}, c.Tiers())

	free, ok := c.Tier(quota.TierFree)
	require.True(t, ok)
	assert.Equal(t, 3, free.DailyLimit)
	assert.Equal(t, "gpt-4o-mini", free.DefaultModel)

	premium, ok := c.Tier(quota.TierPremium)
	require.True(t, ok)
	assert.Equal(t, 20, premium.DailyLimit)
	assert.Equal(t, "gpt-4o", premium.DefaultModel)

	for _, m := range c.ModelsFor(quota.TierFree) {
		assert.False(t, m.PremiumOnly, "free tier exposes premium-only model %s", m.ID)
	}
	assert.Len(t, c.ModelsFor(quota.TierPremium), 4)
	assert.Nil(t, c.ModelsFor("enterprise"))

	m, ok := c.Model("gemini-1.5-pro")
	require.True(t, ok)
	assert.Equal(t, "google", m.Provider)
	assert.True(t, m.PremiumOnly)
}

func TestCatalog_TierReturnsCopy(t *testing.T) {
	c := quota.DefaultCatalog()
	cfg, _ := c.Tier(quota.TierFree)
	cfg.AllowedModels[0] = "mutated"

	again, _ := c.Tier(quota.TierFree)
	assert.Equal(t, "gpt-4o-mini", again.AllowedModels[0])
}

func TestParseCatalog_Invalid(t *testing.T) {
	const models = `
models:
  - id: small
    provider: acme
  - id: large
    provider: acme
    premium_only: true
`
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "tiers: [::"},
		{"empty", ""},
		{"default tier missing", models + `
default_tier: free
tiers:
  - name: paid
    daily_limit: 5
    default_model: small
    allowed_models: [small]
`},
		{"premium model on default tier", models + `
default_tier: free
tiers:
  - name: free
    daily_limit: 3
    default_model: small
    allowed_models: [small, large]
`},
		{"default model not allowed", models + `
default_tier: free
tiers:
  - name: free
    daily_limit: 3
    default_model: large
    allowed_models: [small]
`},
		{"unregistered model", models + `
default_tier: free
tiers:
  - name: free
    daily_limit: 3
    default_model: small
    allowed_models: [small, huge]
`},
		{"negative limit", models + `
default_tier: free
tiers:
  - name: free
    daily_limit: -1
    default_model: small
    allowed_models: [small]
`},
		{"duplicate tier", models + `
default_tier: free
tiers:
  - name: free
    daily_limit: 3
    default_model: small
    allowed_models: [small]
  - name: free
    daily_limit: 4
    default_model: small
    allowed_models: [small]
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := quota.ParseCatalog([]byte(tt.doc))
			assert.ErrorIs(t, err, quota.ErrInvalidCatalog)
		})
	}
}

func TestParseCatalog_TenPerDay(t *testing.T) {
	c, err := quota.ParseCatalog([]byte(`
default_tier: free
models:
  - id: small
    provider: acme
tiers:
  - name: free
    daily_limit: 3
    default_model: small
    allowed_models: [small]
  - name: premium
    daily_limit: 10
    default_model: small
    allowed_models: [small]
`))
	require.NoError(t, err)

	premium, ok := c.Tier(quota.TierPremium)
	require.True(t, ok)
	assert.Equal(t, 10, premium.DailyLimit)
}

func TestLoadCatalog_TooLarge(t *testing.T) {
	big := strings.NewReader(strings.Repeat("#", quota.MaxCatalogFileSize+1))
	_, err := quota.LoadCatalog(big)
	assert.ErrorIs(t, err, quota.ErrInvalidCatalog)
}
