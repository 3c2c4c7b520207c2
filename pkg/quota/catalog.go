package quota

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaxCatalogFileSize bounds tier catalog files read from disk.
const MaxCatalogFileSize = 64 * 1024

//go:embed tiers.yaml
var defaultTiersYAML []byte

var catalogValidate = validator.New()

type catalogFile struct {
	DefaultTier Tier         `yaml:"default_tier" validate:"required"`
	Models      []Model      `yaml:"models" validate:"required,min=1,dive"`
	Tiers       []TierConfig `yaml:"tiers" validate:"required,min=1,dive"`
}

// Catalog holds the tier table and the model registry. It is immutable
// after construction and safe for concurrent use.
type Catalog struct {
	defaultTier Tier
	models      []Model
	tiers       map[Tier]TierConfig
	order       []Tier
}

var defaultCatalog = sync.OnceValue(func() *Catalog {
	c, err := ParseCatalog(defaultTiersYAML)
	if err != nil {
		panic(fmt.Sprintf("quota: embedded tier catalog: %v", err))
	}
	return c
})

// DefaultCatalog returns the built-in tier table: free allows 3 generations a
// day, premium allows 20.
func DefaultCatalog() *Catalog {
	return defaultCatalog()
}

// NewCatalog validates and builds a catalog. Every model referenced by a tier
// must be registered, each tier's default model must be allowed on that tier,
// and premium-only models must not be allowed on the default tier.
func NewCatalog(defaultTier Tier, models []Model, tiers []TierConfig) (*Catalog, error) {
	c := &Catalog{
		defaultTier: defaultTier,
		models:      slices.Clone(models),
		tiers:       make(map[Tier]TierConfig, len(tiers)),
	}

	byID := make(map[string]Model, len(models))
	for _, m := range models {
		if err := catalogValidate.Struct(m); err != nil {
			return nil, fmt.Errorf("%w: model: %v", ErrInvalidCatalog, err)
		}
		if _, dup := byID[m.ID]; dup {
			return nil, fmt.Errorf("%w: model %q listed twice", ErrInvalidCatalog, m.ID)
		}
		byID[m.ID] = m
	}

	for _, t := range tiers {
		if err := catalogValidate.Struct(t); err != nil {
			return nil, fmt.Errorf("%w: tier %q: %v", ErrInvalidCatalog, t.Name, err)
		}
		if _, dup := c.tiers[t.Name]; dup {
			return nil, fmt.Errorf("%w: tier %q listed twice", ErrInvalidCatalog, t.Name)
		}
		for _, id := range t.AllowedModels {
			m, ok := byID[id]
			if !ok {
				return nil, fmt.Errorf("%w: tier %q: %w %q", ErrInvalidCatalog, t.Name, ErrUnknownModel, id)
			}
			if m.PremiumOnly && t.Name == defaultTier {
				return nil, fmt.Errorf("%w: tier %q allows premium-only model %q", ErrInvalidCatalog, t.Name, id)
			}
		}
		if !t.Allows(t.DefaultModel) {
			return nil, fmt.Errorf("%w: tier %q: default model %q not allowed", ErrInvalidCatalog, t.Name, t.DefaultModel)
		}
		t.AllowedModels = slices.Clone(t.AllowedModels)
		c.tiers[t.Name] = t
		c.order = append(c.order, t.Name)
	}

	if _, ok := c.tiers[defaultTier]; !ok {
		return nil, fmt.Errorf("%w: default tier %q: %w", ErrInvalidCatalog, defaultTier, ErrUnknownTier)
	}
	return c, nil
}

// ParseCatalog decodes a YAML tier catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := catalogValidate.Struct(file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return NewCatalog(file.DefaultTier, file.Models, file.Tiers)
}

// LoadCatalog reads a YAML tier catalog from r.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxCatalogFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read tier catalog: %w", err)
	}
	if len(data) > MaxCatalogFileSize {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalidCatalog, MaxCatalogFileSize)
	}
	return ParseCatalog(data)
}

// LoadCatalogFile reads a YAML tier catalog from path.
func LoadCatalogFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tier catalog: %w", err)
	}
	defer f.Close()
	return LoadCatalog(f)
}

// DefaultTier is the tier assigned to new records.
func (c *Catalog) DefaultTier() Tier {
	return c.defaultTier
}

// Tiers returns the tier names in catalog order.
func (c *Catalog) Tiers() []Tier {
	return slices.Clone(c.order)
}

// Tier returns the configuration for a tier.
func (c *Catalog) Tier(t Tier) (TierConfig, bool) {
	cfg, ok := c.tiers[t]
	if !ok {
		return TierConfig{}, false
	}
	cfg.AllowedModels = slices.Clone(cfg.AllowedModels)
	return cfg, true
}

// Models returns every registered model.
func (c *Catalog) Models() []Model {
	return slices.Clone(c.models)
}

// Model looks up a registered model by ID.
func (c *Catalog) Model(id string) (Model, bool) {
	for _, m := range c.models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// ModelsFor returns the models selectable on tier t in catalog order.
func (c *Catalog) ModelsFor(t Tier) []Model {
	cfg, ok := c.tiers[t]
	if !ok {
		return nil
	}
	out := make([]Model, 0, len(cfg.AllowedModels))
	for _, m := range c.models {
		if cfg.Allows(m.ID) {
			out = append(out, m)
		}
	}
	return out
}

// tierOrDefault returns the config for t, falling back to the default tier
// for records carrying a tier the catalog no longer knows.
func (c *Catalog) tierOrDefault(t Tier) TierConfig {
	if cfg, ok := c.tiers[t]; ok {
		return cfg
	}
	return c.tiers[c.defaultTier]
}
