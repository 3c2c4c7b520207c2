package progression

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

// MaxCatalogFileSize bounds catalog files read from disk.
const MaxCatalogFileSize = 64 * 1024

// DefaultMinInterests is the top-up threshold used when a catalog leaves it unset.
const DefaultMinInterests = 3

//go:embed interests.yaml
var defaultInterestsYAML []byte

var catalogValidate = validator.New()

// StageInterests holds the tags offered for one stage.
type StageInterests struct {
	// Available lists every tag for the stage in display order
	Available []string `yaml:"available" validate:"min=1,max=10,unique,dive,required"`

	// Priority ranks suggestions, most recommended first. Every entry must
	// also appear in Available.
	Priority []string `yaml:"priority" validate:"unique,dive,required"`
}

type catalogEntry struct {
	Stage          string `yaml:"stage" validate:"required"`
	StageInterests `yaml:",inline"`
}

type catalogFile struct {
	MinInterests int            `yaml:"min_interests" validate:"gte=0"`
	Stages       []catalogEntry `yaml:"stages" validate:"required,dive"`
}

// InterestCatalog maps each stage to its ordered interest tags. It is
// immutable after construction and safe for concurrent use.
type InterestCatalog struct {
	minInterests int
	stages       map[Stage]StageInterests
}

var defaultCatalog = sync.OnceValue(func() *InterestCatalog {
	c, err := ParseInterestCatalog(defaultInterestsYAML)
	if err != nil {
		panic(fmt.Sprintf("progression: embedded interest catalog: %v", err))
	}
	return c
})

// DefaultInterestCatalog returns the built-in catalog.
func DefaultInterestCatalog() *InterestCatalog {
	return defaultCatalog()
}

// NewInterestCatalog builds a catalog from a stage table. Every stage must be
// present. A minInterests of zero selects DefaultMinInterests.
func NewInterestCatalog(minInterests int, stages map[Stage]StageInterests) (*InterestCatalog, error) {
	if minInterests < 0 {
		return nil, fmt.Errorf("%w: min interests must not be negative", ErrInvalidCatalog)
	}
	if minInterests == 0 {
		minInterests = DefaultMinInterests
	}

	c := &InterestCatalog{
		minInterests: minInterests,
		stages:       make(map[Stage]StageInterests, len(stages)),
	}
	for _, s := range Stages() {
		entry, ok := stages[s]
		if !ok {
			return nil, fmt.Errorf("%w: stage %s missing", ErrInvalidCatalog, s)
		}
		if err := catalogValidate.Struct(entry); err != nil {
			return nil, fmt.Errorf("%w: stage %s: %v", ErrInvalidCatalog, s, err)
		}
		for _, tag := range entry.Priority {
			if !slices.Contains(entry.Available, tag) {
				return nil, fmt.Errorf("%w: stage %s: priority tag %q not available", ErrInvalidCatalog, s, tag)
			}
		}
		c.stages[s] = StageInterests{
			Available: slices.Clone(entry.Available),
			Priority:  slices.Clone(entry.Priority),
		}
	}
	return c, nil
}

// ParseInterestCatalog decodes a YAML catalog document.
func ParseInterestCatalog(data []byte) (*InterestCatalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := catalogValidate.Struct(file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	stages := make(map[Stage]StageInterests, len(file.Stages))
	for _, entry := range file.Stages {
		s, err := ParseStage(entry.Stage)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
		}
		if _, dup := stages[s]; dup {
			return nil, fmt.Errorf("%w: stage %s listed twice", ErrInvalidCatalog, s)
		}
		stages[s] = entry.StageInterests
	}
	return NewInterestCatalog(file.MinInterests, stages)
}

// LoadInterestCatalog reads a YAML catalog from r.
func LoadInterestCatalog(r io.Reader) (*InterestCatalog, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxCatalogFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read interest catalog: %w", err)
	}
	if len(data) > MaxCatalogFileSize {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalidCatalog, MaxCatalogFileSize)
	}
	return ParseInterestCatalog(data)
}

// LoadInterestCatalogFile reads a YAML catalog from path.
func LoadInterestCatalogFile(path string) (*InterestCatalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open interest catalog: %w", err)
	}
	defer f.Close()
	return LoadInterestCatalog(f)
}

// MinInterests is the size a migrated interest list is topped up to.
func (c *InterestCatalog) MinInterests() int {
	return c.minInterests
}

// Available returns the tags for a stage in catalog order.
func (c *InterestCatalog) Available(s Stage) []string {
	return slices.Clone(c.stages[s].Available)
}

// Priority returns the suggestion ranking for a stage.
func (c *InterestCatalog) Priority(s Stage) []string {
	return slices.Clone(c.stages[s].Priority)
}

// Contains reports whether tag is offered for stage s.
func (c *InterestCatalog) Contains(s Stage, tag string) bool {
	return slices.Contains(c.stages[s].Available, tag)
}

// Suggestions returns the tags to offer for stage s excluding those already
// chosen: priority tags first, then the rest of the catalog in order.
func (c *InterestCatalog) Suggestions(s Stage, chosen []string) []string {
	entry := c.stages[s]
	out := make([]string, 0, len(entry.Available))
	for _, tag := range entry.Priority {
		if !slices.Contains(chosen, tag) {
			out = append(out, tag)
		}
	}
	for _, tag := range entry.Available {
		if !slices.Contains(chosen, tag) && !slices.Contains(out, tag) {
			out = append(out, tag)
		}
	}
	return out
}
