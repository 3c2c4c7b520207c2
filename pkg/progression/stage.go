// Package progression derives a profile's developmental stage from its stored
// facts and keeps its interest tags appropriate for that stage.
package progression

import (
	"fmt"
	"strings"
)

// Stage is a developmental phase of a profile. Stages are totally ordered:
// StagePregnancy < StageNewborn < StageInfant < StageToddler < StagePreschooler.
type Stage int

const (
	// StagePregnancy is the prenatal stage, tracked by due date
	StagePregnancy Stage = iota
	// StageNewborn covers months 0-3
	StageNewborn
	// StageInfant covers months 4-12
	StageInfant
	// StageToddler covers months 13-36
	StageToddler
	// StagePreschooler covers month 37 onwards (terminal)
	StagePreschooler
)

var stageNames = [...]string{
	StagePregnancy:   "pregnancy",
	StageNewborn:     "newborn",
	StageInfant:      "infant",
	StageToddler:     "toddler",
	StagePreschooler: "preschooler",
}

// Stages returns every stage in order.
func Stages() []Stage {
	return []Stage{StagePregnancy, StageNewborn, StageInfant, StageToddler, StagePreschooler}
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s >= StagePregnancy && s <= StagePreschooler
}

func (s Stage) String() string {
	if !s.Valid() {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// ParseStage parses the lower-case stage name produced by String.
func ParseStage(name string) (Stage, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range stageNames {
		if candidate == n {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStage, name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStage, int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
