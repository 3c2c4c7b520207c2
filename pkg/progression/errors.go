package progression

import "errors"

var (
	// ErrUnknownStage is returned when a stage name or value is not recognized
	ErrUnknownStage = errors.New("unknown stage")

	// ErrInvalidCatalog is returned when an interest catalog fails validation
	ErrInvalidCatalog = errors.New("invalid interest catalog")

	// ErrInvalidProfile is returned when onboarding facts are inconsistent
	ErrInvalidProfile = errors.New("invalid profile")
)
