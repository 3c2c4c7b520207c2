package quota

import "errors"

var (
	// ErrModelRejected is returned when a model is not allowed by the record's tier
	ErrModelRejected = errors.New("model not allowed for tier")

	// ErrUnknownTier is returned for a tier missing from the catalog
	ErrUnknownTier = errors.New("unknown tier")

	// ErrUnknownModel is returned for a model missing from the catalog
	ErrUnknownModel = errors.New("unknown model")

	// ErrInvalidCatalog is returned when a tier catalog fails validation
	ErrInvalidCatalog = errors.New("invalid tier catalog")
)
