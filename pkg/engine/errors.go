package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageFailure matches every *StorageFailure via errors.Is
	ErrStorageFailure = errors.New("storage failure")

	// ErrStorageUnavailable is returned when an engine is built without storage
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNoProfile is returned by operations that need an existing profile
	ErrNoProfile = errors.New("no profile")

	// ErrProfileExists is returned when onboarding over an existing profile
	ErrProfileExists = errors.New("profile already exists")

	// ErrInvalidAccount is returned for an empty account id
	ErrInvalidAccount = errors.New("invalid account id")

	// ErrListingUnsupported is returned when the backend cannot enumerate accounts
	ErrListingUnsupported = errors.New("storage cannot list accounts")
)

// Record kinds carried by StorageFailure.
const (
	RecordProfile = "profile"
	RecordQuota   = "quota"
)

// StorageFailure reports a failed load or save of a persisted record. The
// engine never retries; retry policy belongs to the storage implementation.
type StorageFailure struct {
	Op     string // "load", "save" or "list"
	Record string // RecordProfile or RecordQuota
	Err    error
}

func (e *StorageFailure) Error() string {
	return fmt.Sprintf("storage failure: %s %s: %v", e.Op, e.Record, e.Err)
}

func (e *StorageFailure) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrStorageFailure) match any StorageFailure.
func (e *StorageFailure) Is(target error) bool {
	return target == ErrStorageFailure
}
