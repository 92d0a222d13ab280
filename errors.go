package depot

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a coordinate has no matching record.
	ErrNotFound = errors.New("depot: not found")

	// ErrRepositoryUnavailable is returned when the upstream artifact
	// repository could not answer a lookup.
	ErrRepositoryUnavailable = errors.New("depot: repository unavailable")

	// ErrStoreInconsistency signals a violated store invariant, such as a
	// listed coordinate without any metric records.
	ErrStoreInconsistency = errors.New("depot: store inconsistency")

	// ErrInvalidArgument is returned for malformed coordinates or options.
	ErrInvalidArgument = errors.New("depot: invalid argument")

	// ErrInvalidTransition is returned when a lifecycle state change is not allowed.
	ErrInvalidTransition = errors.New("depot: invalid state transition")
)

// Error kinds reported in batch results.
const (
	KindNotFound              = "not_found"
	KindRepositoryUnavailable = "repository_unavailable"
	KindStoreInconsistency    = "store_inconsistency"
	KindInvalidArgument       = "invalid_argument"
	KindInvalidTransition     = "invalid_transition"
	KindCanceled              = "canceled"
	KindInternal              = "internal"
)

// ErrorKind classifies err into one of the Kind constants.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrRepositoryUnavailable):
		return KindRepositoryUnavailable
	case errors.Is(err, ErrStoreInconsistency):
		return KindStoreInconsistency
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}
