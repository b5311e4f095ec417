package memory

import "errors"

var (
	// ErrNotFound is returned for lookups, touches and deletes on an unknown id.
	ErrNotFound = errors.New("memory not found")
	// ErrValidation marks malformed input rejected before persistence.
	ErrValidation = errors.New("invalid memory")
	// ErrProviderUnavailable marks a failed or timed-out embedding or language model call.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrStorageUnavailable marks a failure of the underlying persistence layer.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// opStatus labels an operation outcome for metrics.
func opStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	default:
		return "error"
	}
}
