package provider

import "errors"

var (
	// ErrNotFound marks a definitive negative: the referenced session,
	// subscription or promotion code does not exist at the provider.
	ErrNotFound = errors.New("billing provider: not found")

	// ErrInvalid marks a malformed or rejected request that retrying will
	// not fix.
	ErrInvalid = errors.New("billing provider: invalid request")

	// ErrSignature marks a webhook payload that failed signature
	// verification. The payload must not be trusted.
	ErrSignature = errors.New("billing provider: webhook signature verification failed")
)

// IsDefinitive reports whether err is a terminal provider response. Anything
// else (network failure, provider 5xx, rate limit) is considered transient
// and may be retried.
func IsDefinitive(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalid) || errors.Is(err, ErrSignature)
}
