package hal

import "context"

var (
	ErrHardwareNotAvailable = NewProviderError("hardware not available")
	ErrNotSupported         = NewProviderError("operation not supported")
)

// ProviderError wraps provider failures with an optional cause.
type ProviderError struct {
	Message string
	Cause   error
}

func NewProviderError(message string) *ProviderError {
	return &ProviderError{Message: message}
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

func (e *ProviderError) WithCause(cause error) *ProviderError {
	return &ProviderError{Message: e.Message, Cause: cause}
}

// Provider supplies hardware capability snapshots. CurrentSnapshot is a
// pure query with no side effects and must be cheap enough to call once
// per stage transition.
type Provider interface {
	Name() string
	Available(ctx context.Context) bool
	CurrentSnapshot(ctx context.Context) (Snapshot, error)
}
