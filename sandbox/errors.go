package sandbox

import "errors"

var (
	// ErrUnsupportedLanguage is returned by Registry.Lookup for languages
	// without an enabled profile.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrStaging wraps failures while preparing the per-request directory.
	ErrStaging = errors.New("staging failed")

	// ErrBackendUnavailable is returned when the configured isolation backend
	// cannot be reached.
	ErrBackendUnavailable = errors.New("sandbox backend unavailable")

	// ErrSessionClosed is returned by Session.Exec after Close.
	ErrSessionClosed = errors.New("session closed")

	// ErrCapacity is returned when no execution slot frees up in time.
	ErrCapacity = errors.New("sandbox is at capacity")
)
