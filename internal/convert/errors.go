package convert

import "errors"

// Common errors.
var (
	// ErrInvalidKind is returned when an operation is invoked on a value
	// that is not the expected IR kind (e.g., a nil model or tensor).
	ErrInvalidKind = errors.New("input is not the expected IR kind")
)
