package models

import "errors"

var (
	// ErrURIRequired is returned when a record has no track URI.
	ErrURIRequired = errors.New("uri is required")
	// ErrCoreRequired is returned when a probe record names no core.
	ErrCoreRequired = errors.New("core is required")
	// ErrNegativePosition is returned for a bookmark before the start of a track.
	ErrNegativePosition = errors.New("position must not be negative")
)
