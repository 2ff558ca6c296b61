package pgraster

import "errors"

// Error kinds returned by band operations. Callers match them with errors.Is;
// the wrapped message carries the detail.
var (
	ErrNotSupported     = errors.New("pgraster: operation not supported")
	ErrStoreUnavailable = errors.New("pgraster: store unavailable")
	ErrUnknownPixelType = errors.New("pgraster: unknown pixel type")
	ErrMalformedTile    = errors.New("pgraster: malformed tile")
	ErrOutOfMemory      = errors.New("pgraster: out of memory")
	ErrInvalidWindow    = errors.New("pgraster: invalid window")
)
