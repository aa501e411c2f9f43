package apperrors

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrStoreConflict         = errors.New("concurrent commit rejected")
	ErrVersionNotFound       = errors.New("graph version not found")
	ErrCapabilityUnavailable = errors.New("capability unavailable")
	ErrMalformedResponse     = errors.New("malformed capability response")
	ErrStoreCorrupt          = errors.New("graph store corrupt")
)
