package cache

import "errors"

var (
	// ErrInvalidKey is returned for keys whose slug or mode cannot be encoded.
	ErrInvalidKey = errors.New("invalid cache key")
	// ErrSubmitterFull is reported when the async submitter has no free slot.
	ErrSubmitterFull = errors.New("async submitter full")
	// ErrSubmitterClosed is reported for jobs submitted after Close.
	ErrSubmitterClosed = errors.New("async submitter closed")
)
