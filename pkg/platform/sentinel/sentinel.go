package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and caches return these
// (optionally wrapped) so services can branch on them with errors.Is.
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	// ErrCacheMiss is returned by lookup caches when no entry exists for a key.
	ErrCacheMiss = errors.New("cache miss")
)
