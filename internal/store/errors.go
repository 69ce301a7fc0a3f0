package store

import "errors"

// ErrStorageDeprecated is returned by DB when a collection has been
// frozen by deprecation and is awaiting transfer to its new placement
// owner. The router translates it to a 503 with Retry-After.
var ErrStorageDeprecated = errors.New("store: collection is deprecated")

// ErrNotDeprecated is returned by DeprecatedDB when no deprecated log
// exists for the collection.
var ErrNotDeprecated = errors.New("store: collection has no deprecated log")

// ErrBlobNotFound is returned by GetBlobData when the named blob does
// not exist.
var ErrBlobNotFound = errors.New("store: blob not found")
