package models

import "errors"

// Sentinel errors shared by the core services. Controllers translate these
// into user-facing responses; the core only signals the kind.
var (
	// ErrNotFound indicates the requested role/thread/post/attachment is absent.
	ErrNotFound = errors.New("record not found")
	// ErrPermissionDenied indicates a failed permission check. It is returned
	// before any state mutation takes place.
	ErrPermissionDenied = errors.New("permission denied")
)
