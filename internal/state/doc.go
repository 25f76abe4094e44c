// Package state provides the storage layer: key-value backends and the
// chunked session and settings stores built on them.
package state

import "github.com/user/sleeptrack/internal/types"

// Compile-time interface compliance checks.
var _ types.KV = (*KV)(nil)
var _ types.SessionReader = (*SessionStore)(nil)
