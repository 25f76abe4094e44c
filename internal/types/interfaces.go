// internal/types/interfaces.go
package types

import (
	"context"
)

// KV is the persistent key-value primitive everything else is stored on.
// Every value is bounded by MaxValueSize bytes; missing keys yield ErrNotFound.
type KV interface {
	Exists(ctx context.Context, key string) (bool, error)
	ReadInt(ctx context.Context, key string) (int64, error)
	WriteInt(ctx context.Context, key string, v int64) error
	ReadBytes(ctx context.Context, key string) ([]byte, error)
	WriteBytes(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	MaxValueSize() int
}

// SessionReader reads back persisted sessions. The bool result is false when
// there is no stored session, which is not an error.
type SessionReader interface {
	Latest(ctx context.Context) (Session, bool, error)
	Read(ctx context.Context, slot int) (Session, bool, error)
}
