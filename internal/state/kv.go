// internal/state/kv.go
package state

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/user/sleeptrack/internal/types"
)

// DefaultMaxValueSize is the per-key byte ceiling of the storage primitive.
const DefaultMaxValueSize = 256

// MinValueSize is the smallest ceiling that still holds every fixed-size
// record, the settings record being the largest.
const MinValueSize = settingsSize

// backend is the raw byte storage beneath a KV.
type backend interface {
	get(ctx context.Context, key string) ([]byte, bool, error)
	put(ctx context.Context, key string, data []byte) error
	del(ctx context.Context, key string) error
}

// KV layers the integer/bytes contract and the per-key size ceiling over a
// backend. Integers are stored as 8-byte big-endian values.
type KV struct {
	b      backend
	max    int
	closer io.Closer
}

func newKV(b backend, maxValueSize int, closer io.Closer) *KV {
	if maxValueSize <= 0 {
		maxValueSize = DefaultMaxValueSize
	}
	return &KV{b: b, max: maxValueSize, closer: closer}
}

func (k *KV) MaxValueSize() int {
	return k.max
}

func (k *KV) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := k.b.get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("check key %s: %w", key, err)
	}
	return ok, nil
}

func (k *KV) ReadInt(ctx context.Context, key string) (int64, error) {
	data, err := k.ReadBytes(ctx, key)
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("read int %s: stored value is %d bytes", key, len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

func (k *KV) WriteInt(ctx context.Context, key string, v int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return k.WriteBytes(ctx, key, buf)
}

func (k *KV) ReadBytes(ctx context.Context, key string) ([]byte, error) {
	data, ok, err := k.b.get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", key, err)
	}
	if !ok {
		return nil, types.ErrNotFound
	}
	return data, nil
}

func (k *KV) WriteBytes(ctx context.Context, key string, data []byte) error {
	if len(data) > k.max {
		return fmt.Errorf("write key %s (%d bytes): %w", key, len(data), types.ErrValueTooLarge)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	if err := k.b.put(ctx, key, buf); err != nil {
		return fmt.Errorf("write key %s: %w", key, err)
	}
	return nil
}

func (k *KV) Delete(ctx context.Context, key string) error {
	if err := k.b.del(ctx, key); err != nil {
		return fmt.Errorf("delete key %s: %w", key, err)
	}
	return nil
}

// Close releases the backend, if it holds any resources.
func (k *KV) Close() error {
	if k.closer == nil {
		return nil
	}
	return k.closer.Close()
}
