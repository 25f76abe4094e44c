// internal/state/sessions.go
package state

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/sleeptrack/internal/types"
)

const (
	DefaultSlots         = 4
	DefaultChunksPerSlot = 6

	cursorKey  = "slot.cursor"
	valueWidth = 2
)

// SlotOptions fixes the shape of the slot table.
type SlotOptions struct {
	Slots         int
	ChunksPerSlot int
}

// SlotInfo is the header of one stored slot.
type SlotInfo struct {
	Slot  int         `json:"slot"`
	Start time.Time   `json:"start"`
	End   time.Time   `json:"end"`
	Count int         `json:"count"`
	Stats types.Stats `json:"stats"`
}

// SessionStore persists sealed sessions into a fixed circular table of
// slots. Each slot keeps its header as small integer keys and its value
// sequence split across fixed-size chunk keys.
type SessionStore struct {
	kv     types.KV
	slots  int
	chunks int
}

// NewSessionStore creates a SessionStore over kv. Zero options take defaults.
func NewSessionStore(kv types.KV, opts SlotOptions) *SessionStore {
	if opts.Slots <= 0 {
		opts.Slots = DefaultSlots
	}
	if opts.ChunksPerSlot <= 0 {
		opts.ChunksPerSlot = DefaultChunksPerSlot
	}
	return &SessionStore{kv: kv, slots: opts.Slots, chunks: opts.ChunksPerSlot}
}

// Slots returns the size of the slot table.
func (s *SessionStore) Slots() int {
	return s.slots
}

// ValuesPerChunk returns how many values fit under one key.
func (s *SessionStore) ValuesPerChunk() int {
	n := s.kv.MaxValueSize() / valueWidth
	if n < 1 {
		n = 1
	}
	return n
}

// Capacity returns the most values a slot can hold.
func (s *SessionStore) Capacity() int {
	return s.ValuesPerChunk() * s.chunks
}

func slotKey(slot int, field string) string {
	return fmt.Sprintf("slot.%d.%s", slot, field)
}

func chunkKey(slot, chunk int) string {
	return fmt.Sprintf("slot.%d.chunk.%d", slot, chunk)
}

// cursor returns the next slot to write. An absent cursor starts at 0.
func (s *SessionStore) cursor(ctx context.Context) (int, bool, error) {
	v, err := s.kv.ReadInt(ctx, cursorKey)
	if errors.Is(err, types.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if v < 0 || int(v) >= s.slots {
		return 0, true, nil
	}
	return int(v), true, nil
}

// Store writes session into the next slot, overwriting the oldest one once
// the table is full, and returns the slot used. Values beyond Capacity are
// dropped.
func (s *SessionStore) Store(ctx context.Context, session *types.Session) (int, error) {
	slot, _, err := s.cursor(ctx)
	if err != nil {
		return 0, fmt.Errorf("read slot cursor: %w", err)
	}

	values := session.Values
	if len(values) > s.Capacity() {
		slog.Debug("session truncated to slot capacity",
			"session_id", session.ID, "count", len(values), "capacity", s.Capacity())
		values = values[:s.Capacity()]
	}

	header := []struct {
		field string
		value int64
	}{
		{"start", session.Start.Unix()},
		{"end", session.End.Unix()},
		{"count", int64(len(values))},
	}
	for _, h := range header {
		if err := s.kv.WriteInt(ctx, slotKey(slot, h.field), h.value); err != nil {
			return 0, fmt.Errorf("write slot header: %w", err)
		}
	}
	if err := s.kv.WriteBytes(ctx, slotKey(slot, "stats"), encodeStats(session.Stats)); err != nil {
		return 0, fmt.Errorf("write slot stats: %w", err)
	}

	per := s.ValuesPerChunk()
	chunk := 0
	for start := 0; start < len(values) && chunk < s.chunks; start += per {
		end := min(start+per, len(values))
		if err := s.kv.WriteBytes(ctx, chunkKey(slot, chunk), encodeValues(values[start:end])); err != nil {
			return 0, fmt.Errorf("write slot chunk %d: %w", chunk, err)
		}
		chunk++
	}
	// Chunks left over from a longer session that used this slot before.
	for ; chunk < s.chunks; chunk++ {
		if err := s.kv.Delete(ctx, chunkKey(slot, chunk)); err != nil {
			return 0, fmt.Errorf("clear stale chunk %d: %w", chunk, err)
		}
	}

	next := (slot + 1) % s.slots
	if err := s.kv.WriteInt(ctx, cursorKey, int64(next)); err != nil {
		return 0, fmt.Errorf("advance slot cursor: %w", err)
	}
	return slot, nil
}

// Latest reads the most recently stored session.
func (s *SessionStore) Latest(ctx context.Context) (types.Session, bool, error) {
	cur, ok, err := s.cursor(ctx)
	if err != nil {
		return types.Session{}, false, fmt.Errorf("read slot cursor: %w", err)
	}
	if !ok {
		return types.Session{}, false, nil
	}
	return s.Read(ctx, (cur-1+s.slots)%s.slots)
}

// Read reconstructs the session in slot. A slot missing any header field
// reads as an empty session with ok=false.
func (s *SessionStore) Read(ctx context.Context, slot int) (types.Session, bool, error) {
	if slot < 0 || slot >= s.slots {
		return types.Session{}, false, fmt.Errorf("slot %d out of range [0,%d)", slot, s.slots)
	}
	info, ok, err := s.header(ctx, slot)
	if err != nil || !ok {
		return types.Session{}, false, err
	}

	values := make([]uint16, 0, info.Count)
	for chunk := 0; chunk < s.chunks; chunk++ {
		data, err := s.kv.ReadBytes(ctx, chunkKey(slot, chunk))
		if errors.Is(err, types.ErrNotFound) {
			break
		}
		if err != nil {
			return types.Session{}, false, err
		}
		values = append(values, decodeValues(data)...)
	}
	if len(values) > info.Count {
		values = values[:info.Count]
	}

	session := types.Session{
		Start:    info.Start,
		End:      info.End,
		Finished: true,
		Stats:    info.Stats,
		Values:   values,
	}
	if len(values) > 0 {
		session.Level = values[len(values)-1]
	}
	return session, true, nil
}

func (s *SessionStore) header(ctx context.Context, slot int) (SlotInfo, bool, error) {
	names := [...]string{"start", "end", "count"}
	// A slot is populated only once all three header fields exist.
	for _, name := range names {
		ok, err := s.kv.Exists(ctx, slotKey(slot, name))
		if err != nil || !ok {
			return SlotInfo{}, false, err
		}
	}
	var fields [len(names)]int64
	for i, name := range names {
		v, err := s.kv.ReadInt(ctx, slotKey(slot, name))
		if err != nil {
			return SlotInfo{}, false, err
		}
		fields[i] = v
	}
	info := SlotInfo{
		Slot:  slot,
		Start: time.Unix(fields[0], 0),
		End:   time.Unix(fields[1], 0),
		Count: int(fields[2]),
	}
	statsKey := slotKey(slot, "stats")
	if ok, err := s.kv.Exists(ctx, statsKey); err != nil {
		return SlotInfo{}, false, err
	} else if ok {
		raw, err := s.kv.ReadBytes(ctx, statsKey)
		if err != nil {
			return SlotInfo{}, false, err
		}
		info.Stats = decodeStats(raw)
	}
	return info, true, nil
}

// List returns the headers of every populated slot, newest first.
func (s *SessionStore) List(ctx context.Context) ([]SlotInfo, error) {
	cur, ok, err := s.cursor(ctx)
	if err != nil {
		return nil, fmt.Errorf("read slot cursor: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var out []SlotInfo
	for i := 1; i <= s.slots; i++ {
		slot := (cur - i + s.slots) % s.slots
		info, ok, err := s.header(ctx, slot)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, info)
		}
	}
	return out, nil
}

func encodeValues(values []uint16) []byte {
	buf := make([]byte, len(values)*valueWidth)
	for i, v := range values {
		binary.LittleEndian.PutUint16(buf[i*valueWidth:], v)
	}
	return buf
}

func decodeValues(data []byte) []uint16 {
	out := make([]uint16, len(data)/valueWidth)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(data[i*valueWidth:])
	}
	return out
}

func encodeStats(stats types.Stats) []byte {
	return encodeValues(stats[:])
}

func decodeStats(data []byte) types.Stats {
	var stats types.Stats
	copy(stats[:], decodeValues(data))
	return stats
}
