package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pkt.systems/doord/api"
	"pkt.systems/doord/internal/storage"
)

// UsedObjectKey is the storage object holding consumed one-time keys.
const UsedObjectKey = "usedkeys.json"

// DefaultPersistTimeout bounds the write that records a consumed key.
const DefaultPersistTimeout = 5 * time.Second

// ErrConsumed indicates a one-time key has already been used.
var ErrConsumed = errors.New("keys: key already consumed")

// UsedSet records consumed one-time keys. Entries are never removed.
type UsedSet struct {
	mu      sync.Mutex
	backend storage.Backend
	timeout time.Duration
	used    map[string]time.Time
}

// NewUsedSet returns an empty set persisted to backend. A nil backend keeps
// the set in memory only.
func NewUsedSet(backend storage.Backend) *UsedSet {
	return &UsedSet{backend: backend, timeout: DefaultPersistTimeout, used: map[string]time.Time{}}
}

// SetPersistTimeout overrides DefaultPersistTimeout. Non-positive values are
// ignored.
func (u *UsedSet) SetPersistTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	u.mu.Lock()
	u.timeout = d
	u.mu.Unlock()
}

// LoadUsedSet restores the set from backend. A missing document yields an
// empty set.
func LoadUsedSet(ctx context.Context, backend storage.Backend) (*UsedSet, error) {
	set := NewUsedSet(backend)
	if backend == nil {
		return set, nil
	}
	var raw map[string]json.RawMessage
	if err := storage.ReadJSON(ctx, backend, UsedObjectKey, &raw); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return set, nil
		}
		return nil, fmt.Errorf("keys: load used keys: %w", err)
	}
	for id, value := range raw {
		set.used[id] = decodeUsedTime(value)
	}
	return set, nil
}

// decodeUsedTime accepts the wire string format as well as bare numbers.
// Entries whose time cannot be decoded still count as consumed.
func decodeUsedTime(raw json.RawMessage) time.Time {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := api.ParseTimestamp(s); err == nil {
			return t
		}
		return time.Time{}
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
	}
	return time.Time{}
}

// Contains reports whether id has been consumed.
func (u *UsedSet) Contains(id string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.used[id]
	return ok
}

// ConsumedAt returns when id was consumed.
func (u *UsedSet) ConsumedAt(id string) (time.Time, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	t, ok := u.used[id]
	return t, ok
}

// Len returns the number of consumed keys.
func (u *UsedSet) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.used)
}

// Consume atomically checks that id is unused, records it and persists the
// set. When persisting fails the record is rolled back and the error
// returned, so a key is never reported consumed without being durable.
// The write is detached from ctx cancellation and bounded by the persist
// timeout.
func (u *UsedSet) Consume(ctx context.Context, id string, now time.Time) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.used[id]; ok {
		return ErrConsumed
	}
	u.used[id] = now
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.timeout)
	defer cancel()
	if err := u.persistLocked(persistCtx); err != nil {
		delete(u.used, id)
		return err
	}
	return nil
}

func (u *UsedSet) persistLocked(ctx context.Context) error {
	if u.backend == nil {
		return nil
	}
	doc := make(map[string]string, len(u.used))
	for id, at := range u.used {
		doc[id] = api.FormatTimestamp(at)
	}
	if _, err := storage.WriteJSON(ctx, u.backend, UsedObjectKey, doc); err != nil {
		return fmt.Errorf("keys: persist used keys: %w", err)
	}
	return nil
}

// IDs returns consumed ids sorted.
func (u *UsedSet) IDs() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	ids := make([]string, 0, len(u.used))
	for id := range u.used {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
