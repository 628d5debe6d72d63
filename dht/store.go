package dht

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/kaddht/keyspace"
	"github.com/opd-ai/kaddht/limits"
)

// DefaultValueTTL is how long a stored value lives without being refreshed.
const DefaultValueTTL = 24 * time.Hour

// ErrValueTooLarge is returned for values that cannot fit in one datagram.
var ErrValueTooLarge = errors.New("value too large")

// Entry is a stored value and the time it was last stored.
type Entry struct {
	Key      keyspace.Key
	Value    []byte
	StoredAt time.Time
}

// ValueStore is the local key/value map behind STORE and FIND_VALUE.
// Expiry is applied lazily on Get and eagerly by Sweep.
type ValueStore struct {
	entries      map[keyspace.Key]*Entry
	ttl          time.Duration
	timeProvider TimeProvider
	mu           sync.Mutex
}

// NewValueStore creates a store whose entries expire after ttl without a refresh.
func NewValueStore(ttl time.Duration) *ValueStore {
	if ttl <= 0 {
		ttl = DefaultValueTTL
	}
	return &ValueStore{
		entries:      make(map[keyspace.Key]*Entry),
		ttl:          ttl,
		timeProvider: DefaultTimeProvider{},
	}
}

// SetTimeProvider sets the time provider for deterministic testing.
func (vs *ValueStore) SetTimeProvider(tp TimeProvider) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.timeProvider = timeProviderOrDefault(tp)
}

// TTL returns the configured expiry.
func (vs *ValueStore) TTL() time.Duration {
	return vs.ttl
}

// Put accepts a value unconditionally, overwriting any previous value and
// resetting its expiry.
func (vs *ValueStore) Put(key keyspace.Key, value []byte) error {
	if err := validateValue(value); err != nil {
		return err
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	vs.mu.Lock()
	defer vs.mu.Unlock()

	vs.entries[key] = &Entry{
		Key:      key,
		Value:    stored,
		StoredAt: vs.timeProvider.Now(),
	}
	return nil
}

// Get returns a copy of the value for key if present and not expired.
func (vs *ValueStore) Get(key keyspace.Key) ([]byte, bool) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	entry, exists := vs.entries[key]
	if !exists {
		return nil, false
	}

	if vs.expired(entry) {
		delete(vs.entries, key)
		return nil, false
	}

	out := make([]byte, len(entry.Value))
	copy(out, entry.Value)
	return out, true
}

// Sweep removes expired entries and returns how many were dropped.
func (vs *ValueStore) Sweep() int {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	removed := 0
	for key, entry := range vs.entries {
		if vs.expired(entry) {
			delete(vs.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, including any not yet swept.
func (vs *ValueStore) Len() int {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return len(vs.entries)
}

// Keys returns the keys of all live entries.
func (vs *ValueStore) Keys() []keyspace.Key {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	keys := make([]keyspace.Key, 0, len(vs.entries))
	for key, entry := range vs.entries {
		if !vs.expired(entry) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (vs *ValueStore) expired(entry *Entry) bool {
	return vs.timeProvider.Since(entry.StoredAt) >= vs.ttl
}

func validateValue(value []byte) error {
	if err := limits.ValidateValue(value); err != nil {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrValueTooLarge, len(value), limits.MaxValueSize)
	}
	return nil
}
