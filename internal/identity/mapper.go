// Package identity maps old source keys to freshly assigned target keys.
package identity

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dnl0037/db-migrations/internal/model"
)

// ErrNotFound is returned when an old key has no committed target key.
var ErrNotFound = errors.New("identity not found")

type entry struct {
	newKey    int64
	committed bool
}

type kindMap struct {
	mu      sync.Mutex
	next    int64
	keys    map[int64]*entry
	aliases map[string]int64
}

// Mapper holds the identity maps of one run. Each kind has its own lock, so
// registration is serialized per kind.
type Mapper struct {
	mu    sync.Mutex
	kinds map[model.Kind]*kindMap
}

// New creates an empty mapper.
func New() *Mapper {
	return &Mapper{kinds: make(map[model.Kind]*kindMap)}
}

func (m *Mapper) kind(k model.Kind) *kindMap {
	m.mu.Lock()
	defer m.mu.Unlock()
	km, ok := m.kinds[k]
	if !ok {
		km = &kindMap{keys: make(map[int64]*entry), aliases: make(map[string]int64)}
		m.kinds[k] = km
	}
	return km
}

// Seed makes new keys for kind start above floor. It never lowers the counter.
func (m *Mapper) Seed(k model.Kind, floor int64) {
	km := m.kind(k)
	km.mu.Lock()
	defer km.mu.Unlock()
	if floor > km.next {
		km.next = floor
	}
}

// Register assigns a new key to oldKey, or returns the one already assigned.
// The key is not resolvable until Commit.
func (m *Mapper) Register(k model.Kind, oldKey int64) int64 {
	km := m.kind(k)
	km.mu.Lock()
	defer km.mu.Unlock()
	if e, ok := km.keys[oldKey]; ok {
		return e.newKey
	}
	km.next++
	km.keys[oldKey] = &entry{newKey: km.next}
	return km.next
}

// Commit marks registered keys as persisted so dependents may resolve them.
// Unregistered keys are ignored.
func (m *Mapper) Commit(k model.Kind, oldKeys ...int64) {
	km := m.kind(k)
	km.mu.Lock()
	defer km.mu.Unlock()
	for _, old := range oldKeys {
		if e, ok := km.keys[old]; ok {
			e.committed = true
		}
	}
}

// Resolve returns the committed new key for oldKey.
func (m *Mapper) Resolve(k model.Kind, oldKey int64) (int64, error) {
	km := m.kind(k)
	km.mu.Lock()
	defer km.mu.Unlock()
	e, ok := km.keys[oldKey]
	if !ok || !e.committed {
		return 0, fmt.Errorf("%w: %s %d", ErrNotFound, k, oldKey)
	}
	return e.newKey, nil
}

// Alias records a natural key for oldKey. The first alias registered for a
// natural key wins; it reports whether this call set it.
func (m *Mapper) Alias(k model.Kind, natural string, oldKey int64) bool {
	km := m.kind(k)
	km.mu.Lock()
	defer km.mu.Unlock()
	if _, taken := km.aliases[natural]; taken {
		return false
	}
	km.aliases[natural] = oldKey
	return true
}

// ResolveAlias resolves a natural key to the old key and committed new key.
func (m *Mapper) ResolveAlias(k model.Kind, natural string) (oldKey, newKey int64, err error) {
	km := m.kind(k)
	km.mu.Lock()
	old, ok := km.aliases[natural]
	km.mu.Unlock()
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s %q", ErrNotFound, k, natural)
	}
	newKey, err = m.Resolve(k, old)
	if err != nil {
		return 0, 0, err
	}
	return old, newKey, nil
}

// Len returns the number of registered identities for kind.
func (m *Mapper) Len(k model.Kind) int {
	km := m.kind(k)
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.keys)
}
