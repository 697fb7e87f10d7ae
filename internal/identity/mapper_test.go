package identity

import (
	"errors"
	"sync"
	"testing"

	"github.com/dnl0037/db-migrations/internal/model"
)

func TestRegister_Idempotent(t *testing.T) {
	m := New()
	a := m.Register(model.KindUser, 10)
	b := m.Register(model.KindUser, 10)
	if a != b {
		t.Errorf("re-registering returned %d then %d", a, b)
	}
	if c := m.Register(model.KindUser, 11); c == a {
		t.Error("distinct old keys must get distinct new keys")
	}
	if m.Len(model.KindUser) != 2 {
		t.Errorf("Len = %d, want 2", m.Len(model.KindUser))
	}
}

func TestRegister_PerKindCounters(t *testing.T) {
	m := New()
	u := m.Register(model.KindUser, 1)
	p := m.Register(model.KindProduct, 1)
	if u != 1 || p != 1 {
		t.Errorf("expected independent sequences, got user %d product %d", u, p)
	}
}

func TestSeed(t *testing.T) {
	m := New()
	m.Seed(model.KindOrder, 100)
	m.Seed(model.KindOrder, 50)
	if got := m.Register(model.KindOrder, 1); got != 101 {
		t.Errorf("expected first key above floor, got %d", got)
	}
}

func TestResolve_RequiresCommit(t *testing.T) {
	m := New()
	newKey := m.Register(model.KindUser, 5)

	if _, err := m.Resolve(model.KindUser, 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("uncommitted identity should not resolve, got %v", err)
	}
	m.Commit(model.KindUser, 5, 99)
	got, err := m.Resolve(model.KindUser, 5)
	if err != nil || got != newKey {
		t.Errorf("Resolve = %d, %v; want %d", got, err, newKey)
	}
	if _, err := m.Resolve(model.KindUser, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("committing an unregistered key must not create it, got %v", err)
	}
	if _, err := m.Resolve(model.KindProduct, 5); !errors.Is(err, ErrNotFound) {
		t.Errorf("kinds must not share identities, got %v", err)
	}
}

func TestAlias(t *testing.T) {
	m := New()
	m.Register(model.KindUser, 1)
	m.Register(model.KindUser, 2)
	m.Commit(model.KindUser, 1, 2)

	if !m.Alias(model.KindUser, "alice", 1) {
		t.Fatal("first alias should be set")
	}
	if m.Alias(model.KindUser, "alice", 2) {
		t.Error("second alias for the same natural key must not win")
	}

	old, newKey, err := m.ResolveAlias(model.KindUser, "alice")
	if err != nil || old != 1 || newKey != 1 {
		t.Errorf("ResolveAlias = %d, %d, %v", old, newKey, err)
	}
	if _, _, err := m.ResolveAlias(model.KindUser, "bob"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAlias_UncommittedTarget(t *testing.T) {
	m := New()
	m.Register(model.KindProduct, 3)
	m.Alias(model.KindProduct, "lamp", 3)
	if _, _, err := m.ResolveAlias(model.KindProduct, "lamp"); !errors.Is(err, ErrNotFound) {
		t.Errorf("alias to uncommitted identity must not resolve, got %v", err)
	}
}

func TestRegister_Concurrent(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	keys := make([]int64, 200)
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			keys[i] = m.Register(model.KindOrderItem, int64(i%100))
		}(i)
	}
	wg.Wait()

	seen := map[int64]int64{}
	for i, k := range keys {
		old := int64(i % 100)
		if prev, ok := seen[old]; ok && prev != k {
			t.Fatalf("old key %d mapped to both %d and %d", old, prev, k)
		}
		seen[old] = k
	}
	if m.Len(model.KindOrderItem) != 100 {
		t.Errorf("Len = %d, want 100", m.Len(model.KindOrderItem))
	}
}
