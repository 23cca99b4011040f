// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package aggregate is a software model of the kernel-side aggregation maps
// declared in ebpf/include and populated by ebpf/src/*.bpf.c. It implements
// the identical lookup-or-insert/atomic-add/correlate-and-delete semantics
// in Go so the seed scenarios can run as ordinary unit tests. Only the tests
// drive it: on a host without full CO-RE/BTF support the cgroup telemetry
// collector does not fall back to this model, it reports a degraded status
// and returns a closed, empty channel.
package aggregate

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// sidecar mirrors the per-CPU DEFINE_STATS_MAP array: cumulative insert and
// update-error counts. Unlike the kernel version there is exactly one copy,
// not one per CPU, since there is nothing to sum across in a Go process.
type sidecar struct {
	entries      atomic.Uint64
	updateErrors atomic.Uint64
}

func (s *sidecar) Read() (entries, updateErrors uint64) {
	return s.entries.Load(), s.updateErrors.Load()
}

// hashTable is a bounded, fail-if-exists table mirroring a plain
// BPF_MAP_TYPE_HASH: once at capacity, an insert for a new key is refused
// and bumps updateErrors rather than evicting anything.
type hashTable[K comparable, V any] struct {
	mu         sync.Mutex
	entries    map[K]V
	maxEntries int
	stats      sidecar
}

func newHashTable[K comparable, V any](maxEntries int) *hashTable[K, V] {
	return &hashTable[K, V]{
		entries:    make(map[K]V),
		maxEntries: maxEntries,
	}
}

// LoadOrInsert returns the existing value for key if present. Otherwise it
// calls newVal to construct one and inserts it, unless the table is already
// at capacity, in which case it bumps updateErrors and returns ok=false --
// the same "racing CPU's insert is sufficient, do not retry" rule spec.md
// §4.1 describes for the kernel side.
func (t *hashTable[K, V]) LoadOrInsert(key K, newVal func() V) (val V, inserted, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v, found := t.entries[key]; found {
		return v, false, true
	}
	if len(t.entries) >= t.maxEntries {
		t.stats.updateErrors.Add(1)
		var zero V
		return zero, false, false
	}
	v := newVal()
	t.entries[key] = v
	t.stats.entries.Add(1)
	return v, true, true
}

func (t *hashTable[K, V]) Load(key K) (val V, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, found := t.entries[key]
	return v, found
}

func (t *hashTable[K, V]) Delete(key K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

func (t *hashTable[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *hashTable[K, V]) Stats() (entries, updateErrors uint64) {
	return t.stats.Read()
}

// Range calls f for every key/value in the table. f must not call back into
// the table.
func (t *hashTable[K, V]) Range(f func(K, V)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.entries {
		f(k, v)
	}
}

// lruTable mirrors a BPF_MAP_TYPE_LRU_HASH: inserts past capacity evict the
// least-recently-touched entry instead of failing, matching spec.md §4.2's
// rule that network and syscall aggregate maps use LRU so capacity pressure
// degrades to eviction, not lost inserts.
type lruTable[K comparable, V any] struct {
	mu         sync.Mutex
	order      *list.List // front = most recently touched
	index      map[K]*list.Element
	maxEntries int
	stats      sidecar
}

type lruElem[K comparable, V any] struct {
	key K
	val V
}

func newLRUTable[K comparable, V any](maxEntries int) *lruTable[K, V] {
	return &lruTable[K, V]{
		order:      list.New(),
		index:      make(map[K]*list.Element),
		maxEntries: maxEntries,
	}
}

// LoadOrInsert returns the existing value for key, moving it to the front of
// the LRU order, or inserts a new one built by newVal -- evicting the
// least-recently-touched entry first if the table is full. Insertion under
// LRU semantics never fails.
func (t *lruTable[K, V]) LoadOrInsert(key K, newVal func() V) (val V, inserted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, found := t.index[key]; found {
		t.order.MoveToFront(e)
		return e.Value.(*lruElem[K, V]).val, false
	}

	if len(t.index) >= t.maxEntries {
		back := t.order.Back()
		if back != nil {
			evicted := back.Value.(*lruElem[K, V])
			delete(t.index, evicted.key)
			t.order.Remove(back)
		}
	}

	v := newVal()
	e := t.order.PushFront(&lruElem[K, V]{key: key, val: v})
	t.index[key] = e
	t.stats.entries.Add(1)
	return v, true
}

func (t *lruTable[K, V]) Load(key K) (val V, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, found := t.index[key]
	if !found {
		var zero V
		return zero, false
	}
	t.order.MoveToFront(e)
	return e.Value.(*lruElem[K, V]).val, true
}

func (t *lruTable[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.index)
}

func (t *lruTable[K, V]) Stats() (entries, updateErrors uint64) {
	return t.stats.Read()
}

func (t *lruTable[K, V]) Range(f func(K, V)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.index {
		f(k, e.Value.(*lruElem[K, V]).val)
	}
}
