// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package store holds the most recent drained snapshot per cgroup in an
// in-memory badger instance, and fans out a change event to any subscriber
// each time a drain updates a cgroup's entry. It exists so a collector
// restart, or a second reader, can see the last known state for a cgroup
// without waiting for the next drain interval.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/kcgroup/telemetry-agent/pkg/errors"
	"github.com/kcgroup/telemetry-agent/pkg/performance"
)

var snapshotKeyPrefix = []byte("cgroup")

type subscriber struct {
	cgroupID uint64 // 0 means "any cgroup"
	ch       chan performance.CgroupTelemetryStats
}

// Store holds the latest CgroupTelemetryStats per cgroup ID.
type Store struct {
	mu     sync.RWMutex
	wg     sync.WaitGroup
	closed bool

	db              *badger.DB
	opGauge         atomic.Int32
	eventRouter     chan performance.CgroupTelemetryStats
	stopEventRouter chan struct{}
	subscribers     []*subscriber
}

// New opens an in-memory store. There is no on-disk state to recover: every
// process restart starts with an empty store, filled back in by the next
// few drain intervals.
func New() (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("opening in-memory store: %w", err)
	}
	s := &Store{
		db:              db,
		eventRouter:     make(chan performance.CgroupTelemetryStats),
		stopEventRouter: make(chan struct{}),
	}
	go s.startEventRouter()
	return s, nil
}

func snapshotKey(cgroupID uint64) []byte {
	key := make([]byte, len(snapshotKeyPrefix)+8)
	copy(key, snapshotKeyPrefix)
	binary.BigEndian.PutUint64(key[len(snapshotKeyPrefix):], cgroupID)
	return key
}

// Put replaces the stored snapshot for stats.CgroupID and notifies every
// subscriber watching that cgroup (or watching all cgroups).
func (s *Store) Put(stats performance.CgroupTelemetryStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	s.opGauge.Add(1)
	defer s.opGauge.Add(-1)

	val, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encoding snapshot for cgroup %d: %w", stats.CgroupID, err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(stats.CgroupID), val)
	}); err != nil {
		return fmt.Errorf("writing snapshot for cgroup %d: %w", stats.CgroupID, err)
	}

	s.eventRouter <- stats
	return nil
}

// Get returns the last stored snapshot for cgroupID. ok is false if no
// drain has ever reported that cgroup.
func (s *Store) Get(cgroupID uint64) (stats performance.CgroupTelemetryStats, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return stats, false, fmt.Errorf("store is closed")
	}

	s.opGauge.Add(1)
	defer s.opGauge.Add(-1)

	var val []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(cgroupID))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return stats, false, nil
	}
	if err != nil {
		return stats, false, fmt.Errorf("reading snapshot for cgroup %d: %w", cgroupID, err)
	}
	if err := json.Unmarshal(val, &stats); err != nil {
		return stats, false, fmt.Errorf("decoding snapshot for cgroup %d: %w", cgroupID, err)
	}
	return stats, true, nil
}

// All returns every stored snapshot, in ascending cgroup ID order.
func (s *Store) All() ([]performance.CgroupTelemetryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	s.opGauge.Add(1)
	defer s.opGauge.Add(-1)

	var out []performance.CgroupTelemetryStats
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(snapshotKeyPrefix); it.ValidForPrefix(snapshotKeyPrefix); it.Next() {
			item := it.Item()
			var stats performance.CgroupTelemetryStats
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(bytes.Clone(val), &stats)
			}); err != nil {
				return err
			}
			out = append(out, stats)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	return out, nil
}

// Delete removes any stored snapshot for cgroupID, typically called once a
// cgroup has been torn down on the host and its id will never reappear.
func (s *Store) Delete(cgroupID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	s.opGauge.Add(1)
	defer s.opGauge.Add(-1)

	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(snapshotKey(cgroupID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// subscriberBuffer is how many events a subscriber channel holds before the
// event router, and with it Put, waits for the subscriber to read.
const subscriberBuffer = 16

// Subscribe returns a channel that receives every Put for cgroupID, or for
// every cgroup if cgroupID is 0. The channel is closed when Close is
// called.
func (s *Store) Subscribe(cgroupID uint64) <-chan performance.CgroupTelemetryStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan performance.CgroupTelemetryStats, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch
	}
	s.subscribers = append(s.subscribers, &subscriber{cgroupID: cgroupID, ch: ch})
	return ch
}

func (s *Store) startEventRouter() {
	s.wg.Add(1)
	defer s.wg.Done()

	for {
		select {
		case e := <-s.eventRouter:
			for _, sub := range s.subscribers {
				if sub.cgroupID != 0 && sub.cgroupID != e.CgroupID {
					continue
				}
				sub.ch <- e
			}
		case <-s.stopEventRouter:
			for s.opGauge.Load() != 0 {
			}
			close(s.eventRouter)
			for _, sub := range s.subscribers {
				close(sub.ch)
			}
			return
		}
	}
}

// Close closes the store. It is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	close(s.stopEventRouter)
	s.wg.Wait()
	err := s.db.Close()
	s.closed = true
	return err
}

// Start implements the controller-runtime Runnable pattern: it blocks until
// ctx is done, then closes the store.
func (s *Store) Start(ctx context.Context) error {
	<-ctx.Done()
	return s.Close()
}
