// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcgroup/telemetry-agent/pkg/ebpf/store"
	"github.com/kcgroup/telemetry-agent/pkg/performance"
)

func TestPutGet(t *testing.T) {
	s, err := store.New()
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(performance.CgroupTelemetryStats{CgroupID: 7, CtxSwitches: 3}))

	got, ok, err := s.Get(7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), got.CtxSwitches)
}

func TestGetMissing(t *testing.T) {
	s, err := store.New()
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.Get(999)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutOverwrites(t *testing.T) {
	s, err := store.New()
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(performance.CgroupTelemetryStats{CgroupID: 1, OOMKills: 1}))
	require.NoError(t, s.Put(performance.CgroupTelemetryStats{CgroupID: 1, OOMKills: 2}))

	got, ok, err := s.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.OOMKills)
}

func TestAllListsEverySnapshot(t *testing.T) {
	s, err := store.New()
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(performance.CgroupTelemetryStats{CgroupID: 1}))
	require.NoError(t, s.Put(performance.CgroupTelemetryStats{CgroupID: 2}))

	all, err := s.All()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDelete(t *testing.T) {
	s, err := store.New()
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(performance.CgroupTelemetryStats{CgroupID: 1}))
	require.NoError(t, s.Delete(1))

	_, ok, err := s.Get(1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubscribeReceivesPutForMatchingCgroup(t *testing.T) {
	s, err := store.New()
	require.NoError(t, err)
	defer s.Close()

	ch := s.Subscribe(7)
	require.NoError(t, s.Put(performance.CgroupTelemetryStats{CgroupID: 5}))
	require.NoError(t, s.Put(performance.CgroupTelemetryStats{CgroupID: 7, CtxSwitches: 9}))

	select {
	case e := <-ch:
		assert.Equal(t, uint64(7), e.CgroupID)
		assert.Equal(t, uint64(9), e.CtxSwitches)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber event")
	}
}

func TestSubscribeAllReceivesEveryCgroup(t *testing.T) {
	s, err := store.New()
	require.NoError(t, err)
	defer s.Close()

	ch := s.Subscribe(0)
	require.NoError(t, s.Put(performance.CgroupTelemetryStats{CgroupID: 1}))
	require.NoError(t, s.Put(performance.CgroupTelemetryStats{CgroupID: 2}))

	seen := map[uint64]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-ch:
			seen[e.CgroupID] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for subscriber event")
		}
	}
	assert.True(t, seen[1])
	assert.True(t, seen[2])
}

func TestCloseIsIdempotentAndClosesSubscribers(t *testing.T) {
	s, err := store.New()
	require.NoError(t, err)

	ch := s.Subscribe(0)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, open := <-ch
	assert.False(t, open)
}

func TestOperationsFailAfterClose(t *testing.T) {
	s, err := store.New()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.Put(performance.CgroupTelemetryStats{CgroupID: 1})
	assert.Error(t, err)

	_, _, err = s.Get(1)
	assert.Error(t, err)
}

func TestStartClosesOnContextDone(t *testing.T) {
	s, err := store.New()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}
