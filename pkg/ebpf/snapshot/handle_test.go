// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcgroup/telemetry-agent/pkg/ebpf/maps"
	pkgerrors "github.com/kcgroup/telemetry-agent/pkg/errors"
)

func writeCPUList(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "possible")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestParsePossibleCPUsRange(t *testing.T) {
	n, err := parsePossibleCPUs(writeCPUList(t, "0-7\n"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}

func TestParsePossibleCPUsMixed(t *testing.T) {
	n, err := parsePossibleCPUs(writeCPUList(t, "0,2-3\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestParsePossibleCPUsSingle(t *testing.T) {
	n, err := parsePossibleCPUs(writeCPUList(t, "0\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestParsePossibleCPUsMalformed(t *testing.T) {
	_, err := parsePossibleCPUs(writeCPUList(t, "not-a-number\n"))
	assert.Error(t, err)
}

func TestParsePossibleCPUsMissingFile(t *testing.T) {
	_, err := parsePossibleCPUs(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "opened", StateOpened.String())
	assert.Equal(t, "loaded", StateLoaded.String())
	assert.Equal(t, "attached", StateAttached.String())
	assert.Equal(t, "destroyed", StateDestroyed.String())
}

func TestLoadRejectsWrongState(t *testing.T) {
	h := &Handle{state: StateLoaded}
	err := h.Load()
	require.Error(t, err)
	var loadErr *LoadError
	require.True(t, errors.As(err, &loadErr))
}

func TestAttachAllRejectsWrongState(t *testing.T) {
	h := &Handle{state: StateOpened}
	err := h.AttachAll(context.Background())
	require.Error(t, err)
	var loadErr *LoadError
	require.True(t, errors.As(err, &loadErr))
}

func TestMapOpsRejectUnloadedState(t *testing.T) {
	h := &Handle{state: StateOpened}

	_, err := h.GetMapFD("wakeup_ts")
	require.Error(t, err)
	var mapErr *MapError
	require.True(t, errors.As(err, &mapErr))

	_, err = h.Lookup("wakeup_ts", nil, nil)
	require.Error(t, err)
	require.True(t, errors.As(err, &mapErr))

	err = h.Delete("wakeup_ts", nil)
	require.Error(t, err)
	require.True(t, errors.As(err, &mapErr))
}

func TestDestroyIsIdempotent(t *testing.T) {
	h := &Handle{state: StateOpened}
	require.NoError(t, h.Destroy())
	assert.Equal(t, StateDestroyed, h.State())
	require.NoError(t, h.Destroy())
	assert.Equal(t, StateDestroyed, h.State())
}

func TestMaxProgramsCapHolds(t *testing.T) {
	// Guards against the probe build silently growing past the cap
	// AttachAll enforces.
	assert.LessOrEqual(t, len(maps.Programs), maxPrograms)
}

func TestLoadErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &LoadError{Op: "load", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "load")
}

func TestMapErrorPlainIsNotRetryable(t *testing.T) {
	inner := errors.New("boom")
	err := &MapError{Op: "lookup", Map: "wakeup_ts", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "wakeup_ts")
	assert.False(t, pkgerrors.Retryable(err))
}

func TestClassifyMapErrorTransientErrnoIsRetryable(t *testing.T) {
	err := classifyMapError("batch_lookup_and_delete", "wakeup_ts", syscall.EAGAIN)
	assert.True(t, pkgerrors.Retryable(err))

	var mapErr *MapError
	require.True(t, errors.As(err, &mapErr))
	assert.Equal(t, "wakeup_ts", mapErr.Map)
	assert.ErrorIs(t, err, syscall.EAGAIN)
}

func TestClassifyMapErrorOtherCauseIsNotRetryable(t *testing.T) {
	err := classifyMapError("batch_lookup_and_delete", "wakeup_ts", errors.New("bad value size"))
	assert.False(t, pkgerrors.Retryable(err))
}
