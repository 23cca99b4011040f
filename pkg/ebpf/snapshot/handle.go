// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package snapshot implements the userspace side of the snapshot protocol:
// load the compiled probe object, attach every program, and drain its
// kernel-resident maps on an interval. A Handle moves through a strict
// Opened -> Loaded -> Attached -> Destroyed state machine; every method
// documents the states it accepts.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/kcgroup/telemetry-agent/pkg/ebpf/core"
	"github.com/kcgroup/telemetry-agent/pkg/ebpf/maps"
	pkgerrors "github.com/kcgroup/telemetry-agent/pkg/errors"
)

// State is a position in the Handle lifecycle.
type State int

const (
	StateOpened State = iota
	StateLoaded
	StateAttached
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateLoaded:
		return "loaded"
	case StateAttached:
		return "attached"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// maxPrograms bounds AttachAll: if the compiled object ever grows past this
// many attachment points, something has gone wrong with the build and
// AttachAll should fail loudly rather than silently attach a subset.
const maxPrograms = 32

// Handle owns one loaded copy of the compiled probe object: its programs,
// its links, and its maps. It is not safe for concurrent use across
// goroutines except where documented (BatchLookupAndDelete is normally
// called from a single drain loop).
type Handle struct {
	mu     sync.Mutex
	logger logr.Logger
	path   string
	core   *core.Manager

	coll  *ebpf.Collection
	links []link.Link

	state State
}

// Open validates that path exists and is readable as a compiled object, but
// does not load it into the kernel. objPath is the cgrouptelemetry.bpf.o
// produced by bpf2go.
func Open(logger logr.Logger, coreManager *core.Manager, objPath string) (*Handle, error) {
	if _, err := ebpf.LoadCollectionSpec(objPath); err != nil {
		return nil, &LoadError{Op: "open", Err: err}
	}
	return &Handle{
		logger: logger.WithName("ebpf-snapshot"),
		path:   objPath,
		core:   coreManager,
		state:  StateOpened,
	}, nil
}

// Load creates the collection (programs and maps) in the kernel and
// validates the loaded maps match the expected catalog. Requires
// StateOpened; transitions to StateLoaded.
func (h *Handle) Load() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateOpened {
		return &LoadError{Op: "load", Err: fmt.Errorf("handle is %s, want %s", h.state, StateOpened)}
	}

	coll, err := h.core.LoadCollection(h.path)
	if err != nil {
		return &LoadError{Op: "load", Err: err}
	}

	if err := validateCatalog(coll); err != nil {
		coll.Close()
		return &LoadError{Op: "load", Err: err}
	}

	h.coll = coll
	h.state = StateLoaded
	return nil
}

func validateCatalog(coll *ebpf.Collection) error {
	for _, entry := range maps.Catalog {
		m, ok := coll.Maps[entry.Name]
		if !ok {
			return fmt.Errorf("map %q missing from loaded collection", entry.Name)
		}
		if m.Type() != entry.Type {
			return fmt.Errorf("map %q has type %s, want %s", entry.Name, m.Type(), entry.Type)
		}
		if m.KeySize() != entry.KeySize || m.ValueSize() != entry.ValueSize {
			return fmt.Errorf("map %q has key/value size %d/%d, want %d/%d",
				entry.Name, m.KeySize(), m.ValueSize(), entry.KeySize, entry.ValueSize)
		}
	}
	return nil
}

// AttachAll attaches every program named in maps.Programs, concurrently.
// Requires StateLoaded; transitions to StateAttached. If any attach fails,
// every link already attached in this call is closed and the Handle is left
// in StateLoaded: the caller can call AttachAll again, or Destroy the Handle
// and Open a new one (possibly for a different object).
func (h *Handle) AttachAll(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateLoaded {
		return &LoadError{Op: "attach_all", Err: fmt.Errorf("handle is %s, want %s", h.state, StateLoaded)}
	}
	if len(maps.Programs) > maxPrograms {
		return &LoadError{Op: "attach_all", Err: fmt.Errorf("%d programs exceeds cap of %d", len(maps.Programs), maxPrograms)}
	}

	links := make([]link.Link, len(maps.Programs))
	g, _ := errgroup.WithContext(ctx)
	for i, spec := range maps.Programs {
		i, spec := i, spec
		g.Go(func() error {
			l, err := h.attachOne(spec)
			if err != nil {
				return fmt.Errorf("attaching %s: %w", spec.Name, err)
			}
			links[i] = l
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, l := range links {
			if l != nil {
				l.Close()
			}
		}
		return &LoadError{Op: "attach_all", Err: err}
	}

	h.links = links
	h.state = StateAttached
	h.logger.Info("attached all programs", "count", len(links))
	return nil
}

func (h *Handle) attachOne(spec maps.ProgramSpec) (link.Link, error) {
	prog, ok := h.coll.Programs[spec.Name]
	if !ok {
		return nil, fmt.Errorf("program %q not present in collection", spec.Name)
	}
	switch spec.Kind {
	case maps.AttachTracepoint:
		return link.Tracepoint(spec.Group, spec.Event, prog, nil)
	case maps.AttachKprobe:
		return link.Kprobe(spec.Symbol, prog, nil)
	case maps.AttachRawTracepoint:
		return link.AttachRawTracepoint(link.RawTracepointOptions{
			Name:    spec.Event,
			Program: prog,
		})
	default:
		return nil, fmt.Errorf("unknown attach kind %d for program %q", spec.Kind, spec.Name)
	}
}

func (h *Handle) mapByName(name string) (*ebpf.Map, error) {
	if h.state != StateLoaded && h.state != StateAttached {
		return nil, &MapError{Op: "lookup_map", Map: name, Err: fmt.Errorf("handle is %s", h.state)}
	}
	m, ok := h.coll.Maps[name]
	if !ok {
		return nil, &MapError{Op: "lookup_map", Map: name, Err: errors.New("map not found in collection")}
	}
	return m, nil
}

// GetMapFD returns the kernel file descriptor for the named map. Requires
// StateLoaded or StateAttached.
func (h *Handle) GetMapFD(name string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, err := h.mapByName(name)
	if err != nil {
		return 0, err
	}
	return m.FD(), nil
}

// Lookup reads the value for key into valueOut. ok is false (with a nil
// error) when the key is absent -- a lookup miss is not an error.
func (h *Handle) Lookup(name string, key, valueOut []byte) (ok bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, err := h.mapByName(name)
	if err != nil {
		return false, err
	}
	if err := m.Lookup(key, valueOut); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return false, nil
		}
		return false, &MapError{Op: "lookup", Map: name, Err: err}
	}
	return true, nil
}

// Update writes value for key into the named map, creating the entry if it
// does not already exist. This backs allowlist population (spec.md §4.6:
// "the tracked-syscall allowlist is populated by userspace before the
// probes are attached") -- the one host-initiated write in an otherwise
// read/delete-only snapshot protocol.
func (h *Handle) Update(name string, key, value []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, err := h.mapByName(name)
	if err != nil {
		return err
	}
	if err := m.Update(key, value, ebpf.UpdateAny); err != nil {
		return &MapError{Op: "update", Map: name, Err: err}
	}
	return nil
}

// LookupPerCPU reads the raw per-CPU value for key in the named map: one
// flattened byte slice holding NumPossibleCPUs() back-to-back copies of the
// value, one per CPU. It is used to read mapstats.h's
// BPF_MAP_TYPE_PERCPU_ARRAY sidecar counters (see maps.SumPerCPUStats),
// which pkg/ebpf/maps has no per-cgroup decoder for since they aren't keyed
// by cgroup. A nil, nil return means the key has no entry on any CPU yet.
func (h *Handle) LookupPerCPU(name string, key []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, err := h.mapByName(name)
	if err != nil {
		return nil, err
	}
	raw, lookupErr := m.LookupBytes(key)
	if lookupErr != nil {
		return nil, &MapError{Op: "lookup_percpu", Map: name, Err: lookupErr}
	}
	return raw, nil
}

// GetNextKey returns the key following key in iteration order. A nil key
// starts iteration from the beginning. ok is false once iteration is
// exhausted.
func (h *Handle) GetNextKey(name string, key []byte, keySize int) (next []byte, ok bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, err := h.mapByName(name)
	if err != nil {
		return nil, false, err
	}

	next = make([]byte, keySize)
	var lookupErr error
	if key == nil {
		lookupErr = m.NextKey(nil, next)
	} else {
		lookupErr = m.NextKey(key, next)
	}
	if lookupErr != nil {
		if errors.Is(lookupErr, ebpf.ErrKeyNotExist) {
			return nil, false, nil
		}
		return nil, false, &MapError{Op: "get_next_key", Map: name, Err: lookupErr}
	}
	return next, true, nil
}

// Delete removes key from the named map. Deleting an absent key is not an
// error, matching the kernel side's own idempotent deletes on correlation
// maps.
func (h *Handle) Delete(name string, key []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, err := h.mapByName(name)
	if err != nil {
		return err
	}
	if err := m.Delete(key); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return nil
		}
		return &MapError{Op: "delete", Map: name, Err: err}
	}
	return nil
}

// drainRetryPolicy bounds BatchLookupAndDelete's retries on transient
// MapErrors: three attempts, short exponential backoff, so one missed
// kernel batch syscall doesn't stall the whole drain loop.
func drainRetryPolicy() backoff.BackOff {
	return backoff.NewExponentialBackOff()
}

// BatchLookupAndDelete drains up to maxBatch entries from the named map in
// one kernel batch syscall, retrying transient MapErrors. It returns the
// keys and values actually drained; count may be less than maxBatch even
// with no error (the map held fewer entries than that).
func (h *Handle) BatchLookupAndDelete(ctx context.Context, name string, maxBatch, keySize, valueSize int) (keys, values [][]byte, err error) {
	h.mu.Lock()
	m, mapErr := h.mapByName(name)
	h.mu.Unlock()
	if mapErr != nil {
		return nil, nil, mapErr
	}

	keysBuf := make([]byte, maxBatch*keySize)
	valuesBuf := make([]byte, maxBatch*valueSize)

	type batchResult struct {
		n int
	}

	op := func() (batchResult, error) {
		n, batchErr := m.BatchLookupAndDelete(nil, keysBuf, valuesBuf, nil)
		if batchErr != nil && !errors.Is(batchErr, ebpf.ErrKeyNotExist) {
			mapErr := classifyMapError("batch_lookup_and_delete", name, batchErr)
			if !pkgerrors.Retryable(mapErr) {
				// Permanent failure (bad map type, wrong value size, ...):
				// stop backoff.Retry from burning its remaining attempts.
				return batchResult{}, backoff.Permanent(mapErr)
			}
			return batchResult{}, mapErr
		}
		return batchResult{n: n}, nil
	}

	res, err := backoff.Retry(ctx, op, backoff.WithBackOff(drainRetryPolicy()), backoff.WithMaxTries(3))
	if err != nil {
		return nil, nil, err
	}

	keys = make([][]byte, res.n)
	values = make([][]byte, res.n)
	for i := 0; i < res.n; i++ {
		keys[i] = keysBuf[i*keySize : (i+1)*keySize]
		values[i] = valuesBuf[i*valueSize : (i+1)*valueSize]
	}
	return keys, values, nil
}

// NumPossibleCPUs returns the number of CPU slots a per-CPU map value
// occupies on this host, parsed from /sys/devices/system/cpu/possible. This
// is the same source the kernel itself derives num_possible_cpus() from, so
// it stays correct across hot-plug and offline CPUs without depending on
// any specific helper from the loaded eBPF library.
func (h *Handle) NumPossibleCPUs() (int, error) {
	return parsePossibleCPUs("/sys/devices/system/cpu/possible")
}

func parsePossibleCPUs(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}

	total := 0
	for _, field := range strings.Split(strings.TrimSpace(string(data)), ",") {
		if field == "" {
			continue
		}
		bounds := strings.SplitN(field, "-", 2)
		lo, err := strconv.Atoi(bounds[0])
		if err != nil {
			return 0, fmt.Errorf("parsing %s: %w", path, err)
		}
		hi := lo
		if len(bounds) == 2 {
			hi, err = strconv.Atoi(bounds[1])
			if err != nil {
				return 0, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
		total += hi - lo + 1
	}
	if total == 0 {
		return 0, fmt.Errorf("%s described no CPUs", path)
	}
	return total, nil
}

// Destroy closes every attached link, then the collection itself. It is
// valid from any state and is idempotent; a Handle must not be used again
// after Destroy.
func (h *Handle) Destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateDestroyed {
		return nil
	}

	for i := len(h.links) - 1; i >= 0; i-- {
		if h.links[i] != nil {
			h.links[i].Close()
		}
	}
	h.links = nil

	if h.coll != nil {
		h.coll.Close()
		h.coll = nil
	}

	h.state = StateDestroyed
	return nil
}

// State returns the Handle's current lifecycle position.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}
