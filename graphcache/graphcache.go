// Package graphcache implements the process-wide registry of compiled backend
// graphs shared by delegation operator instances.
//
// Compiling a subgraph on a real accelerator is expensive and often serializes
// hardware resources, while the same compiled artifact may back many operator
// instances (the same subgraph at several net positions, or re-instantiated
// executor copies). The registry keys entries by artifact, counts references
// and tears an entry down only when the last operator holding it goes away.
//
// A Map is an explicitly constructed, injected object: create one per process
// (or per test fixture) with New. It is not a singleton.
package graphcache

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gonnx/onnxifi/backends"
	"github.com/gonnx/onnxifi/types/xsync"
)

// Entry bundles the shared native handles of one compiled artifact. All
// fields are set by the creator before the entry becomes visible and are
// read-only afterwards; the only mutation is full teardown when the last
// reference is released.
type Entry struct {
	Library   backends.Library
	BackendID backends.BackendID
	Backend   backends.Backend
	Graph     backends.Graph
}

// CreatorFunc builds a new Entry. The Map invokes it at most once per key,
// never holding its own lock, so creators may block on backend work.
type CreatorFunc func() (*Entry, error)

type creation struct {
	entry *Entry
	err   error
}

// slot tracks one key: its reference count and the latch concurrent callers
// block on while the first caller runs the creator.
type slot struct {
	refs  int
	ready *xsync.LatchWithValue[creation]
}

// Map is the keyed, reference-counted registry.
type Map struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// New returns an empty registry.
func New() *Map {
	return &Map{slots: make(map[string]*slot)}
}

// GetOrCreate returns the entry registered under key, incrementing its
// reference count. If the key is absent, create is invoked -- exactly once
// even under concurrent calls for the same key: later callers block until the
// first creation finishes and receive the same entry.
//
// On creation failure no entry is left behind and every blocked caller
// receives the error; a later GetOrCreate for the same key starts fresh.
//
// Every successful call must be matched by one Release of the same key.
func (m *Map) GetOrCreate(key string, create CreatorFunc) (*Entry, error) {
	m.mu.Lock()
	if s, found := m.slots[key]; found {
		s.refs++
		m.mu.Unlock()
		result := s.ready.Wait()
		if result.err != nil {
			return nil, result.err
		}
		return result.entry, nil
	}
	s := &slot{refs: 1, ready: xsync.NewLatchWithValue[creation]()}
	m.slots[key] = s
	m.mu.Unlock()

	entry, err := create()
	if err != nil {
		err = errors.WithMessagef(err, "creating backend graph for key %q", key)
		m.mu.Lock()
		delete(m.slots, key)
		m.mu.Unlock()
		s.ready.Trigger(creation{err: err})
		return nil, err
	}
	s.ready.Trigger(creation{entry: entry})
	return entry, nil
}

// Release drops one reference to key's entry. When the count reaches zero the
// entry is removed from the registry and its handles are released through the
// owning library: graph first, then backend, then the retained backend ID.
// Release failures are logged, not propagated -- there is nothing a caller
// could do about a native handle that refuses to die.
func (m *Map) Release(key string) {
	m.mu.Lock()
	s, found := m.slots[key]
	if !found {
		m.mu.Unlock()
		klog.Warningf("graphcache: Release of unknown key %q", key)
		return
	}
	s.refs--
	if s.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.slots, key)
	m.mu.Unlock()

	// refs only become positive after a successful creation, so the latch is
	// already triggered with an entry here.
	entry := s.ready.Wait().entry
	if entry == nil {
		return
	}
	lib := entry.Library
	if st := lib.ReleaseGraph(entry.Graph); st != backends.StatusSuccess {
		klog.Warningf("graphcache: releasing graph for key %q: %s", key, st)
	}
	if st := lib.ReleaseBackend(entry.Backend); st != backends.StatusSuccess {
		klog.Warningf("graphcache: releasing backend for key %q: %s", key, st)
	}
	if st := lib.ReleaseBackendID(entry.BackendID); st != backends.StatusSuccess {
		klog.Warningf("graphcache: releasing backend ID for key %q: %s", key, st)
	}
}

// Len returns the number of live entries, including ones still being created.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// Contains reports whether key has a live entry.
func (m *Map) Contains(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, found := m.slots[key]
	return found
}
