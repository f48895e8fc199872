// Package backendstest provides an in-memory backends.Library for tests.
//
// The fake compiles nothing: tests script the dims and bytes each graph
// execution reports per output position, and the library keeps counters and a
// release log so tests can assert enumeration, compilation, sharing and
// teardown behavior.
package backendstest

import (
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/gonnx/onnxifi/backends"
	"github.com/gonnx/onnxifi/types/xsync"
)

// ScriptedOutput is what the fake reports for one output position on every
// execution: the realized dims and the raw bytes written into the output
// buffer (allocated by the fake when the host bound none).
type ScriptedOutput struct {
	Dims []int
	Data []byte
}

// Options configure a fake library. The zero value gives one backend, the
// synchronous path only, and executions that succeed without touching any
// output.
type Options struct {
	// NumBackends is how many backend IDs an enumeration returns. Values < 0
	// mean zero backends; 0 means the default of one.
	NumBackends int

	// WithFence also exposes the asynchronous run extension.
	WithFence bool

	// Outputs scripts what executions report, by output position.
	Outputs []ScriptedOutput

	// InitBackendStatus, InitGraphStatus and RunStatus inject failures; the
	// zero value is backends.StatusSuccess.
	InitBackendStatus backends.Status
	InitGraphStatus   backends.Status
	RunStatus         backends.Status
}

type backendID struct {
	id       uuid.UUID
	released bool
}

type backend struct {
	id         *backendID
	properties backends.PropertyList
	released   bool
}

type graph struct {
	backend     *backend
	model       []byte
	weightNames []string
	released    bool
}

// Library is an in-memory backends.Library. Safe for concurrent use.
type Library struct {
	mu   sync.Mutex
	opts Options

	enumerations   int
	initGraphCalls int
	runCalls       int

	liveIDs      map[*backendID]struct{}
	liveBackends map[*backend]struct{}
	liveGraphs   map[*graph]struct{}

	lastProperties  backends.PropertyList
	lastWeightNames []string

	// releaseLog records "graph", "backend" and "id" release events in order.
	releaseLog []string
}

var _ backends.Library = (*Library)(nil)

// New returns a fake library with the given options.
func New(opts Options) *Library {
	if opts.NumBackends == 0 {
		opts.NumBackends = 1
	} else if opts.NumBackends < 0 {
		opts.NumBackends = 0
	}
	return &Library{
		opts:         opts,
		liveIDs:      make(map[*backendID]struct{}),
		liveBackends: make(map[*backend]struct{}),
		liveGraphs:   make(map[*graph]struct{}),
	}
}

// Name implements backends.Library.
func (l *Library) Name() string { return "fake" }

// GetBackendIDs mints NumBackends fresh IDs per enumeration.
func (l *Library) GetBackendIDs() ([]backends.BackendID, backends.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enumerations++
	ids := make([]backends.BackendID, l.opts.NumBackends)
	for i := range ids {
		id := &backendID{id: uuid.New()}
		l.liveIDs[id] = struct{}{}
		ids[i] = id
	}
	return ids, backends.StatusSuccess
}

// ReleaseBackendID implements backends.Library.
func (l *Library) ReleaseBackendID(id backends.BackendID) backends.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	bid, ok := id.(*backendID)
	if !ok || bid.released {
		return backends.StatusInvalidID
	}
	bid.released = true
	delete(l.liveIDs, bid)
	l.releaseLog = append(l.releaseLog, "id")
	return backends.StatusSuccess
}

// InitBackend implements backends.Library.
func (l *Library) InitBackend(id backends.BackendID, properties backends.PropertyList) (backends.Backend, backends.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bid, ok := id.(*backendID)
	if !ok || bid.released {
		return nil, backends.StatusInvalidID
	}
	if l.opts.InitBackendStatus != backends.StatusSuccess {
		return nil, l.opts.InitBackendStatus
	}
	b := &backend{id: bid, properties: slices.Clone(properties)}
	l.liveBackends[b] = struct{}{}
	l.lastProperties = b.properties
	return b, backends.StatusSuccess
}

// ReleaseBackend implements backends.Library.
func (l *Library) ReleaseBackend(handle backends.Backend) backends.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := handle.(*backend)
	if !ok || b.released {
		return backends.StatusInvalidBackend
	}
	b.released = true
	delete(l.liveBackends, b)
	l.releaseLog = append(l.releaseLog, "backend")
	return backends.StatusSuccess
}

// InitGraph implements backends.Library.
func (l *Library) InitGraph(handle backends.Backend, model []byte, weights []backends.TensorDescriptor) (backends.Graph, backends.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := handle.(*backend)
	if !ok || b.released {
		return nil, backends.StatusInvalidBackend
	}
	if len(model) == 0 {
		return nil, backends.StatusInvalidModel
	}
	if l.opts.InitGraphStatus != backends.StatusSuccess {
		return nil, l.opts.InitGraphStatus
	}
	l.initGraphCalls++
	g := &graph{backend: b, model: slices.Clone(model)}
	for _, w := range weights {
		g.weightNames = append(g.weightNames, w.Name)
	}
	l.lastWeightNames = slices.Clone(g.weightNames)
	l.liveGraphs[g] = struct{}{}
	return g, backends.StatusSuccess
}

// ReleaseGraph implements backends.Library.
func (l *Library) ReleaseGraph(handle backends.Graph) backends.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := handle.(*graph)
	if !ok || g.released {
		return backends.StatusInvalidGraph
	}
	g.released = true
	delete(l.liveGraphs, g)
	l.releaseLog = append(l.releaseLog, "graph")
	return backends.StatusSuccess
}

// RunGraph implements the synchronous execution path.
func (l *Library) RunGraph(handle backends.Graph, inputs []backends.TensorDescriptor, outputs []*backends.TensorDescriptor) backends.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runLocked(handle, inputs, outputs)
}

func (l *Library) runLocked(handle backends.Graph, inputs []backends.TensorDescriptor, outputs []*backends.TensorDescriptor) backends.Status {
	g, ok := handle.(*graph)
	if !ok || g.released {
		return backends.StatusInvalidGraph
	}
	for _, in := range inputs {
		if in.Buffer == nil {
			return backends.StatusInternal
		}
	}
	if l.opts.RunStatus != backends.StatusSuccess {
		return l.opts.RunStatus
	}
	l.runCalls++
	for i, out := range outputs {
		if i >= len(l.opts.Outputs) {
			continue
		}
		scripted := l.opts.Outputs[i]
		// Rank-preserving rewrites land in the bound Dims, as a real library
		// reusing the caller's descriptor would do.
		if len(out.Dims) == len(scripted.Dims) {
			copy(out.Dims, scripted.Dims)
		} else {
			out.Dims = slices.Clone(scripted.Dims)
		}
		if out.Buffer == nil {
			out.Buffer = slices.Clone(scripted.Data)
		} else {
			copy(out.Buffer, scripted.Data)
		}
	}
	return backends.StatusSuccess
}

// ExtensionFunction resolves the fence extension when enabled with
// Options.WithFence; everything else reports StatusFallback.
func (l *Library) ExtensionFunction(name string) (any, backends.Status) {
	if name == backends.ExtensionRunGraphWithFence && l.opts.WithFence {
		return backends.RunGraphWithFenceFunc(l.runGraphWithFence), backends.StatusSuccess
	}
	return nil, backends.StatusFallback
}

type fence struct {
	done *xsync.LatchWithValue[backends.Status]
}

// Wait implements backends.Fence.
func (f *fence) Wait() backends.Status { return f.done.Wait() }

func (l *Library) runGraphWithFence(handle backends.Graph, inputs []backends.TensorDescriptor, outputs []*backends.TensorDescriptor) (backends.Fence, backends.Status) {
	f := &fence{done: xsync.NewLatchWithValue[backends.Status]()}
	go func() {
		l.mu.Lock()
		st := l.runLocked(handle, inputs, outputs)
		l.mu.Unlock()
		f.done.Trigger(st)
	}()
	return f, backends.StatusSuccess
}

// SetRunStatus changes the status injected into subsequent executions.
func (l *Library) SetRunStatus(st backends.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opts.RunStatus = st
}

// Enumerations is how many times GetBackendIDs was called.
func (l *Library) Enumerations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enumerations
}

// InitGraphCalls is how many graphs were successfully compiled.
func (l *Library) InitGraphCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initGraphCalls
}

// RunCalls is how many executions succeeded (either path).
func (l *Library) RunCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runCalls
}

// LiveBackendIDs is the number of enumerated-but-unreleased backend IDs.
func (l *Library) LiveBackendIDs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.liveIDs)
}

// LiveBackends is the number of initialized-but-unreleased backends.
func (l *Library) LiveBackends() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.liveBackends)
}

// LiveGraphs is the number of compiled-but-unreleased graphs.
func (l *Library) LiveGraphs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.liveGraphs)
}

// LastProperties is the property list passed to the most recent InitBackend.
func (l *Library) LastProperties() backends.PropertyList {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastProperties
}

// LastWeightNames are the weight descriptor names passed to the most recent
// InitGraph.
func (l *Library) LastWeightNames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastWeightNames
}

// ReleaseLog returns the ordered release events seen so far: "graph",
// "backend" and "id" entries.
func (l *Library) ReleaseLog() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.releaseLog)
}
