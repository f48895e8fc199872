// Package backends defines the interface to an ONNXIFI-style inference
// backend library: a dynamically loaded accelerator runtime exposing a
// C-style surface to enumerate backends, compile serialized subgraphs into
// executable graphs and run them against bound tensor descriptors.
//
// The library loader itself stays external: implementations register a
// constructor with Register during their package initialization, and hosts
// pick one with New or NewWithConfig.
//
// Every Library call reports a Status rather than an error; translating
// non-success statuses into the host's failure model is the caller's job.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
)

// Opaque native handles. Their interpretation belongs exclusively to the
// Library that produced them; hosts only store and pass them back.
type (
	// BackendID identifies one discoverable accelerator backend instance.
	// Obtained from Library.GetBackendIDs and owned by the caller until
	// released with Library.ReleaseBackendID.
	BackendID any

	// Backend is an initialized backend, created from a BackendID and a
	// PropertyList with Library.InitBackend.
	Backend any

	// Graph is a compiled, executable subgraph bound to one Backend. It must
	// be released before the Backend it was compiled on.
	Graph any
)

// Status is the result vocabulary of every Library call.
type Status uint32

const (
	// StatusSuccess reports a completed call. It is the zero value.
	StatusSuccess Status = iota
	// StatusFallback reports an unavailable optional capability.
	StatusFallback
	// StatusInvalidID reports a released or foreign BackendID.
	StatusInvalidID
	// StatusInvalidBackend reports a released or foreign Backend.
	StatusInvalidBackend
	// StatusInvalidGraph reports a released or foreign Graph.
	StatusInvalidGraph
	// StatusInvalidModel reports unparseable or empty subgraph bytes.
	StatusInvalidModel
	// StatusUnsupportedProperty reports an initialization property the
	// backend does not understand.
	StatusUnsupportedProperty
	// StatusInternal reports any other backend-side failure.
	StatusInternal
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFallback:
		return "FALLBACK"
	case StatusInvalidID:
		return "INVALID_ID"
	case StatusInvalidBackend:
		return "INVALID_BACKEND"
	case StatusInvalidGraph:
		return "INVALID_GRAPH"
	case StatusInvalidModel:
		return "INVALID_MODEL"
	case StatusUnsupportedProperty:
		return "UNSUPPORTED_PROPERTY"
	case StatusInternal:
		return "INTERNAL"
	}
	return "UNKNOWN_STATUS"
}

// Library is the surface one accelerator library must implement.
//
// Unless stated otherwise a call is only successful when it returns
// StatusSuccess, and any returned handle is only valid in that case.
type Library interface {
	// Name returns the short name of the library, e.g. "fake".
	Name() string

	// GetBackendIDs enumerates the accelerator backends the library can see
	// on this host. Each returned BackendID is owned by the caller and must
	// eventually be given back, either to ReleaseBackendID or by being kept
	// inside an initialized Backend until teardown.
	GetBackendIDs() ([]BackendID, Status)

	// ReleaseBackendID releases one enumerated BackendID.
	ReleaseBackendID(id BackendID) Status

	// InitBackend initializes a backend from an enumerated BackendID and a
	// PropertyNone-terminated property list.
	InitBackend(id BackendID, properties PropertyList) (Backend, Status)

	// ReleaseBackend releases an initialized Backend. All graphs compiled on
	// it must have been released first.
	ReleaseBackend(backend Backend) Status

	// InitGraph compiles the serialized subgraph bytes into an executable
	// Graph on the given backend. The weights descriptors carry the graph's
	// initializer tensors (name, type, dims and live buffer).
	InitGraph(backend Backend, model []byte, weights []TensorDescriptor) (Graph, Status)

	// ReleaseGraph releases a compiled Graph.
	ReleaseGraph(graph Graph) Status

	// RunGraph executes the graph synchronously against the bound input and
	// output descriptors. It blocks until the outputs have been written.
	// The library may rewrite an output descriptor's Dims with the realized
	// dimensions, and fills in Buffer for outputs bound without one.
	RunGraph(graph Graph, inputs []TensorDescriptor, outputs []*TensorDescriptor) Status

	// ExtensionFunction resolves an optional entry point by name. Libraries
	// without the named extension return StatusFallback; that is not an
	// error, callers fall back to the base surface.
	ExtensionFunction(name string) (any, Status)
}

// Constructor takes a library-specific configuration string (possibly empty)
// and returns a ready Library.
type Constructor func(config string) Library

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a library constructor under the given name. To be safe, call
// Register during package initialization.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is used by New when the ONNXIFI_LIBRARY environment variable
// is not set. See NewWithConfig for the format.
var DefaultConfig string

// EnvLibrary is the environment variable naming the default library
// configuration, formatted as in NewWithConfig.
const EnvLibrary = "ONNXIFI_LIBRARY"

// New returns a Library built from, in order of precedence: the EnvLibrary
// environment variable, DefaultConfig, or the first registered constructor
// with an empty configuration. It panics if no library was registered.
func New() Library {
	if config, found := os.LookupEnv(EnvLibrary); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configuration formatted as
// "<library_name>:<library_configuration>" and returns the Library built by
// the constructor registered under <library_name>. A configuration without
// ":" selects the first registered library and is passed along whole.
func NewWithConfig(config string) Library {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf("no inference backend libraries registered -- import one for its side effects")
	}
	name := firstRegistered
	libConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		name = config[:idx]
		libConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[name]
	if !found {
		exceptions.Panicf("no inference backend library %q registered (configuration %q)", name, config)
	}
	return constructor(libConfig)
}
