package operators

import (
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gonnx/onnxifi/backends"
	"github.com/gonnx/onnxifi/graphcache"
	"github.com/gonnx/onnxifi/tensors"
	"github.com/gonnx/onnxifi/types/shapes"
)

// Argument names recognized at construction.
const (
	argModel        = "onnx_model"
	argInputNames   = "input_names"
	argOutputNames  = "output_names"
	argInitializers = "initializers"
	argBackendIndex = "backend_id"
	argModelID      = "model_id"
	argNetPos       = "net_pos"

	// outputShapeHintPrefix + the output index names a repeated-integer
	// argument whose first value is the dtype and the rest the dims.
	outputShapeHintPrefix = "output_shape_hint_"

	// customArgPrefix marks arguments encoded as backend properties.
	customArgPrefix = "custom_"
)

// recognizedProperties maps custom argument names to the property they encode
// as. Custom arguments outside this table are skipped, so nets carrying
// options for newer backends keep loading on older hosts.
var recognizedProperties = map[string]backends.PropertyID{
	customArgPrefix + "max_batch_size": backends.PropertyMaxBatchSize,
	customArgPrefix + "max_seq_size":   backends.PropertyMaxSeqSize,
}

// shapeHint is a construction-time override of one output's element type and
// dimensions, letting the host materialize the output before the backend
// reports (or when it never reports) a realized shape.
type shapeHint struct {
	dtype dtypes.DType
	dims  []int
}

// OnnxifiOp delegates the execution of a serialized subgraph to an
// accelerator backend.
//
// At construction it builds the name-addressed descriptor templates for its
// positional inputs and outputs, encodes the backend initialization
// properties, pulls the (possibly renamed) weight tensors from the workspace,
// and obtains the shared compiled graph from the cache -- compiling at most
// once per (model ID, net position) artifact across the process. Per
// invocation it binds the live tensors to the templates, dispatches execution
// and publishes the realized outputs back to the workspace.
//
// Instances sharing a cache entry may run concurrently; whether the backend
// itself serializes executions of one graph is the backend's business, this
// layer adds no locking around dispatch.
type OnnxifiOp struct {
	def   *OperatorDef
	ws    *tensors.Workspace
	lib   backends.Library
	cache *graphcache.Map

	key   string
	entry *graphcache.Entry

	// Descriptor templates. Names are fixed here once; shape, type and buffer
	// are rebound on every invocation. Never shared across instances.
	inputNames  []string
	outputNames []string
	inputDescs  []backends.TensorDescriptor
	outputDescs []backends.TensorDescriptor

	shapeHints map[int]shapeHint

	dispatch dispatcher
}

// NewOnnxifiOp constructs the operator, or fails fatally: on any error the
// operator never reaches a runnable state and no cache entry is left behind.
func NewOnnxifiOp(def *OperatorDef, ws *tensors.Workspace, lib backends.Library, cache *graphcache.Map) (*OnnxifiOp, error) {
	if lib == nil {
		return nil, errors.New("onnxifi operator requires a backend library")
	}
	if cache == nil {
		return nil, errors.New("onnxifi operator requires a graph cache")
	}
	model := def.SingleString(argModel, "")
	if model == "" {
		return nil, errors.Errorf("argument %q cannot be empty", argModel)
	}

	op := &OnnxifiOp{def: def, ws: ws, lib: lib, cache: cache}
	if err := op.buildDescriptors(); err != nil {
		return nil, err
	}
	properties := op.buildPropertyList()
	weightDescs, err := op.buildInitializationList()
	if err != nil {
		return nil, err
	}
	if err := op.buildBackendAndGraph(properties, []byte(model), weightDescs); err != nil {
		return nil, err
	}
	return op, nil
}

// buildDescriptors sets up the input/output descriptor templates and parses
// the per-output shape hints.
func (op *OnnxifiOp) buildDescriptors() error {
	op.inputNames = op.def.RepeatedStrings(argInputNames)
	op.outputNames = op.def.RepeatedStrings(argOutputNames)
	if len(op.inputNames) != len(op.def.Inputs) {
		return errors.Errorf("%d values in %q for %d operator inputs",
			len(op.inputNames), argInputNames, len(op.def.Inputs))
	}
	if len(op.outputNames) != len(op.def.Outputs) {
		return errors.Errorf("%d values in %q for %d operator outputs",
			len(op.outputNames), argOutputNames, len(op.def.Outputs))
	}

	op.inputDescs = make([]backends.TensorDescriptor, len(op.inputNames))
	for i, name := range op.inputNames {
		op.inputDescs[i] = backends.TensorDescriptor{Name: name, MemoryType: backends.MemoryTypeCPU}
	}

	op.outputDescs = make([]backends.TensorDescriptor, len(op.outputNames))
	op.shapeHints = make(map[int]shapeHint)
	for i, name := range op.outputNames {
		op.outputDescs[i] = backends.TensorDescriptor{Name: name, MemoryType: backends.MemoryTypeCPU}
		hint := op.def.RepeatedInts(outputShapeHintPrefix + strconv.Itoa(i))
		if len(hint) == 0 {
			continue
		}
		h := shapeHint{dtype: dtypes.DType(hint[0])}
		for _, dim := range hint[1:] {
			if dim <= 0 {
				return errors.Errorf("%s%d has non-positive dimension %d", outputShapeHintPrefix, i, dim)
			}
			h.dims = append(h.dims, int(dim))
		}
		op.shapeHints[i] = h
	}
	return nil
}

// buildPropertyList encodes the recognized custom_* arguments as typed
// backend initialization properties, terminated by PropertyNone.
func (op *OnnxifiOp) buildPropertyList() backends.PropertyList {
	var properties backends.PropertyList
	for _, arg := range op.def.Args {
		if !strings.HasPrefix(arg.Name, customArgPrefix) {
			continue
		}
		id, recognized := recognizedProperties[arg.Name]
		if !recognized {
			continue
		}
		switch {
		case arg.I != nil:
			properties = append(properties, backends.Property{ID: id, Int: *arg.I})
		case arg.F != nil:
			properties = append(properties, backends.Property{ID: id, Float: *arg.F})
		}
	}
	return append(properties, backends.Property{ID: backends.PropertyNone})
}

// buildInitializationList resolves the initializer (weight) tensors through
// the rename table given in the initializers argument and returns one
// descriptor per weight, bound to the live weight buffer, ready for graph
// compilation.
func (op *OnnxifiOp) buildInitializationList() ([]backends.TensorDescriptor, error) {
	pairs := op.def.RepeatedStrings(argInitializers)
	if len(pairs)%2 != 0 {
		return nil, errors.Errorf("argument %q must hold (name, substitute) pairs, got %d values",
			argInitializers, len(pairs))
	}
	mapping := make(map[string]string, len(pairs)/2)
	weightNames := make([]string, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		mapping[pairs[i]] = pairs[i+1]
		weightNames = append(weightNames, pairs[i])
	}

	// The subgraph refers to weights by their original names; the workspace
	// may hold them under rewritten ones. The mapped view bridges the two.
	mapped := tensors.NewMapped(op.ws, mapping)
	weightDescs := make([]backends.TensorDescriptor, 0, len(weightNames))
	for _, name := range weightNames {
		weight, found := mapped.GetTensor(name)
		if !found {
			return nil, errors.Errorf("initializer %q (stored as %q) not found in workspace",
				name, mapping[name])
		}
		weightDescs = append(weightDescs, backends.TensorDescriptor{
			Name:       name,
			MemoryType: backends.MemoryTypeCPU,
			DataType:   weight.DType(),
			Dims:       weight.Shape().Dimensions,
			Buffer:     weight.Bytes(),
		})
	}
	return weightDescs, nil
}

// buildBackendAndGraph obtains the shared {backend ID, backend, graph} triple
// for this operator's artifact key, creating it on first use, and selects the
// dispatch strategy.
func (op *OnnxifiOp) buildBackendAndGraph(properties backends.PropertyList, model []byte, weightDescs []backends.TensorDescriptor) error {
	op.key = op.def.SingleString(argModelID, "") + ":" + op.def.SingleString(argNetPos, "")
	backendIndex := int(op.def.SingleInt(argBackendIndex, 0))

	lib := op.lib
	creator := func() (*graphcache.Entry, error) {
		ids, st := lib.GetBackendIDs()
		if st != backends.StatusSuccess {
			return nil, errors.Errorf("enumerating accelerator backends: %s", st)
		}
		if len(ids) == 0 {
			return nil, errors.New("no accelerator backends available")
		}
		if backendIndex < 0 || backendIndex >= len(ids) {
			return nil, errors.Errorf("backend index %d out of range, %d backend(s) available",
				backendIndex, len(ids))
		}
		id := ids[backendIndex]
		backend, st := lib.InitBackend(id, properties)
		if st != backends.StatusSuccess {
			for i, other := range ids {
				if relSt := lib.ReleaseBackendID(other); relSt != backends.StatusSuccess {
					klog.Warningf("onnxifi: releasing backend ID %d after failed initialization: %s", i, relSt)
				}
			}
			return nil, errors.Errorf("initializing backend %d: %s", backendIndex, st)
		}
		// The unselected IDs are not needed and must not leak.
		for i, other := range ids {
			if i == backendIndex {
				continue
			}
			if st := lib.ReleaseBackendID(other); st != backends.StatusSuccess {
				klog.Warningf("onnxifi: releasing unused backend ID %d: %s", i, st)
			}
		}
		graph, st := lib.InitGraph(backend, model, weightDescs)
		if st != backends.StatusSuccess {
			if relSt := lib.ReleaseBackend(backend); relSt != backends.StatusSuccess {
				klog.Warningf("onnxifi: releasing backend after failed compilation: %s", relSt)
			}
			if relSt := lib.ReleaseBackendID(id); relSt != backends.StatusSuccess {
				klog.Warningf("onnxifi: releasing backend ID after failed compilation: %s", relSt)
			}
			return nil, errors.Errorf("compiling subgraph: %s", st)
		}
		klog.V(1).Infof("onnxifi: compiled subgraph %q (%s model, %d weights) on backend %d of %q",
			op.key, humanize.Bytes(uint64(len(model))), len(weightDescs), backendIndex, lib.Name())
		return &graphcache.Entry{Library: lib, BackendID: id, Backend: backend, Graph: graph}, nil
	}

	entry, err := op.cache.GetOrCreate(op.key, creator)
	if err != nil {
		return err
	}
	op.entry = entry

	// Capability probe, resolved once: prefer the fence-based dispatch when
	// the library exposes it, otherwise stay on the synchronous call.
	op.dispatch = syncDispatcher{lib: lib}
	if fn, st := lib.ExtensionFunction(backends.ExtensionRunGraphWithFence); st == backends.StatusSuccess {
		if run, ok := fn.(backends.RunGraphWithFenceFunc); ok {
			op.dispatch = fenceDispatcher{run: run}
		}
	}
	return nil
}

// outputShapeAndType resolves the pre-dispatch element type and dimensions of
// output i: the construction-time hint when present (then hinted is true),
// otherwise Float32 with the dimensions left for the backend to report.
func (op *OnnxifiOp) outputShapeAndType(i int) (dtype dtypes.DType, dims []int, hinted bool) {
	if hint, found := op.shapeHints[i]; found {
		return hint.dtype, hint.dims, true
	}
	return dtypes.Float32, nil, false
}

// RunOnDevice executes the delegated subgraph once: it binds the operator's
// current input tensors to the descriptor templates, dispatches the compiled
// graph, and publishes the realized output shapes, types and data back to the
// workspace. A failed invocation returns an error and leaves the operator
// runnable for the next one.
func (op *OnnxifiOp) RunOnDevice() error {
	if op.entry == nil {
		return errors.New("operator has been finalized")
	}

	for i := range op.inputDescs {
		blob := op.def.Inputs[i]
		input, found := op.ws.GetTensor(blob)
		if !found {
			return errors.Errorf("input %q not found in workspace", blob)
		}
		op.inputDescs[i].DataType = input.DType()
		op.inputDescs[i].Dims = input.Shape().Dimensions
		op.inputDescs[i].Buffer = input.Bytes()
	}

	outputs := make([]*backends.TensorDescriptor, len(op.outputDescs))
	hintedOutputs := make([]*tensors.Tensor, len(op.outputDescs))
	for i := range op.outputDescs {
		desc := &op.outputDescs[i]
		dtype, dims, hinted := op.outputShapeAndType(i)
		desc.DataType = dtype
		// The library may rewrite the bound Dims in place; never hand it the
		// stored hint itself.
		desc.Dims = slices.Clone(dims)
		desc.Buffer = nil
		if hinted {
			// Materialize ahead of dispatch; the backend writes in place.
			hintedOutputs[i] = tensors.FromShape(shapes.Make(dtype, dims...))
			desc.Buffer = hintedOutputs[i].Bytes()
		}
		outputs[i] = desc
	}

	if err := op.dispatch.Run(op.entry.Graph, op.inputDescs, outputs); err != nil {
		return errors.WithMessagef(err, "running subgraph %q", op.key)
	}

	for i, desc := range outputs {
		blob := op.def.Outputs[i]
		if hinted := hintedOutputs[i]; hinted != nil {
			// The hint is authoritative: the published tensor keeps the
			// hinted type and dims even if the backend reported others.
			op.ws.SetTensor(blob, hinted)
			continue
		}
		// No hint: dims are whatever the backend reported, dtype stays the
		// default, and the buffer was allocated by the library.
		for _, dim := range desc.Dims {
			if dim <= 0 {
				return errors.Errorf("backend reported non-positive dimension %d for output %q of subgraph %q",
					dim, desc.Name, op.key)
			}
		}
		dtype, _, _ := op.outputShapeAndType(i)
		realized, err := tensors.FromShapeAndBytes(shapes.Make(dtype, desc.Dims...), desc.Buffer)
		if err != nil {
			return errors.WithMessagef(err, "materializing output %q of subgraph %q", desc.Name, op.key)
		}
		op.ws.SetTensor(blob, realized)
	}
	return nil
}

// Key returns the compiled-artifact key this operator shares its backend
// graph under.
func (op *OnnxifiOp) Key() string { return op.key }

// Finalize drops the operator's reference to the shared backend graph,
// tearing down the cache entry if this was the last live instance. The
// operator cannot run afterwards. Finalize is idempotent.
func (op *OnnxifiOp) Finalize() {
	if op.entry == nil {
		return
	}
	op.entry = nil
	op.cache.Release(op.key)
}
