package operators

import (
	"sync"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"

	"github.com/gonnx/onnxifi/backends"
	"github.com/gonnx/onnxifi/backends/backendstest"
	"github.com/gonnx/onnxifi/graphcache"
	"github.com/gonnx/onnxifi/tensors"
	"github.com/gonnx/onnxifi/types/shapes"
)

type testSetup struct {
	lib   *backendstest.Library
	cache *graphcache.Map
	ws    *tensors.Workspace
}

func newTestSetup(opts backendstest.Options) *testSetup {
	s := &testSetup{
		lib:   backendstest.New(opts),
		cache: graphcache.New(),
		ws:    tensors.NewWorkspace(),
	}
	s.ws.SetTensor("X", tensors.FromFlatDataAndDimensions(
		[]float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 1, 10))
	s.ws.SetTensor("W", tensors.FromFlatDataAndDimensions(
		[]float32{0.1, 0.2}, 2))
	s.ws.SetTensor("w0_rewritten", tensors.FromFlatDataAndDimensions(
		[]float32{7, 7, 7}, 3))
	return s
}

// baseDef is the concrete scenario from the design: inputs {x, w}, output
// {y}, one remapped initializer, artifact key "m1:0".
func baseDef() *OperatorDef {
	def := &OperatorDef{Type: "Onnxifi", Inputs: []string{"X", "W"}, Outputs: []string{"Y"}}
	def.AddArg(StringArg(argModel, "serialized-subgraph")).
		AddArg(StringsArg(argInputNames, "x", "w")).
		AddArg(StringsArg(argOutputNames, "y")).
		AddArg(StringsArg(argInitializers, "w0", "w0_rewritten")).
		AddArg(StringArg(argModelID, "m1")).
		AddArg(StringArg(argNetPos, "0"))
	return def
}

func float32Bytes(values ...float32) []byte {
	return tensors.FromFlatDataAndDimensions(values, len(values)).Bytes()
}

func TestShapeHintPrecedence(t *testing.T) {
	// The backend reports (2, 5); the hint says (1, 10) and must win.
	s := newTestSetup(backendstest.Options{Outputs: []backendstest.ScriptedOutput{{
		Dims: []int{2, 5},
		Data: float32Bytes(1, 2, 3, 4, 5, 6, 7, 8, 9, 10),
	}}})
	def := baseDef().AddArg(IntsArg(outputShapeHintPrefix+"0", int64(dtypes.Float32), 1, 10))

	op, err := NewOnnxifiOp(def, s.ws, s.lib, s.cache)
	require.NoError(t, err)
	defer op.Finalize()

	require.Equal(t, "m1:0", op.Key())
	require.Equal(t, 1, s.cache.Len())
	require.True(t, s.cache.Contains("m1:0"))

	require.NoError(t, op.RunOnDevice())

	y, found := s.ws.GetTensor("Y")
	require.True(t, found)
	require.True(t, y.Shape().Equal(shapes.Make(dtypes.Float32, 1, 10)))
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, tensors.CopyFlatData[float32](y))
}

func TestOutputShapeFromBackendReport(t *testing.T) {
	// Without a hint the dtype defaults to Float32 and the dims are whatever
	// the execution reports.
	s := newTestSetup(backendstest.Options{Outputs: []backendstest.ScriptedOutput{{
		Dims: []int{1, 3},
		Data: float32Bytes(4, 5, 6),
	}}})
	op, err := NewOnnxifiOp(baseDef(), s.ws, s.lib, s.cache)
	require.NoError(t, err)
	defer op.Finalize()

	require.NoError(t, op.RunOnDevice())

	y, found := s.ws.GetTensor("Y")
	require.True(t, found)
	require.True(t, y.Shape().Equal(shapes.Make(dtypes.Float32, 1, 3)))
	require.Equal(t, []float32{4, 5, 6}, tensors.CopyFlatData[float32](y))
}

func TestConstructionErrors(t *testing.T) {
	outputs := []backendstest.ScriptedOutput{{Dims: []int{1}, Data: float32Bytes(0)}}

	t.Run("empty model", func(t *testing.T) {
		s := newTestSetup(backendstest.Options{Outputs: outputs})
		def := baseDef()
		def.Args[0] = StringArg(argModel, "")
		_, err := NewOnnxifiOp(def, s.ws, s.lib, s.cache)
		require.ErrorContains(t, err, "cannot be empty")
	})

	t.Run("input arity mismatch", func(t *testing.T) {
		s := newTestSetup(backendstest.Options{Outputs: outputs})
		def := baseDef()
		def.Args[1] = StringsArg(argInputNames, "x")
		_, err := NewOnnxifiOp(def, s.ws, s.lib, s.cache)
		require.ErrorContains(t, err, "operator inputs")
	})

	t.Run("output arity mismatch", func(t *testing.T) {
		s := newTestSetup(backendstest.Options{Outputs: outputs})
		def := baseDef()
		def.Args[2] = StringsArg(argOutputNames, "y", "z")
		_, err := NewOnnxifiOp(def, s.ws, s.lib, s.cache)
		require.ErrorContains(t, err, "operator outputs")
	})

	t.Run("odd initializer list", func(t *testing.T) {
		s := newTestSetup(backendstest.Options{Outputs: outputs})
		def := baseDef()
		def.Args[3] = StringsArg(argInitializers, "w0", "w0_rewritten", "dangling")
		_, err := NewOnnxifiOp(def, s.ws, s.lib, s.cache)
		require.ErrorContains(t, err, "pairs")
	})

	t.Run("missing initializer tensor", func(t *testing.T) {
		s := newTestSetup(backendstest.Options{Outputs: outputs})
		def := baseDef()
		def.Args[3] = StringsArg(argInitializers, "w0", "not-in-workspace")
		_, err := NewOnnxifiOp(def, s.ws, s.lib, s.cache)
		require.ErrorContains(t, err, "not found in workspace")
	})

	t.Run("non-positive shape hint dimension", func(t *testing.T) {
		s := newTestSetup(backendstest.Options{Outputs: outputs})
		def := baseDef().AddArg(IntsArg(outputShapeHintPrefix+"0", int64(dtypes.Float32), 1, 0))
		_, err := NewOnnxifiOp(def, s.ws, s.lib, s.cache)
		require.ErrorContains(t, err, "non-positive dimension")
		require.Equal(t, 0, s.cache.Len())
	})

	t.Run("backend initialization failure", func(t *testing.T) {
		s := newTestSetup(backendstest.Options{NumBackends: 2, InitBackendStatus: backends.StatusInternal})
		_, err := NewOnnxifiOp(baseDef(), s.ws, s.lib, s.cache)
		require.ErrorContains(t, err, "initializing backend")
		// Everything enumerated must be given back.
		require.Equal(t, 0, s.cache.Len())
		require.Equal(t, 0, s.lib.LiveBackends())
		require.Equal(t, 0, s.lib.LiveBackendIDs())
	})

	t.Run("graph compilation failure", func(t *testing.T) {
		s := newTestSetup(backendstest.Options{NumBackends: 2, InitGraphStatus: backends.StatusInvalidModel})
		_, err := NewOnnxifiOp(baseDef(), s.ws, s.lib, s.cache)
		require.ErrorContains(t, err, "compiling subgraph")
		require.Equal(t, 0, s.cache.Len())
		require.Equal(t, 0, s.lib.LiveBackends())
		require.Equal(t, 0, s.lib.LiveBackendIDs())
		// Unselected ID first, then the backend, then its retained ID.
		require.Equal(t, []string{"id", "backend", "id"}, s.lib.ReleaseLog())
	})

	t.Run("no backends available", func(t *testing.T) {
		s := newTestSetup(backendstest.Options{NumBackends: -1})
		_, err := NewOnnxifiOp(baseDef(), s.ws, s.lib, s.cache)
		require.ErrorContains(t, err, "no accelerator backends available")
		// Compilation must never be reached and no entry may linger.
		require.Equal(t, 0, s.lib.InitGraphCalls())
		require.Equal(t, 0, s.cache.Len())
	})

	t.Run("backend index out of range", func(t *testing.T) {
		s := newTestSetup(backendstest.Options{NumBackends: 2})
		def := baseDef().AddArg(IntArg(argBackendIndex, 5))
		_, err := NewOnnxifiOp(def, s.ws, s.lib, s.cache)
		require.ErrorContains(t, err, "out of range")
		require.Equal(t, 0, s.cache.Len())
	})
}

func TestBackendReportedEmptyDimensionFailsInvocation(t *testing.T) {
	// A realized dim of zero is a protocol violation the host must turn into
	// a failed run, not a crash.
	s := newTestSetup(backendstest.Options{Outputs: []backendstest.ScriptedOutput{{
		Dims: []int{0},
	}}})
	op, err := NewOnnxifiOp(baseDef(), s.ws, s.lib, s.cache)
	require.NoError(t, err)
	defer op.Finalize()

	require.ErrorContains(t, op.RunOnDevice(), "non-positive dimension")
	// The operator stays runnable; the same bad report fails the same way.
	require.ErrorContains(t, op.RunOnDevice(), "non-positive dimension")
}

func TestHintSurvivesInPlaceDimsRewrite(t *testing.T) {
	// Same rank, different dims: the fake rewrites the bound Dims in place,
	// which must never reach the stored hint.
	s := newTestSetup(backendstest.Options{Outputs: []backendstest.ScriptedOutput{{
		Dims: []int{2, 5},
		Data: float32Bytes(1, 2, 3, 4, 5, 6, 7, 8, 9, 10),
	}}})
	def := baseDef().AddArg(IntsArg(outputShapeHintPrefix+"0", int64(dtypes.Float32), 1, 10))
	op, err := NewOnnxifiOp(def, s.ws, s.lib, s.cache)
	require.NoError(t, err)
	defer op.Finalize()

	require.NoError(t, op.RunOnDevice())
	require.Equal(t, []int{1, 10}, op.shapeHints[0].dims)

	require.NoError(t, op.RunOnDevice())
	y, found := s.ws.GetTensor("Y")
	require.True(t, found)
	require.True(t, y.Shape().Equal(shapes.Make(dtypes.Float32, 1, 10)))
}

func TestSharedGraphAcrossInstances(t *testing.T) {
	s := newTestSetup(backendstest.Options{Outputs: []backendstest.ScriptedOutput{{
		Dims: []int{1}, Data: float32Bytes(3),
	}}})

	op1, err := NewOnnxifiOp(baseDef(), s.ws, s.lib, s.cache)
	require.NoError(t, err)

	// Second instance, same artifact key, different input contents.
	ws2 := tensors.NewWorkspace()
	ws2.SetTensor("X", tensors.FromFlatDataAndDimensions([]float32{-1}, 1))
	ws2.SetTensor("W", tensors.FromFlatDataAndDimensions([]float32{-2}, 1))
	ws2.SetTensor("w0_rewritten", tensors.FromFlatDataAndDimensions([]float32{0}, 1))
	op2, err := NewOnnxifiOp(baseDef(), ws2, s.lib, s.cache)
	require.NoError(t, err)

	// No recompilation, same compiled graph handle.
	require.Equal(t, 1, s.lib.InitGraphCalls())
	require.Equal(t, op1.entry.Graph, op2.entry.Graph)
	require.Equal(t, 1, s.cache.Len())

	require.NoError(t, op1.RunOnDevice())
	require.NoError(t, op2.RunOnDevice())

	// Dropping one instance keeps the shared entry usable.
	op1.Finalize()
	require.Equal(t, 1, s.cache.Len())
	require.Equal(t, 1, s.lib.LiveGraphs())
	require.NoError(t, op2.RunOnDevice())

	// Dropping the last instance tears down graph, then backend, then ID.
	op2.Finalize()
	require.Equal(t, 0, s.cache.Len())
	require.Equal(t, 0, s.lib.LiveGraphs())
	require.Equal(t, 0, s.lib.LiveBackends())
	require.Equal(t, 0, s.lib.LiveBackendIDs())
	require.Equal(t, []string{"graph", "backend", "id"}, s.lib.ReleaseLog())

	// Finalized operators refuse to run; Finalize stays idempotent.
	require.Error(t, op2.RunOnDevice())
	op2.Finalize()
}

func TestConcurrentConstructionSharesOneCompilation(t *testing.T) {
	s := newTestSetup(backendstest.Options{Outputs: []backendstest.ScriptedOutput{{
		Dims: []int{1}, Data: float32Bytes(1),
	}}})

	const numOps = 8
	ops := make([]*OnnxifiOp, numOps)
	var wg sync.WaitGroup
	wg.Add(numOps)
	for i := range numOps {
		go func() {
			defer wg.Done()
			op, err := NewOnnxifiOp(baseDef(), s.ws, s.lib, s.cache)
			require.NoError(t, err)
			ops[i] = op
		}()
	}
	wg.Wait()

	require.Equal(t, 1, s.lib.InitGraphCalls())
	wantGraph := ops[0].entry.Graph
	for _, op := range ops {
		require.Equal(t, wantGraph, op.entry.Graph)
		op.Finalize()
	}
	require.Equal(t, 0, s.cache.Len())
}

func TestUnselectedBackendIDsReleased(t *testing.T) {
	s := newTestSetup(backendstest.Options{NumBackends: 3, Outputs: []backendstest.ScriptedOutput{{
		Dims: []int{1}, Data: float32Bytes(0),
	}}})
	def := baseDef().AddArg(IntArg(argBackendIndex, 1))
	op, err := NewOnnxifiOp(def, s.ws, s.lib, s.cache)
	require.NoError(t, err)
	defer op.Finalize()

	// Only the selected ID survives construction.
	require.Equal(t, 1, s.lib.LiveBackendIDs())
}

func TestPropertyEncoding(t *testing.T) {
	s := newTestSetup(backendstest.Options{Outputs: []backendstest.ScriptedOutput{{
		Dims: []int{1}, Data: float32Bytes(0),
	}}})
	def := baseDef().
		AddArg(IntArg("custom_max_batch_size", 32)).
		AddArg(IntArg("custom_max_seq_size", 128)).
		AddArg(IntArg("custom_not_a_real_option", 1)) // Ignored.
	op, err := NewOnnxifiOp(def, s.ws, s.lib, s.cache)
	require.NoError(t, err)
	defer op.Finalize()

	require.Equal(t, backends.PropertyList{
		{ID: backends.PropertyMaxBatchSize, Int: 32},
		{ID: backends.PropertyMaxSeqSize, Int: 128},
		{ID: backends.PropertyNone},
	}, s.lib.LastProperties())
}

func TestPropertyListDefaultsToTerminatorOnly(t *testing.T) {
	s := newTestSetup(backendstest.Options{Outputs: []backendstest.ScriptedOutput{{
		Dims: []int{1}, Data: float32Bytes(0),
	}}})
	op, err := NewOnnxifiOp(baseDef(), s.ws, s.lib, s.cache)
	require.NoError(t, err)
	defer op.Finalize()

	require.Equal(t, backends.PropertyList{{ID: backends.PropertyNone}}, s.lib.LastProperties())
}

func TestInitializerRemapping(t *testing.T) {
	s := newTestSetup(backendstest.Options{Outputs: []backendstest.ScriptedOutput{{
		Dims: []int{1}, Data: float32Bytes(0),
	}}})
	op, err := NewOnnxifiOp(baseDef(), s.ws, s.lib, s.cache)
	require.NoError(t, err)
	defer op.Finalize()

	// The graph received the weight under its original name, with the buffer
	// fetched through the rewritten one.
	require.Equal(t, []string{"w0"}, s.lib.LastWeightNames())
}

func TestFenceDispatchSelected(t *testing.T) {
	s := newTestSetup(backendstest.Options{WithFence: true, Outputs: []backendstest.ScriptedOutput{{
		Dims: []int{1, 3},
		Data: float32Bytes(9, 8, 7),
	}}})
	op, err := NewOnnxifiOp(baseDef(), s.ws, s.lib, s.cache)
	require.NoError(t, err)
	defer op.Finalize()

	require.IsType(t, fenceDispatcher{}, op.dispatch)
	require.NoError(t, op.RunOnDevice())

	y, found := s.ws.GetTensor("Y")
	require.True(t, found)
	require.Equal(t, []float32{9, 8, 7}, tensors.CopyFlatData[float32](y))
}

func TestSyncDispatchIsTheFallback(t *testing.T) {
	s := newTestSetup(backendstest.Options{Outputs: []backendstest.ScriptedOutput{{
		Dims: []int{1}, Data: float32Bytes(0),
	}}})
	op, err := NewOnnxifiOp(baseDef(), s.ws, s.lib, s.cache)
	require.NoError(t, err)
	defer op.Finalize()

	require.IsType(t, syncDispatcher{}, op.dispatch)
}

func TestDispatchErrorIsPerInvocation(t *testing.T) {
	s := newTestSetup(backendstest.Options{
		RunStatus: backends.StatusInternal,
		Outputs:   []backendstest.ScriptedOutput{{Dims: []int{1}, Data: float32Bytes(5)}},
	})
	op, err := NewOnnxifiOp(baseDef(), s.ws, s.lib, s.cache)
	require.NoError(t, err)
	defer op.Finalize()

	require.ErrorContains(t, op.RunOnDevice(), "INTERNAL")

	// The failure does not poison the operator: the next invocation works.
	s.lib.SetRunStatus(backends.StatusSuccess)
	require.NoError(t, op.RunOnDevice())
	y, found := s.ws.GetTensor("Y")
	require.True(t, found)
	require.Equal(t, []float32{5}, tensors.CopyFlatData[float32](y))
}

func TestFenceErrorIsPerInvocation(t *testing.T) {
	s := newTestSetup(backendstest.Options{
		WithFence: true,
		RunStatus: backends.StatusInternal,
		Outputs:   []backendstest.ScriptedOutput{{Dims: []int{1}, Data: float32Bytes(6)}},
	})
	op, err := NewOnnxifiOp(baseDef(), s.ws, s.lib, s.cache)
	require.NoError(t, err)
	defer op.Finalize()

	// The dispatch itself succeeds; the failure arrives through the fence.
	require.IsType(t, fenceDispatcher{}, op.dispatch)
	require.ErrorContains(t, op.RunOnDevice(), "fence reported")

	s.lib.SetRunStatus(backends.StatusSuccess)
	require.NoError(t, op.RunOnDevice())
	y, found := s.ws.GetTensor("Y")
	require.True(t, found)
	require.Equal(t, []float32{6}, tensors.CopyFlatData[float32](y))
}

func TestMissingInputFailsInvocationOnly(t *testing.T) {
	s := newTestSetup(backendstest.Options{Outputs: []backendstest.ScriptedOutput{{
		Dims: []int{1}, Data: float32Bytes(2),
	}}})
	op, err := NewOnnxifiOp(baseDef(), s.ws, s.lib, s.cache)
	require.NoError(t, err)
	defer op.Finalize()

	s.ws.RemoveTensor("X")
	require.ErrorContains(t, op.RunOnDevice(), `input "X" not found`)

	s.ws.SetTensor("X", tensors.FromFlatDataAndDimensions([]float32{1}, 1))
	require.NoError(t, op.RunOnDevice())
}

func TestParseOperatorDef(t *testing.T) {
	encoded := []byte(`{
		"type": "Onnxifi",
		"inputs": ["X"],
		"outputs": ["Y"],
		"args": [
			{"name": "onnx_model", "s": "bytes"},
			{"name": "backend_id", "i": 2},
			{"name": "input_names", "strings": ["x"]},
			{"name": "output_shape_hint_0", "ints": [11, 1, 10]}
		]
	}`)
	def := must.M1(ParseOperatorDef(encoded))
	require.Equal(t, "Onnxifi", def.Type)
	require.Equal(t, []string{"X"}, def.Inputs)
	require.Equal(t, "bytes", def.SingleString("onnx_model", ""))
	require.Equal(t, int64(2), def.SingleInt("backend_id", 0))
	require.Equal(t, int64(0), def.SingleInt("absent", 0))
	require.Equal(t, []string{"x"}, def.RepeatedStrings("input_names"))
	require.Equal(t, []int64{11, 1, 10}, def.RepeatedInts("output_shape_hint_0"))

	_, err := ParseOperatorDef([]byte("not json"))
	require.Error(t, err)
}
