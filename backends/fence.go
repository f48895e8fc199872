package backends

// ExtensionRunGraphWithFence names the optional asynchronous dispatch entry
// point. Libraries that support it return a RunGraphWithFenceFunc from
// ExtensionFunction(ExtensionRunGraphWithFence).
const ExtensionRunGraphWithFence = "onnxSetIOAndRunGraphFunction"

// Fence is the completion token of an asynchronous dispatch: it signals when
// the dispatched execution has finished and its output buffers may be read.
type Fence interface {
	// Wait blocks until the dispatched execution finished and returns its
	// final status. It is not cancellable and has no timeout.
	Wait() Status
}

// RunGraphWithFenceFunc dispatches a graph execution asynchronously: it
// returns immediately with a Fence the caller must wait on before reading the
// output buffers. Input and output descriptor semantics match
// Library.RunGraph.
type RunGraphWithFenceFunc func(graph Graph, inputs []TensorDescriptor, outputs []*TensorDescriptor) (Fence, Status)
