package operators

import (
	"github.com/pkg/errors"

	"github.com/gonnx/onnxifi/backends"
)

// dispatcher is the strategy that drives one graph execution to completion.
// The synchronous library call is the default; the fence-based strategy is
// selected once at construction when the library exposes the asynchronous
// extension, so the per-run path never branches on a maybe-missing function.
type dispatcher interface {
	Run(graph backends.Graph, inputs []backends.TensorDescriptor, outputs []*backends.TensorDescriptor) error
}

type syncDispatcher struct {
	lib backends.Library
}

func (d syncDispatcher) Run(graph backends.Graph, inputs []backends.TensorDescriptor, outputs []*backends.TensorDescriptor) error {
	if st := d.lib.RunGraph(graph, inputs, outputs); st != backends.StatusSuccess {
		return errors.Errorf("backend graph execution failed: %s", st)
	}
	return nil
}

type fenceDispatcher struct {
	run backends.RunGraphWithFenceFunc
}

func (d fenceDispatcher) Run(graph backends.Graph, inputs []backends.TensorDescriptor, outputs []*backends.TensorDescriptor) error {
	fence, st := d.run(graph, inputs, outputs)
	if st != backends.StatusSuccess {
		return errors.Errorf("asynchronous graph dispatch failed: %s", st)
	}
	if st := fence.Wait(); st != backends.StatusSuccess {
		return errors.Errorf("graph execution fence reported: %s", st)
	}
	return nil
}
