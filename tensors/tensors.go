// Package tensors implements the host-side tensor model consumed by the
// delegation operator: a Tensor is a shape plus flat storage in host memory,
// and a Workspace is a named tensor store.
//
// Storage is kept as raw bytes so it can be bound directly to the buffer
// field of a backends.TensorDescriptor without copying; the generic
// ConstFlatData/MutableFlatData accessors give a typed view over it.
package tensors

import (
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gonnx/onnxifi/types/shapes"
)

// Tensor is a multi-dimensional array in host memory.
type Tensor struct {
	shape shapes.Shape
	data  []byte
}

// FromShape returns a zero-initialized tensor of the given shape.
// It panics on an invalid shape.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape: invalid shape %s", shape)
	}
	return &Tensor{shape: shape.Clone(), data: make([]byte, shape.Memory())}
}

// FromShapeAndBytes wraps existing flat storage as a tensor of the given
// shape, taking ownership of data. It errors if the storage size does not
// match the shape.
func FromShapeAndBytes(shape shapes.Shape, data []byte) (*Tensor, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("tensors.FromShapeAndBytes: invalid shape %s", shape)
	}
	if uintptr(len(data)) != shape.Memory() {
		return nil, errors.Errorf("tensors.FromShapeAndBytes: shape %s needs %d bytes, got %d",
			shape, shape.Memory(), len(data))
	}
	return &Tensor{shape: shape.Clone(), data: data}, nil
}

// FromScalar returns a rank-0 tensor holding value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromFlatDataAndDimensions([]T{value})
}

// FromFlatDataAndDimensions returns a tensor with the given dimensions, with
// the flattened contents copied from data. The data type is inferred from T.
// It panics if len(data) does not match the shape size.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: shape %s needs %d values, got %d",
			shape, shape.Size(), len(data))
	}
	t := FromShape(shape)
	copy(flatView[T](t), data)
	return t
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Size is the number of elements stored.
func (t *Tensor) Size() int { return t.shape.Size() }

// Bytes returns the tensor's flat storage. The returned slice aliases the
// tensor: writes through it are visible to every other view.
func (t *Tensor) Bytes() []byte { return t.data }

// String implements fmt.Stringer with the tensor's shape only.
func (t *Tensor) String() string { return "Tensor" + t.shape.String() }

// flatView reinterprets the tensor storage as a []T without copying.
func flatView[T dtypes.Supported](t *Tensor) []T {
	dtype := dtypes.FromGenericsType[T]()
	if t.shape.DType != dtype {
		exceptions.Panicf("tensor has dtype %s, accessed as %s", t.shape.DType, dtype)
	}
	if len(t.data) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&t.data[0])), t.shape.Size())
}

// ConstFlatData calls accessFn with the flattened contents of the tensor.
// The slice must not be modified nor retained. It panics if T does not match
// the tensor's data type.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	accessFn(flatView[T](t))
}

// MutableFlatData calls accessFn with the flattened contents of the tensor
// for in-place modification. The slice must not be retained.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	accessFn(flatView[T](t))
}

// CopyFlatData returns a copy of the flattened contents of the tensor.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	flat := flatView[T](t)
	dst := make([]T, len(flat))
	copy(dst, flat)
	return dst
}
