package backends

import "github.com/gomlx/gopjrt/dtypes"

// MemoryType says where a TensorDescriptor's buffer lives. Only host (CPU)
// memory is defined for now; accelerator-resident buffers would extend this
// enumeration.
type MemoryType uint32

const (
	// MemoryTypeCPU is plain host memory.
	MemoryTypeCPU MemoryType = iota
)

// TensorDescriptor is the name-addressed binding of one tensor across the
// backend interface. The host binds tensors to operators by position, the
// backend addresses them by name: descriptors carry the name so both sides
// talk about the same tensor.
//
// A descriptor's Name is fixed when its template is built and must not change
// for the descriptor's lifetime; the remaining fields are (re)bound per run.
type TensorDescriptor struct {
	Name       string
	MemoryType MemoryType
	DataType   dtypes.DType
	Dims       []int

	// Buffer aliases the live storage of the bound tensor. For outputs it may
	// be left nil, in which case the library allocates it and sets it
	// together with the realized Dims during RunGraph.
	Buffer []byte
}

// PropertyID identifies one backend initialization property.
type PropertyID uint64

const (
	// PropertyNone terminates every PropertyList.
	PropertyNone PropertyID = iota
	// PropertyMaxBatchSize caps the batch size the backend compiles for.
	PropertyMaxBatchSize
	// PropertyMaxSeqSize caps the sequence length the backend compiles for.
	PropertyMaxSeqSize
)

// Property is one typed entry of a PropertyList. Which of Int or Float is
// meaningful depends on the PropertyID.
type Property struct {
	ID    PropertyID
	Int   int64
	Float float32
}

// PropertyList is the terminated sequence of properties passed to
// Library.InitBackend. The last entry always has ID PropertyNone; a list with
// only the terminator requests default initialization.
type PropertyList []Property
