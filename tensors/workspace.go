package tensors

import (
	"sort"
	"sync"
)

// Store is the read surface of a tensor namespace. Both Workspace and Mapped
// implement it.
type Store interface {
	// GetTensor returns the tensor registered under name, if any.
	GetTensor(name string) (*Tensor, bool)
}

// Workspace is a named tensor store. It is safe for concurrent use.
type Workspace struct {
	mu    sync.RWMutex
	blobs map[string]*Tensor
}

// NewWorkspace returns an empty workspace.
func NewWorkspace() *Workspace {
	return &Workspace{blobs: make(map[string]*Tensor)}
}

// GetTensor returns the tensor registered under name, if any.
func (w *Workspace) GetTensor(name string) (*Tensor, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, found := w.blobs[name]
	return t, found
}

// SetTensor registers t under name, replacing any previous tensor.
func (w *Workspace) SetTensor(name string, t *Tensor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.blobs[name] = t
}

// RemoveTensor drops the tensor registered under name, if any.
func (w *Workspace) RemoveTensor(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.blobs, name)
}

// Names returns the registered tensor names, sorted.
func (w *Workspace) Names() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	names := make([]string, 0, len(w.blobs))
	for name := range w.blobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Mapped is a read-only view over a parent store that resolves names through
// a substitution table before lookup. Names without an entry in the table
// resolve unchanged. The parent store is never mutated.
//
// It accounts for upstream passes that rename tensors (e.g. a
// memory-optimization rewrite): the view lets callers keep using the original
// names.
type Mapped struct {
	parent  Store
	mapping map[string]string
}

// NewMapped returns a view of parent where every lookup of a key in mapping
// is redirected to its substituted name.
func NewMapped(parent Store, mapping map[string]string) *Mapped {
	return &Mapped{parent: parent, mapping: mapping}
}

// GetTensor resolves name through the substitution table and looks the result
// up in the parent store.
func (m *Mapped) GetTensor(name string) (*Tensor, bool) {
	if substitute, found := m.mapping[name]; found {
		name = substitute
	}
	return m.parent.GetTensor(name)
}
