package naming

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyBound is returned by localBackend.Bind when path already
// holds an object and force is false.
var ErrAlreadyBound = errors.New("naming: already bound")

// localContext is one node of the in-memory naming-context tree: a
// context may hold bound objects and child contexts, created on
// demand as a path is bound.
type localContext struct {
	children map[string]*localContext
	bound    ObjectRef
	isBound  bool
}

func newLocalContext() *localContext {
	return &localContext{children: make(map[string]*localContext)}
}

// localBackend is a Backend implementing the hierarchical naming
// tree directly in memory, with no external broker process. It is
// registered under the "local" scheme and serves as the default when
// no naming.type backend is configured, and as the fixture used
// to exercise Manager's fan-out logic in tests.
type localBackend struct {
	mu   sync.Mutex
	root *localContext
}

// NewLocalBackend returns a Backend usable as a standalone naming
// service requiring no external process. address is accepted for
// BackendFactory compatibility and ignored.
func NewLocalBackend(address string) (Backend, error) {
	return &localBackend{root: newLocalContext()}, nil
}

func init() {
	RegisterBackendFactory("local", NewLocalBackend)
}

func (b *localBackend) Close() error { return nil }

func (b *localBackend) Bind(_ context.Context, path []string, ref ObjectRef, force bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.root
	for _, seg := range path[:len(path)-1] {
		next, ok := cur.children[seg]
		if !ok {
			next = newLocalContext()
			cur.children[seg] = next
		}
		cur = next
	}

	leaf := path[len(path)-1]
	child, ok := cur.children[leaf]
	if !ok {
		child = newLocalContext()
		cur.children[leaf] = child
	}
	if child.isBound && !force {
		return ErrAlreadyBound
	}
	child.bound = ref
	child.isBound = true
	return nil
}

func (b *localBackend) Unbind(_ context.Context, path []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.root
	for _, seg := range path[:len(path)-1] {
		next, ok := cur.children[seg]
		if !ok {
			return nil
		}
		cur = next
	}
	if child, ok := cur.children[path[len(path)-1]]; ok {
		child.isBound = false
		child.bound = nil
	}
	return nil
}

// Resolve looks up the object bound at path directly against this
// backend's tree, for standalone tests of localBackend itself.
func (b *localBackend) Resolve(path []string) (ObjectRef, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.root
	for _, seg := range path {
		next, ok := cur.children[seg]
		if !ok {
			return nil, false
		}
		cur = next
	}
	if !cur.isBound {
		return nil, false
	}
	return cur.bound, true
}
