package dmabuf

import (
	"container/list"
	"sync"
)

// The process-wide registry of live buffers. The registry lock guards list
// membership only and is held for O(1) spans; it does not protect any
// buffer's reference count, which is why iteration must use tryGet.
var registry = struct {
	mu   sync.Mutex
	list *list.List
}{list: list.New()}

func registryAdd(b *Buffer) {
	registry.mu.Lock()
	b.elem = registry.list.PushBack(b)
	registry.mu.Unlock()
}

func registryDel(b *Buffer) {
	if b == nil {
		return
	}
	registry.mu.Lock()
	if b.elem != nil {
		registry.list.Remove(b.elem)
		b.elem = nil
	}
	registry.mu.Unlock()
}

// IterBegin returns the first live buffer in the registry, in insertion
// order, with its reference count elevated; buffers already mid-teardown are
// skipped. Callers must release the reference, either by continuing with
// IterNext or with Put. Returns nil when no live buffer exists.
func IterBegin() *Buffer {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	// The registry lock does not protect a buffer's refcount, so it can
	// drop to zero while we are iterating; tryGet is the only safe way to
	// acquire a reference here.
	for e := registry.list.Front(); e != nil; e = e.Next() {
		b := e.Value.(*Buffer)
		if b.tryGet() {
			return b
		}
	}
	return nil
}

// IterNext releases the caller's reference on cur and returns the next live
// buffer with its reference count elevated, or nil at the end of the
// registry. The same release contract as IterBegin applies.
func IterNext(cur *Buffer) *Buffer {
	if cur == nil {
		return nil
	}

	registry.mu.Lock()
	var next *Buffer
	// The caller's reference keeps cur registered, so its linkage is valid
	// as a cursor even though other entries may vanish concurrently.
	for e := cur.elem.Next(); e != nil; e = e.Next() {
		b := e.Value.(*Buffer)
		if b.tryGet() {
			next = b
			break
		}
	}
	registry.mu.Unlock()

	// Dropping cur after releasing the registry lock: a final Put re-enters
	// the registry to unlink.
	cur.Put()
	return next
}

// Count returns the number of registered buffers, including any mid-teardown.
// Diagnostic only.
func Count() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return registry.list.Len()
}
