// Package heap implements the kernel's general-purpose byte allocator: a
// first-fit free list whose nodes live inside the free memory they describe,
// the same approach gopheros' frame allocator uses for its own free lists.
package heap

import (
	"talus/kernel/sync"
	"unsafe"
)

// freeNode occupies the first bytes of every free region. size includes the
// node header itself.
type freeNode struct {
	size uintptr
	next *freeNode
}

const nodeSize = unsafe.Sizeof(freeNode{})
const nodeAlign = unsafe.Alignof(freeNode{})

func nodeAt(addr uintptr) *freeNode {
	return (*freeNode)(unsafe.Pointer(addr))
}

func (n *freeNode) start() uintptr { return uintptr(unsafe.Pointer(n)) }
func (n *freeNode) end() uintptr   { return n.start() + n.size }

// fit reports the address at which an allocation of size bytes aligned to
// align would start within n, or ok=false if it doesn't fit. An allocation
// is also rejected if it would leave a remainder too small to host another
// freeNode, since that remainder could never be reinserted into the list.
func (n *freeNode) fit(size, align uintptr) (start uintptr, ok bool) {
	start = alignUp(n.start(), align)
	end := start + size
	if end > n.end() {
		return 0, false
	}
	excess := n.end() - end
	if excess > 0 && excess < nodeSize {
		return 0, false
	}
	return start, true
}

func alignUp(x, align uintptr) uintptr {
	return (x + align - 1) &^ (align - 1)
}

// Heap is a lock-protected first-fit allocator. The zero Heap has no backing
// storage and fails every allocation until AddBacking is called.
type Heap struct {
	head      sync.InterruptSpinLock[*freeNode]
	totalSize uintptr
	sizeLock  sync.Spinlock
}

// New returns an empty Heap with no backing memory.
func New() *Heap {
	return &Heap{head: *sync.NewInterruptSpinLock[*freeNode](nil)}
}

// AddBacking donates [base, base+size) to the heap as free memory. The
// region is aligned up to freeNode's alignment and shrunk accordingly; the
// caller must not touch the donated range again once this returns.
func (h *Heap) AddBacking(base, size uintptr) {
	offset := base % nodeAlign
	if offset != 0 {
		adjust := nodeAlign - offset
		base += adjust
		size -= adjust
	}
	if size < nodeSize {
		return
	}

	h.sizeLock.Acquire()
	h.totalSize += size
	h.sizeLock.Release()

	h.addFreeRegion(base, size)
}

// addFreeRegion links [addr, addr+size) back into the free list, merging it
// with the current head if the two happen to be adjacent in memory.
func (h *Heap) addFreeRegion(addr, size uintptr) {
	g := h.head.Lock()
	defer g.Release()

	node := nodeAt(addr)
	node.size = size
	node.next = g.Get()

	if node.next != nil && node.end() == node.next.start() {
		node.size += node.next.size
		node.next = node.next.next
	}

	g.Set(node)
}

// sizeAlign enforces the allocator's minimum block size and alignment so
// every live and free region can always host a freeNode header.
func sizeAlign(size, align uintptr) (uintptr, uintptr) {
	if align < nodeAlign {
		align = nodeAlign
	}
	size = alignUp(size, align)
	if size < nodeSize {
		size = nodeSize
	}
	return size, align
}

// BackingSize returns the total number of bytes ever donated via AddBacking.
func (h *Heap) BackingSize() uintptr {
	h.sizeLock.Acquire()
	defer h.sizeLock.Release()
	return h.totalSize
}

// Alloc reserves size bytes aligned to align and returns their address, or
// ok=false if no free region was large enough.
func (h *Heap) Alloc(size, align uintptr) (uintptr, bool) {
	size, align = sizeAlign(size, align)

	g := h.head.Lock()

	var prev *freeNode
	cur := g.Get()
	for cur != nil {
		start, ok := cur.fit(size, align)
		if ok {
			next := cur.next
			if prev == nil {
				g.Set(next)
			} else {
				prev.next = next
			}

			allocEnd := start + size
			excess := cur.end() - allocEnd
			g.Release()
			if excess > 0 {
				h.addFreeRegion(allocEnd, excess)
			}
			return start, true
		}
		prev, cur = cur, cur.next
	}

	g.Release()
	return 0, false
}

// Free returns a previously allocated block to the heap. size and align must
// match the values passed to the matching Alloc call.
func (h *Heap) Free(ptr, size, align uintptr) {
	size, align = sizeAlign(size, align)
	h.addFreeRegion(ptr, size)
}
