package pmm

import (
	"math"
	"math/bits"
	"talus/kernel/addr"
	"talus/kernel/bitmap"
	"talus/kernel/mem"
	"talus/kernel/sync"
	"unsafe"
)

// noHead marks an empty free list head. It reuses the same "all ones"
// sentinel convention as InvalidFrame.
const noHead = addr.PhysicalAddress(math.MaxUint64)

// levelState is the data one buddy level guards behind a single lock: the
// head of its doubly-linked free list (next/prev embedded at the start of
// each free block, dereferenced through the zone's identity-map offset) and
// a bitmap with one bit per block at this level. A bit is set exactly when
// the block is currently handed out to a caller, or was reserved as
// unaligned Init tail; it is clear in every other case, including while the
// block exists only as an unsplit part of a larger free block one level up.
type levelState struct {
	head addr.PhysicalAddress
	bits bitmap.Bitmap
}

type level struct {
	blockSize uint64
	lock      sync.InterruptSpinLock[levelState]
}

// Zone is a contiguous physical memory range managed by one buddy-allocator
// instance. Level k manages 2^(PageShift+k)-byte blocks.
type Zone struct {
	start        addr.PhysicalAddress
	size         uint64
	globalOffset uintptr
	levels       []*level
	available    uint64 // bytes currently free; adjusted only by Allocate/Deallocate
	availLock    sync.Spinlock
}

// nextPow2 returns the smallest power of two >= x, or 1 if x == 0.
func nextPow2(x uint64) uint64 {
	if x == 0 {
		return 1
	}
	return uint64(1) << bits.Len64(x-1)
}

// NewZone constructs (but does not initialize) a buddy allocator over
// [start, start+size). globalOffset is the virtual address at which physical
// memory is identity-mapped, used to dereference embedded free-list links.
func NewZone(start addr.PhysicalAddress, size uint64, globalOffset uintptr) *Zone {
	minBlock := uint64(mem.PageSize)
	maxBlock := nextPow2(size)
	if maxBlock < minBlock {
		maxBlock = minBlock
	}
	levelsCount := bits.Len64(maxBlock / minBlock)

	z := &Zone{
		start:        start,
		size:         size,
		globalOffset: globalOffset,
		levels:       make([]*level, levelsCount),
	}

	for k := 0; k < levelsCount; k++ {
		blockSize := minBlock << uint(k)
		count := (size + blockSize - 1) / blockSize
		lvl := &level{blockSize: blockSize}
		lvl.lock = *sync.NewInterruptSpinLock(levelState{
			head: noHead,
			bits: bitmap.New(uint(count)),
		})
		z.levels[k] = lvl
	}
	return z
}

// Init partitions the zone's range greedily into the largest aligned blocks
// that fit, pushing each onto the corresponding level's free list. A tail
// too small to form even one page is never added to any list, so it can
// never be handed out.
//
// Every level's bitmap is sized by ceil(size/blockSize), which for a zone
// size that isn't an exact multiple of a level's block size leaves that
// level with one more bit than the greedy cover ever pushes to a free
// list. Left clear, such a bit reads as "free" to deallocateOrder's buddy
// check even though the block it names was never linked onto any list (and
// may reach past the zone's end entirely). markUnalignedTailsUsed closes
// that gap once the cover is complete.
func (z *Zone) Init() {
	cursor := z.start
	remaining := z.size

	for remaining >= uint64(mem.PageSize) {
		k := z.bestLevelFor(cursor, remaining)
		blockSize := z.levels[k].blockSize

		g := z.levels[k].lock.Lock()
		g.With(func(s *levelState) {
			z.listPush(s, k, cursor)
		})
		g.Release()

		cursor = cursor.Add(blockSize)
		remaining -= blockSize
	}

	z.markUnalignedTailsUsed()

	z.availLock.Acquire()
	z.available = z.size - remaining
	z.availLock.Release()
}

// markUnalignedTailsUsed sets the bit of every level-k block that extends
// past z.start+z.size. Those blocks were never pushed to a free list by the
// greedy cover above, so leaving their bit clear would let deallocateOrder
// mistake them for a coalescable free buddy.
func (z *Zone) markUnalignedTailsUsed() {
	end := uint64(z.start) + z.size

	for k, lvl := range z.levels {
		blockSize := lvl.blockSize

		g := lvl.lock.Lock()
		g.With(func(s *levelState) {
			n := s.bits.Len()
			for idx := uint(0); idx < n; idx++ {
				blockEnd := uint64(z.addrOfIndex(idx, k)) + blockSize
				if blockEnd > end {
					s.bits.Set(idx)
				}
			}
		})
		g.Release()
	}
}

// bestLevelFor returns the highest level whose block size both divides the
// current cursor's alignment and fits within the remaining bytes.
func (z *Zone) bestLevelFor(cursor addr.PhysicalAddress, remaining uint64) int {
	for k := len(z.levels) - 1; k >= 0; k-- {
		blockSize := z.levels[k].blockSize
		if blockSize <= remaining && uint64(cursor)%blockSize == 0 {
			return k
		}
	}
	return 0
}

// Size returns the total size of the zone in bytes.
func (z *Zone) Size() uint64 { return z.size }

// Available returns the number of bytes currently free.
func (z *Zone) Available() uint64 {
	z.availLock.Acquire()
	defer z.availLock.Release()
	return z.available
}

func (z *Zone) orderFor(n uint64) (order int, actualSize uint64, ok bool) {
	if n == 0 {
		n = 1
	}
	actualSize = nextPow2(n)
	if actualSize < uint64(mem.PageSize) {
		actualSize = uint64(mem.PageSize)
	}
	for k, lvl := range z.levels {
		if lvl.blockSize == actualSize {
			return k, actualSize, true
		}
	}
	return 0, 0, false
}

// Allocate reserves a block of at least n bytes. The returned size is always
// the next power of two >= n (and >= one page).
func (z *Zone) Allocate(n uint64) (addr.PhysicalAddress, uint64, bool) {
	k, actualSize, ok := z.orderFor(n)
	if !ok {
		return 0, 0, false
	}

	a, ok := z.allocateOrder(k)
	if !ok {
		return 0, 0, false
	}

	z.availLock.Acquire()
	z.available -= actualSize
	z.availLock.Release()

	return a, actualSize, true
}

// AllocateZeroed behaves like Allocate but clears the returned block through
// the identity mapping before returning it.
func (z *Zone) AllocateZeroed(n uint64) (addr.PhysicalAddress, uint64, bool) {
	a, size, ok := z.Allocate(n)
	if !ok {
		return 0, 0, false
	}
	mem.Memset(uintptr(a)+z.globalOffset, 0, uintptr(size))
	return a, size, true
}

// Deallocate returns a previously allocated block of the given size to the
// zone. size must be the exact value returned by the matching Allocate call.
func (z *Zone) Deallocate(a addr.PhysicalAddress, size uint64) {
	k, actualSize, ok := z.orderFor(size)
	if !ok {
		return
	}

	z.deallocateOrder(a, k)

	z.availLock.Acquire()
	z.available += actualSize
	z.availLock.Release()
}

// allocateOrder pops a free block at level k, splitting higher levels as
// needed. It never touches z.available; callers adjust that once at the
// top-level order actually satisfied.
func (z *Zone) allocateOrder(k int) (addr.PhysicalAddress, bool) {
	if k >= len(z.levels) {
		return 0, false
	}

	lvl := z.levels[k]
	var result addr.PhysicalAddress
	var popped bool

	g := lvl.lock.Lock()
	g.With(func(s *levelState) {
		if a, ok := z.listPop(s); ok {
			s.bits.Set(z.index(a, k))
			result, popped = a, true
		}
	})
	g.Release()

	if popped {
		return result, true
	}

	parent, ok := z.allocateOrder(k + 1)
	if !ok {
		return 0, false
	}

	first := parent
	second := first.Add(lvl.blockSize)

	g = lvl.lock.Lock()
	g.With(func(s *levelState) {
		s.bits.Set(z.index(first, k))
		z.listPush(s, k, second)
	})
	g.Release()

	return first, true
}

// deallocateOrder clears a's bit at level k and either coalesces with a free
// buddy (recursing to k+1 while still holding level k's lock, so the lock
// stack from k upward is held for the full duration of the coalesce) or
// pushes a back onto level k's free list.
func (z *Zone) deallocateOrder(a addr.PhysicalAddress, k int) {
	if k >= len(z.levels) {
		return
	}

	lvl := z.levels[k]
	idx := z.index(a, k)

	g := lvl.lock.Lock()
	defer g.Release()

	var coalesce bool
	var buddyAddr addr.PhysicalAddress

	g.With(func(s *levelState) {
		s.bits.Clear(idx)
		bIdx := idx ^ 1

		canCoalesce := k+1 < len(z.levels) && bIdx < s.bits.Len() && !s.bits.Test(bIdx)
		if canCoalesce {
			buddyAddr = z.addrOfIndex(bIdx, k)
			z.listRemove(s, buddyAddr)
			coalesce = true
		} else {
			z.listPush(s, k, a)
		}
	})

	if coalesce {
		parent := a
		if idx&1 == 1 {
			parent = buddyAddr
		}
		z.deallocateOrder(parent, k+1)
	}
}

func (z *Zone) index(a addr.PhysicalAddress, k int) uint {
	return uint(uint64(a.Sub(z.start)) / z.levels[k].blockSize)
}

func (z *Zone) addrOfIndex(i uint, k int) addr.PhysicalAddress {
	return z.start.Add(uint64(i) * z.levels[k].blockSize)
}

// linked-list link layout: two consecutive uint64 words (next, prev) stored
// at the very start of a free block, accessed through the identity mapping.
func (z *Zone) linkPtr(a addr.PhysicalAddress) *[2]addr.PhysicalAddress {
	return (*[2]addr.PhysicalAddress)(unsafe.Pointer(uintptr(a) + z.globalOffset))
}

func (z *Zone) readLink(a addr.PhysicalAddress) (next, prev addr.PhysicalAddress) {
	l := z.linkPtr(a)
	return l[0], l[1]
}

func (z *Zone) writeLink(a addr.PhysicalAddress, next, prev addr.PhysicalAddress) {
	l := z.linkPtr(a)
	l[0], l[1] = next, prev
}

func (z *Zone) listPush(s *levelState, k int, a addr.PhysicalAddress) {
	oldHead := s.head
	z.writeLink(a, oldHead, noHead)
	if oldHead != noHead {
		oldNext, _ := z.readLink(oldHead)
		z.writeLink(oldHead, oldNext, a)
	}
	s.head = a
}

func (z *Zone) listPop(s *levelState) (addr.PhysicalAddress, bool) {
	if s.head == noHead {
		return 0, false
	}
	a := s.head
	next, _ := z.readLink(a)
	if next != noHead {
		nextNext, _ := z.readLink(next)
		z.writeLink(next, nextNext, noHead)
	}
	s.head = next
	return a, true
}

func (z *Zone) listRemove(s *levelState, a addr.PhysicalAddress) {
	next, prev := z.readLink(a)
	if prev == noHead {
		s.head = next
	} else {
		prevNext, prevPrev := z.readLink(prev)
		_ = prevNext
		z.writeLink(prev, next, prevPrev)
	}
	if next != noHead {
		nextNext, nextPrev := z.readLink(next)
		_ = nextPrev
		z.writeLink(next, nextNext, prev)
	}
}
