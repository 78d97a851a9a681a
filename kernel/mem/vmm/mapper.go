package vmm

import (
	"talus/kernel"
	"talus/kernel/addr"
	"talus/kernel/mem"
	"talus/kernel/mem/pmm"
	"unsafe"
)

var (
	errNotOwned          = &kernel.Error{Module: "vmm", Message: "page table entry is borrowed from another mapper"}
	errAlreadyMapped     = &kernel.Error{Module: "vmm", Message: "virtual address range is already mapped"}
	errOutOfFrames       = &kernel.Error{Module: "vmm", Message: "frame allocator could not satisfy mapping request"}
	errNotMapped         = &kernel.Error{Module: "vmm", Message: "virtual address range is not mapped"}
	errInconsistentRange = &kernel.Error{Module: "vmm", Message: "virtual address range has inconsistent mapping properties"}
)

// Properties describes the access rights a caller wants a virtual memory
// region to have. It deliberately mirrors the fields a caller of mmap/mprotect
// would supply rather than raw hardware page table bits.
type Properties struct {
	Readable   bool
	Writable   bool
	Executable bool
	User       bool
}

func (p Properties) flags() PageTableEntryFlag {
	var f PageTableEntryFlag
	if p.Readable {
		f |= FlagPresent
	}
	if p.Writable {
		f |= FlagRW
	}
	if p.User {
		f |= FlagUserAccessible
	}
	if !p.Executable {
		f |= FlagNoExecute
	}
	return f
}

func propertiesFromFlags(f PageTableEntryFlag) Properties {
	return Properties{
		Readable:   f.HasFlags(FlagPresent),
		Writable:   f.HasFlags(FlagRW),
		Executable: !f.HasFlags(FlagNoExecute),
		User:       f.HasFlags(FlagUserAccessible),
	}
}

// pageTable is one level of the 4-level x86_64 paging structure: 512
// 8-byte entries, dereferenced directly through a Mapper's identity
// mapping rather than the recursive self-map walk() uses.
type pageTable [512]pageTableEntry

// FrameDeallocatorFn returns a frame previously obtained from a
// FrameAllocatorFn back to the allocator it came from.
type FrameDeallocatorFn func(pmm.Frame)

// Mapper manages one independent level-4 page table tree. Unlike the
// package-level Map/Unmap functions, which always operate on the single
// currently active address space via the recursive self-map, a Mapper can
// describe any address space reachable through its global offset,
// including ones that are not currently loaded into CR3 — the shape needed
// once more than one task gets its own page tables.
//
// Ownership: every entry a Mapper creates is "owned" unless FlagBorrowed is
// set. A borrowed entry was installed by another Mapper and must never be
// torn down by this one; see ShareAll.
type Mapper struct {
	l4           addr.PhysicalAddress
	globalOffset uintptr
	frameAlloc   FrameAllocatorFn
	frameFree    FrameDeallocatorFn
}

// NewMapper constructs a Mapper over the page table tree rooted at l4.
// globalOffset is the virtual address at which all physical memory is
// identity-mapped, used to dereference page table frames. frameFree may be
// nil, in which case Unmap leaves the underlying frame allocated — the
// shape needed for mappings a Mapper does not own the backing memory of.
func NewMapper(l4 addr.PhysicalAddress, globalOffset uintptr, frameAlloc FrameAllocatorFn, frameFree FrameDeallocatorFn) *Mapper {
	return &Mapper{l4: l4, globalOffset: globalOffset, frameAlloc: frameAlloc, frameFree: frameFree}
}

func (m *Mapper) tableAt(phys addr.PhysicalAddress) *pageTable {
	return (*pageTable)(unsafe.Pointer(uintptr(phys) + m.globalOffset))
}

// ShareAll marks every entry currently present in the level-4 table as
// borrowed. It is used to publish a mapper's kernel-space mappings (which
// must never be torn down by a child address space) to every Mapper
// created afterwards via NewInheritedFromShared. Because borrowed memory is
// never freed, this leaks the marked entries for the lifetime of the
// process — acceptable only for mappings, such as the kernel's own, that
// are never meant to be torn down.
func (m *Mapper) ShareAll() {
	l4 := m.tableAt(m.l4)
	for i := range l4 {
		if !l4[i].HasFlags(FlagPresent) {
			continue
		}
		l4[i].SetFlags(FlagBorrowed)
	}
}

// NewInheritedFromShared creates a new Mapper with a freshly allocated level-4
// table whose entries are copied from this Mapper's table. Entries copied
// this way are implicitly borrowed, since both mappers now reference the
// same child tables and neither may free them unilaterally.
func (m *Mapper) NewInheritedFromShared() (*Mapper, *kernel.Error) {
	newL4Frame, err := m.frameAlloc()
	if err != nil {
		return nil, errOutOfFrames
	}

	newL4 := addr.PhysicalAddress(newL4Frame.Address())
	dst := m.tableAt(newL4)
	src := m.tableAt(m.l4)
	for i := range src {
		dst[i] = src[i]
		if dst[i].HasFlags(FlagPresent) {
			dst[i].SetFlags(FlagBorrowed)
		}
	}

	return NewMapper(newL4, m.globalOffset, m.frameAlloc, m.frameFree), nil
}

// navigateCtx describes one page table entry visited during a bounded
// traversal, along with the coordinates needed to identify it.
type navigateCtx struct {
	entry      *pageTableEntry
	depth      int // 0 == L4, 3 == L1 (the final, page-mapping level)
	entryIndex uint16
	page       addr.VirtualAddress // valid only when depth == pageLevels-1
}

// navigate walks the tree in ascending virtual-address order starting at
// start, visiting at most one entry per resident table at each of the (at
// most 4) levels, and descends into child tables as they are found. The
// traversal never recurses more than four levels deep: table stack depth
// is bounded by the fixed 4-level hardware format, matching navigate/
// navigate_mut's FixedVec<4, _> stack.
func (m *Mapper) navigate(start addr.VirtualAddress, pages uint64, visit func(navigateCtx) bool) {
	startIdx, _ := start.Indices()

	type frame struct {
		table *pageTable
		idx   [4]uint16
		depth int
	}

	var stack [4]frame
	depth := 0
	stack[0] = frame{table: m.tableAt(m.l4), idx: startIdx, depth: 0}
	depth = 1

	visited := uint64(0)
	for depth > 0 && visited < pages {
		top := &stack[depth-1]
		i := top.idx[top.depth]

		entry := &top.table[i]
		ctx := navigateCtx{entry: entry, depth: top.depth, entryIndex: i}

		isLastLevel := top.depth == pageLevels-1
		if isLastLevel {
			var path addr.PageIndices
			for d := 0; d <= top.depth; d++ {
				path[d] = stack[d].idx[d]
			}
			ctx.page = addr.FromIndices(path, 0)
		}

		if !visit(ctx) {
			return
		}
		if entry.HasFlags(FlagPresent) && !isLastLevel {
			child := m.tableAt(addr.PhysicalAddress(entry.Frame().Address()))
			var childIdx [4]uint16
			// While every enclosing index still equals start's, the child
			// table is entered at start's own index; any later child table
			// is entered at its first entry.
			onStartPath := true
			for d := 0; d <= top.depth; d++ {
				if stack[d].idx[d] != startIdx[d] {
					onStartPath = false
					break
				}
			}
			if onStartPath {
				childIdx[top.depth+1] = startIdx[top.depth+1]
			}
			stack[depth] = frame{table: child, idx: childIdx, depth: top.depth + 1}
			depth++
			continue
		}

		if isLastLevel {
			visited++
		}

		// Advance the innermost index, popping back up through the stack
		// on overflow exactly like a 4-digit, base-512 odometer.
		for depth > 0 {
			cur := &stack[depth-1]
			cur.idx[cur.depth]++
			if cur.idx[cur.depth] < 512 {
				break
			}
			cur.idx[cur.depth] = 0
			depth--
		}
	}
}

// mappedLeaf records a leaf entry installed by one call to Map, so a later
// failure within the same call can roll it back.
type mappedLeaf struct {
	entry *pageTableEntry
	frame pmm.Frame
	page  addr.VirtualAddress
}

// Map establishes a mapping for every page in [address, address+size) with
// the given properties, allocating backing frames and intermediate tables
// as needed. size is rounded up to a whole number of pages.
func (m *Mapper) Map(address addr.VirtualAddress, size uint64, props Properties) (uint64, *kernel.Error) {
	pages := (size + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
	flags := props.flags()

	var (
		mapErr    *kernel.Error
		mapped    uint64
		installed []mappedLeaf
	)

	m.navigate(address, pages, func(ctx navigateCtx) bool {
		if ctx.entry.HasFlags(FlagBorrowed) {
			mapErr = errNotOwned
			return false
		}

		if ctx.depth < pageLevels-1 {
			if !ctx.entry.HasFlags(FlagPresent) {
				frame, err := m.frameAlloc()
				if err != nil {
					mapErr = errOutOfFrames
					return false
				}
				*ctx.entry = 0
				ctx.entry.SetFrame(frame)
				ctx.entry.SetFlags(FlagPresent | FlagRW)
				mem.Memset(frame.Address()+m.globalOffset, 0, uintptr(mem.PageSize))
			}
			return true
		}

		if ctx.entry.HasFlags(FlagPresent) {
			mapErr = errAlreadyMapped
			return false
		}

		frame, err := m.frameAlloc()
		if err != nil {
			mapErr = errOutOfFrames
			return false
		}
		*ctx.entry = 0
		ctx.entry.SetFrame(frame)
		ctx.entry.SetFlags(flags)
		installed = append(installed, mappedLeaf{ctx.entry, frame, ctx.page})
		mapped++
		return true
	})

	if mapErr != nil {
		// Roll back every leaf entry this call installed before the
		// failure; the intermediate tables allocated along the way are
		// left in place, since a future Map over the same range can
		// reuse them.
		for _, leaf := range installed {
			leaf.entry.ClearFlags(FlagPresent)
			flushTLBEntryFn(leaf.page.Uintptr())
			if m.frameFree != nil {
				m.frameFree(leaf.frame)
			}
		}
		return 0, mapErr
	}
	return mapped * uint64(mem.PageSize), nil
}

// Unmap clears the mapping for every page in [address, address+size),
// flushing the TLB and freeing each owned frame back to the allocator. It
// refuses to touch a borrowed entry, since tearing one down would affect
// every Mapper sharing it.
func (m *Mapper) Unmap(address addr.VirtualAddress, size uint64) *kernel.Error {
	pages := (size + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)

	var opErr *kernel.Error
	m.navigate(address, pages, func(ctx navigateCtx) bool {
		if ctx.depth < pageLevels-1 {
			if !ctx.entry.HasFlags(FlagPresent) {
				opErr = errNotMapped
				return false
			}
			return true
		}

		if ctx.entry.HasFlags(FlagBorrowed) {
			opErr = errNotOwned
			return false
		}
		if !ctx.entry.HasFlags(FlagPresent) {
			opErr = errNotMapped
			return false
		}

		freed := ctx.entry.Frame()
		ctx.entry.ClearFlags(FlagPresent)
		flushTLBEntryFn(ctx.page.Uintptr())
		if m.frameFree != nil {
			m.frameFree(freed)
		}
		return true
	})

	return opErr
}

// Drop releases every owned frame reachable from the level-4 table,
// including the intermediate page-table frames themselves, and finally the
// level-4 frame. Borrowed entries are left untouched, since this Mapper does
// not own the memory or tables behind them. After Drop returns, m must not
// be used again.
func (m *Mapper) Drop() {
	m.dropTable(m.l4, 0)
	if m.frameFree != nil {
		m.frameFree(pmm.FrameFromAddress(uintptr(m.l4)))
	}
}

// dropTable recursively frees the owned children of the table at phys, then
// the owned leaf frames it maps directly, without freeing phys itself — the
// caller owns that frame and frees it once its children are gone.
func (m *Mapper) dropTable(phys addr.PhysicalAddress, depth int) {
	table := m.tableAt(phys)
	isLastLevel := depth == pageLevels-1

	for i := range table {
		entry := &table[i]
		if !entry.HasFlags(FlagPresent) || entry.HasFlags(FlagBorrowed) {
			continue
		}

		frame := entry.Frame()
		if !isLastLevel {
			m.dropTable(addr.PhysicalAddress(frame.Address()), depth+1)
		}
		if m.frameFree != nil {
			m.frameFree(frame)
		}
	}
}

// EffectiveProperties reports the access properties shared by every page in
// [address, address+size). It returns errInconsistentRange if the pages in
// the range do not all carry the same properties.
func (m *Mapper) EffectiveProperties(address addr.VirtualAddress, size uint64) (Properties, *kernel.Error) {
	pages := (size + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)

	var (
		result    Properties
		haveFirst bool
		opErr     *kernel.Error
	)

	m.navigate(address, pages, func(ctx navigateCtx) bool {
		if ctx.depth < pageLevels-1 {
			if !ctx.entry.HasFlags(FlagPresent) {
				opErr = errNotMapped
				return false
			}
			return true
		}

		if !ctx.entry.HasFlags(FlagPresent) {
			opErr = errNotMapped
			return false
		}

		props := propertiesFromFlags(PageTableEntryFlag(*ctx.entry))
		if !haveFirst {
			result, haveFirst = props, true
			return true
		}
		if props != result {
			opErr = errInconsistentRange
			return false
		}
		return true
	})

	if opErr != nil {
		return Properties{}, opErr
	}
	return result, nil
}
