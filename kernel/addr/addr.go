// Package addr defines the two nominal 64-bit address types used throughout
// the kernel: PhysicalAddress and VirtualAddress. Keeping them as distinct
// types (rather than a shared uintptr) prevents a physical frame address from
// being passed where a virtual one is expected and vice-versa; the compiler
// rejects the mix-up at every call site.
package addr

import "talus/kernel/mem"

const (
	// PhysicalWidth is the number of architecturally significant bits in
	// a physical address on x86_64.
	PhysicalWidth = 52

	// VirtualWidth is the number of architecturally significant bits in
	// a canonical virtual address on x86_64. Bit 47 is sign-extended
	// through bit 63 to keep the address canonical.
	VirtualWidth = 48

	signExtendBit = 1 << (VirtualWidth - 1)
	signExtendTo  = ^uint64(0) << VirtualWidth
)

// PhysicalAddress identifies a byte of physical RAM.
type PhysicalAddress uint64

// VirtualAddress identifies a byte in a process' virtual address space. It is
// always stored in canonical form: bit 47 equals every bit from 48 to 63.
type VirtualAddress uint64

// PhysicalAddressFromUint64 truncates v to the architectural physical
// address width and wraps it.
func PhysicalAddressFromUint64(v uint64) PhysicalAddress {
	return PhysicalAddress(v & ((1 << PhysicalWidth) - 1))
}

// VirtualAddressFromUint64 sign-extends bit 47 of v and wraps the result so
// the returned value is always canonical.
func VirtualAddressFromUint64(v uint64) VirtualAddress {
	if v&signExtendBit != 0 {
		v |= signExtendTo
	} else {
		v &^= signExtendTo
	}
	return VirtualAddress(v)
}

// Uint64 returns the raw bit pattern of the address.
func (a PhysicalAddress) Uint64() uint64 { return uint64(a) }

// Uint64 returns the raw bit pattern of the address.
func (a VirtualAddress) Uint64() uint64 { return uint64(a) }

// Uintptr exposes the address as a Go pointer-sized integer, suitable for use
// with unsafe.Pointer conversions once it has been translated through an
// identity mapping offset.
func (a PhysicalAddress) Uintptr() uintptr { return uintptr(a) }

// Uintptr exposes the address as a Go pointer-sized integer.
func (a VirtualAddress) Uintptr() uintptr { return uintptr(a) }

// IsCanonical reports whether the virtual address has bit 47 correctly
// sign-extended through bit 63.
func (a VirtualAddress) IsCanonical() bool {
	return a == VirtualAddressFromUint64(uint64(a))
}

// AlignDown rounds a physical address down to the nearest multiple of
// align, which must be a power of two.
func (a PhysicalAddress) AlignDown(align uint64) PhysicalAddress {
	return PhysicalAddress(alignDown(uint64(a), align))
}

// AlignUp rounds a physical address up to the nearest multiple of align,
// which must be a power of two.
func (a PhysicalAddress) AlignUp(align uint64) PhysicalAddress {
	return PhysicalAddress(alignUp(uint64(a), align))
}

// AlignDown rounds a virtual address down to the nearest multiple of align,
// which must be a power of two. The result is re-canonicalised.
func (a VirtualAddress) AlignDown(align uint64) VirtualAddress {
	return VirtualAddressFromUint64(alignDown(uint64(a), align))
}

// AlignUp rounds a virtual address up to the nearest multiple of align,
// which must be a power of two. The result is re-canonicalised.
func (a VirtualAddress) AlignUp(align uint64) VirtualAddress {
	return VirtualAddressFromUint64(alignUp(uint64(a), align))
}

func alignDown(x, align uint64) uint64 {
	return x &^ (align - 1)
}

func alignUp(x, align uint64) uint64 {
	return alignDown(x+align-1, align)
}

// Add returns a+delta. For VirtualAddress the result is re-canonicalised,
// matching the source rule that every arithmetic result remains canonical.
func (a PhysicalAddress) Add(delta uint64) PhysicalAddress {
	return PhysicalAddressFromUint64(uint64(a) + delta)
}

// Add returns a+delta, re-canonicalised.
func (a VirtualAddress) Add(delta uint64) VirtualAddress {
	return VirtualAddressFromUint64(uint64(a) + delta)
}

// Sub returns a-b as a signed byte distance.
func (a PhysicalAddress) Sub(b PhysicalAddress) int64 {
	return int64(a) - int64(b)
}

// Sub returns a-b as a signed byte distance.
func (a VirtualAddress) Sub(b VirtualAddress) int64 {
	return int64(a) - int64(b)
}

// PageIndices holds the four 9-bit page-table indices decoded from a virtual
// address, ordered from level 4 (index 0) down to level 1 (index 3).
type PageIndices [4]uint16

const (
	pageIndexBits = 9
	pageIndexMask = (1 << pageIndexBits) - 1
)

// Indices decomposes the virtual address into its four page-table indices
// plus the 12-bit page offset.
func (a VirtualAddress) Indices() (idx PageIndices, offset uint64) {
	v := uint64(a)
	offset = v & (uint64(mem.PageSize) - 1)
	shift := uint(mem.PageShift)
	for i := 3; i >= 0; i-- {
		idx[i] = uint16((v >> shift) & pageIndexMask)
		shift += pageIndexBits
	}
	return idx, offset
}

// FromIndices reassembles a canonical virtual address from page-table
// indices and a page offset. It is the exact inverse of Indices.
func FromIndices(idx PageIndices, offset uint64) VirtualAddress {
	v := offset & (uint64(mem.PageSize) - 1)
	shift := uint(mem.PageShift)
	for i := 3; i >= 0; i-- {
		v |= uint64(idx[i]&pageIndexMask) << shift
		shift += pageIndexBits
	}
	return VirtualAddressFromUint64(v)
}
