// Package boot describes the handoff contract between the pre-kernel
// bootstrap stage and the kernel core. The pre-kernel stage sets up an
// identity mapping for all physical memory, locates its own footprint and
// the kernel image, walks the platform's memory map, and hands the result
// to kmain as an Info value so the physical memory manager can seed its
// buddy zones without probing any hardware itself.
package boot

import (
	"talus/kernel/addr"
	"talus/kernel/mem"
	"talus/kernel/mem/pmm"
)

// MemoryRegion describes a contiguous range of physical memory.
type MemoryRegion struct {
	Start addr.PhysicalAddress
	Size  uint64
}

// End returns the address one past the last byte of the region.
func (r MemoryRegion) End() addr.PhysicalAddress {
	return r.Start.Add(r.Size)
}

// Overlaps reports whether r and other share at least one byte.
func (r MemoryRegion) Overlaps(other MemoryRegion) bool {
	return r.Start < other.End() && other.Start < r.End()
}

// Info is the boot-handoff contract the pre-kernel stage hands to kmain.
type Info struct {
	// PhysicalMemoryOffset is the virtual address at which the pre-kernel
	// stage identity-mapped all of physical memory.
	PhysicalMemoryOffset uintptr

	// PreKernel, KernelCode and KernelStack are regions the pre-kernel
	// stage itself occupies. They are never handed out by the frame
	// allocator even though they typically fall inside a UsableMemory
	// region.
	PreKernel   MemoryRegion
	KernelCode  MemoryRegion
	KernelStack MemoryRegion

	// UsableMemory lists the physical memory ranges the platform reports
	// as free, before PreKernel, KernelCode and KernelStack have been
	// carved out of them. Call UsableRegions rather than reading this
	// slice directly.
	UsableMemory []MemoryRegion

	// KernelArguments and BootloaderName are optional diagnostic strings
	// supplied by the bootloader; either may be empty.
	KernelArguments string
	BootloaderName  string
}

// reserved returns the regions that must never be handed to the frame
// allocator even though the platform's memory map may call them usable.
func (i *Info) reserved() [3]MemoryRegion {
	return [3]MemoryRegion{i.PreKernel, i.KernelCode, i.KernelStack}
}

// subtract removes the part of region that reserved covers, returning the
// surviving piece(s). A reserved region straddling the middle of region
// splits it in two; one covering either end shrinks it; one covering it
// entirely removes it.
func subtract(region, reserved MemoryRegion) []MemoryRegion {
	if reserved.Size == 0 || !region.Overlaps(reserved) {
		return []MemoryRegion{region}
	}

	var out []MemoryRegion
	if reserved.Start > region.Start {
		out = append(out, MemoryRegion{Start: region.Start, Size: uint64(reserved.Start.Sub(region.Start))})
	}
	if reserved.End() < region.End() {
		out = append(out, MemoryRegion{Start: reserved.End(), Size: uint64(region.End().Sub(reserved.End()))})
	}
	return out
}

// UsableRegions returns UsableMemory with PreKernel, KernelCode and
// KernelStack carved out of it, so every returned region is entirely free
// for the frame allocator to manage.
func (i *Info) UsableRegions() []MemoryRegion {
	regions := append([]MemoryRegion(nil), i.UsableMemory...)

	for _, res := range i.reserved() {
		var next []MemoryRegion
		for _, r := range regions {
			next = append(next, subtract(r, res)...)
		}
		regions = next
	}

	return regions
}

// Zones constructs and initializes one pmm.Zone per usable memory region
// that is at least a page in size, with the reserved regions already
// carved out. The returned zones are ready for Allocate/Deallocate.
func (i *Info) Zones() []*pmm.Zone {
	regions := i.UsableRegions()
	zones := make([]*pmm.Zone, 0, len(regions))

	for _, r := range regions {
		if r.Size < uint64(mem.PageSize) {
			continue
		}

		z := pmm.NewZone(r.Start, r.Size, i.PhysicalMemoryOffset)
		z.Init()
		zones = append(zones, z)
	}

	return zones
}
