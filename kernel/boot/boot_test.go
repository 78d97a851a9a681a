package boot

import (
	"reflect"
	"talus/kernel/addr"
	"talus/kernel/mem"
	"testing"
)

func region(start, size uint64) MemoryRegion {
	return MemoryRegion{Start: addr.PhysicalAddress(start), Size: size}
}

func TestMemoryRegionOverlaps(t *testing.T) {
	specs := []struct {
		a, b MemoryRegion
		exp  bool
	}{
		{region(0, 0x1000), region(0x1000, 0x1000), false},
		{region(0, 0x2000), region(0x1000, 0x1000), true},
		{region(0x1000, 0x1000), region(0, 0x2000), true},
		{region(0, 0x1000), region(0x2000, 0x1000), false},
	}

	for specIndex, spec := range specs {
		if got := spec.a.Overlaps(spec.b); got != spec.exp {
			t.Errorf("[spec %d] expected overlap=%v; got %v", specIndex, spec.exp, got)
		}
	}
}

func TestSubtract(t *testing.T) {
	specs := []struct {
		region, reserved MemoryRegion
		exp              []MemoryRegion
	}{
		// no overlap: region survives untouched
		{region(0, 0x1000), region(0x1000, 0x1000), []MemoryRegion{region(0, 0x1000)}},
		// reserved covers the region exactly: nothing survives
		{region(0x1000, 0x1000), region(0x1000, 0x1000), nil},
		// reserved covers the head: tail survives
		{region(0, 0x3000), region(0, 0x1000), []MemoryRegion{region(0x1000, 0x2000)}},
		// reserved covers the tail: head survives
		{region(0, 0x3000), region(0x2000, 0x1000), []MemoryRegion{region(0, 0x2000)}},
		// reserved sits in the middle: both ends survive
		{region(0, 0x3000), region(0x1000, 0x1000), []MemoryRegion{region(0, 0x1000), region(0x2000, 0x1000)}},
		// zero-size reserved region is a no-op
		{region(0, 0x1000), region(0x500, 0), []MemoryRegion{region(0, 0x1000)}},
	}

	for specIndex, spec := range specs {
		got := subtract(spec.region, spec.reserved)
		if !reflect.DeepEqual(got, spec.exp) {
			t.Errorf("[spec %d] expected %+v; got %+v", specIndex, spec.exp, got)
		}
	}
}

func TestInfoUsableRegions(t *testing.T) {
	info := &Info{
		PreKernel:   region(0x1000, 0x1000),
		KernelCode:  region(0x10000, 0x2000),
		KernelStack: region(0x20000, 0x1000),
		UsableMemory: []MemoryRegion{
			region(0, 0x30000),
		},
	}

	got := info.UsableRegions()
	exp := []MemoryRegion{
		region(0, 0x1000),
		region(0x2000, 0xe000),
		region(0x12000, 0xe000),
		region(0x21000, 0xf000),
	}

	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("expected %+v; got %+v", exp, got)
	}
}

func TestInfoUsableRegionsNoReserved(t *testing.T) {
	info := &Info{
		UsableMemory: []MemoryRegion{
			region(0, 0x1000),
			region(0x10000, 0x1000),
		},
	}

	got := info.UsableRegions()
	exp := info.UsableMemory

	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("expected %+v; got %+v", exp, got)
	}
}

func TestInfoZones(t *testing.T) {
	info := &Info{
		PhysicalMemoryOffset: 0xffff800000000000,
		PreKernel:            region(0x1000, 0x1000),
		UsableMemory: []MemoryRegion{
			region(0, uint64(4*mem.Mb)),
			region(uint64(8*mem.Mb), uint64(mem.PageSize)/2), // smaller than a page, dropped
		},
	}

	zones := info.Zones()
	if len(zones) != 2 {
		t.Fatalf("expected 2 zones (the sub-page region is dropped); got %d", len(zones))
	}

	var total uint64
	for _, z := range zones {
		total += z.Available()
	}

	// The PreKernel region (one page) is carved out of the first zone, so
	// the total available space is one page short of the 4MB region.
	expAvailable := uint64(4*mem.Mb) - uint64(mem.PageSize)
	if total != expAvailable {
		t.Fatalf("expected %d bytes available across zones; got %d", expAvailable, total)
	}
}
