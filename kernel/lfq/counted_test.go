package lfq

import "testing"

func TestCountedPtrRoundTrip(t *testing.T) {
	n := &Node[int]{Payload: 42}

	var p countedPtr[int]
	p.store(n, 7)

	gotAddr, gotCounter := p.load()
	if gotAddr != n {
		t.Fatalf("load() addr = %p, want %p", gotAddr, n)
	}
	if gotCounter != 7 {
		t.Fatalf("load() counter = %d, want 7", gotCounter)
	}
}

func TestCountedPtrCASIncrementsCounter(t *testing.T) {
	n1 := &Node[int]{}
	n2 := &Node[int]{}

	var p countedPtr[int]
	p.store(n1, 0)

	if !p.casFrom(n1, 0, n2) {
		t.Fatal("expected CAS to succeed")
	}

	addr, counter := p.load()
	if addr != n2 {
		t.Fatalf("addr = %p, want %p", addr, n2)
	}
	if counter != 1 {
		t.Fatalf("counter = %d, want 1 (incremented on CAS)", counter)
	}

	// A stale (addr, counter) pair must fail even if addr still matches.
	if p.casFrom(n2, 0, n1) {
		t.Fatal("expected CAS with stale counter to fail")
	}
}

func TestCountedPtrNilAddr(t *testing.T) {
	var p countedPtr[int]
	p.store(nil, 3)

	addr, counter := p.load()
	if addr != nil {
		t.Fatalf("addr = %p, want nil", addr)
	}
	if counter != 3 {
		t.Fatalf("counter = %d, want 3", counter)
	}
}
