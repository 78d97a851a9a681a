package sched

import "sync/atomic"

// atomicID hands out monotonically increasing identifiers starting at 1;
// zero is reserved across the scheduler to mean "no thread".
type atomicID struct {
	value uint32
}

func (a *atomicID) next() ThreadID {
	return ThreadID(atomic.AddUint32(&a.value, 1))
}
