// Package percpu stores values that must never be shared across CPUs, such
// as the scheduler's current-thread cell. On the single-core build targeted
// by this kernel the backing array always has length 1; the CPU identifier
// plumbing exists so a future SMP build only needs to grow the array and
// supply a real identifier source.
package percpu

// IDFn returns the identifier of the CPU executing the calling goroutine.
// It is replaced wholesale on an SMP build; the default always reports CPU 0.
var IDFn = func() uint { return 0 }

// Cell holds one T per CPU.
type Cell[T any] struct {
	values []T
}

// NewCell allocates a Cell sized for n CPUs, each initialised to the zero
// value of T.
func NewCell[T any](n uint) *Cell[T] {
	return &Cell[T]{values: make([]T, n)}
}

// Get returns a pointer to the calling CPU's slot.
func (c *Cell[T]) Get() *T {
	return &c.values[IDFn()]
}

// GetFor returns a pointer to the slot belonging to the given CPU id.
func (c *Cell[T]) GetFor(cpu uint) *T {
	return &c.values[cpu]
}

// Len returns the number of CPU slots backing this cell.
func (c *Cell[T]) Len() int {
	return len(c.values)
}
