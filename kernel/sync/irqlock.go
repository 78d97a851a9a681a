package sync

import "talus/kernel/irq"

// InterruptSpinLock composes an interrupt Guard with a SpinLock: "take the
// guard, then the lock". This is the idiom the kernel uses everywhere a lock
// may be touched from both task and interrupt context, preventing the
// classic deadlock where an ISR on the same CPU re-enters a lock already
// held by the code it interrupted.
type InterruptSpinLock[T any] struct {
	inner SpinLock[T]
}

// NewInterruptSpinLock returns an InterruptSpinLock initialised with v.
func NewInterruptSpinLock[T any](v T) *InterruptSpinLock[T] {
	return &InterruptSpinLock[T]{inner: SpinLock[T]{value: v}}
}

// InterruptGuard grants exclusive, interrupt-safe access to the protected
// value. Release must be called exactly once; it always releases the spin
// lock before restoring the prior interrupt-enable state.
type InterruptGuard[T any] struct {
	irqGuard irq.Guard
	inner    *Guard[T]
}

// Lock disables interrupts, then acquires the underlying spin lock.
func (l *InterruptSpinLock[T]) Lock() *InterruptGuard[T] {
	g := irq.Acquire()
	return &InterruptGuard[T]{irqGuard: g, inner: l.inner.Lock()}
}

// Get returns the current value of the protected cell.
func (g *InterruptGuard[T]) Get() T { return g.inner.Get() }

// Set replaces the value of the protected cell.
func (g *InterruptGuard[T]) Set(v T) { g.inner.Set(v) }

// With gives f temporary access to a pointer at the protected value.
func (g *InterruptGuard[T]) With(f func(*T)) { g.inner.With(f) }

// Release unlocks the spin lock and then restores the prior interrupt-enable
// state, in that order, so the lock is never held with interrupts enabled.
func (g *InterruptGuard[T]) Release() {
	g.inner.Release()
	g.irqGuard.Release()
}
