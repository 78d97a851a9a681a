package sync

import (
	"talus/kernel"
	"talus/kernel/kfmt"
)

var errAlreadyInitialized = &kernel.Error{Module: "sync", Message: "cell already initialized"}

// Once is a run-once cell: the first call to Init stores v and every later
// call returns errAlreadyInitialized. It guards one-shot bring-up steps
// (buddy zone registration, heap region registration) that must never
// silently re-run.
type Once[T any] struct {
	done  bool
	value T
}

// Init stores v the first time it is called. Subsequent calls fail.
func (o *Once[T]) Init(v T) *kernel.Error {
	if o.done {
		return errAlreadyInitialized
	}
	o.value = v
	o.done = true
	return nil
}

// Get returns the stored value and whether Init has ever succeeded.
func (o *Once[T]) Get() (T, bool) {
	return o.value, o.done
}

// MustGet returns the stored value, panicking via kfmt.Panic if Init was
// never called successfully.
func (o *Once[T]) MustGet() T {
	if !o.done {
		kfmt.Panic(&kernel.Error{Module: "sync", Message: "read of uninitialized Once cell"})
	}
	return o.value
}
