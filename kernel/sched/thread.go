package sched

// ThreadID identifies a thread. Zero means "no thread".
type ThreadID = uint32

// ThreadPriority ranks a thread's scheduling priority; higher values are
// served first.
type ThreadPriority = uint8

const (
	LowestPriority  ThreadPriority = 0
	HighestPriority ThreadPriority = 255
)

// Thread is one schedulable unit of execution: a saved CPU context plus the
// bookkeeping the scheduler needs to place it back on a run queue.
type Thread struct {
	id        ThreadID
	spawnedBy ThreadID
	priority  ThreadPriority
	context   Context
}

// ID returns the thread's identifier.
func (t *Thread) ID() ThreadID { return t.id }

// SpawnedBy reports the identifier of the thread that spawned this one, or
// false if it was promoted from a running CPU context instead of spawned.
func (t *Thread) SpawnedBy() (ThreadID, bool) {
	return t.spawnedBy, t.spawnedBy != 0
}

// Priority returns the thread's scheduling priority.
func (t *Thread) Priority() ThreadPriority { return t.priority }

func (t *Thread) saveContext(ctx Context) { t.context = ctx }

// Context returns the thread's most recently saved CPU context.
func (t *Thread) Context() Context { return t.context }
