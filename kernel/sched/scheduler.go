// Package sched implements the kernel's priority run-queue scheduler: a
// fixed number of unbounded lock-free run queues (kernel/lfq), a two-queue
// thread-node allocation scheme that reuses retired nodes before leaking new
// ones, and the per-CPU current-thread bookkeeping the timer ISR drives on
// every tick.
package sched

import (
	"sync/atomic"
	"talus/kernel"
	"talus/kernel/lfq"
	"talus/kernel/percpu"
	"talus/kernel/sync"
)

const (
	// MaxThreads bounds how many Thread node allocations the leaked-to-
	// static-storage scheme will make before Spawn/CurrentAsThread start
	// failing with ThreadLimit; retired nodes remain reusable past the cap.
	MaxThreads uint32 = 1024 * 10

	// PriorityLevels is the number of run queues threads are distributed
	// across.
	PriorityLevels = 8
)

// Scheduler holds one fixed set of priority run queues and the per-CPU
// current-thread state for every CPU it was initialised for. The zero
// Scheduler is not usable; construct one with NewScheduler and call Init
// exactly once before use.
type Scheduler struct {
	idAlloc atomicID

	priorityLevels int
	maxThreads     uint32

	runQueues sync.Once[[]*lfq.Queue[Thread]]
	retired   sync.Once[*lfq.Queue[Thread]]

	allocatedThreads   uint32
	allocationExceeded uint32

	currentThread   sync.Once[*percpu.Cell[sync.InterruptSpinLock[*lfq.Node[Thread]]]]
	currentThreadID sync.Once[*percpu.Cell[uint32]]
}

// NewScheduler constructs a Scheduler with priorityLevels run queues, each
// leaking at most maxThreads thread nodes combined before refusing further
// allocation. Init must still be called before the scheduler can be used.
func NewScheduler(priorityLevels int, maxThreads uint32) *Scheduler {
	return &Scheduler{priorityLevels: priorityLevels, maxThreads: maxThreads}
}

// New constructs a Scheduler using the package's default PriorityLevels and
// MaxThreads.
func New() *Scheduler {
	return NewScheduler(PriorityLevels, MaxThreads)
}

// Init allocates the run queues, the retired-node queue, and the per-CPU
// current-thread cells for cpuCount CPUs. It must be called exactly once;
// a second call returns an error rather than silently re-running.
func (s *Scheduler) Init(cpuCount uint) *kernel.Error {
	queues := make([]*lfq.Queue[Thread], s.priorityLevels)
	for i := range queues {
		queues[i] = lfq.NewQueue[Thread](lfq.NewNode[Thread]())
	}
	if err := s.runQueues.Init(queues); err != nil {
		return err
	}
	if err := s.retired.Init(lfq.NewQueue[Thread](lfq.NewNode[Thread]())); err != nil {
		return err
	}
	if err := s.currentThread.Init(percpu.NewCell[sync.InterruptSpinLock[*lfq.Node[Thread]]](cpuCount)); err != nil {
		return err
	}
	if err := s.currentThreadID.Init(percpu.NewCell[uint32](cpuCount)); err != nil {
		return err
	}
	return nil
}

// SpawnThread allocates a new thread id, attaches context as its initial
// saved CPU state, and pushes it onto the run queue for priority. The thread
// records the calling CPU's current thread, if any, as its spawner.
func (s *Scheduler) SpawnThread(priority ThreadPriority, context Context) (ThreadID, *kernel.Error) {
	id := s.idAlloc.next()

	node, err := s.allocateThread(id, s.currentThreadIDOrZero(), priority, context)
	if err != nil {
		return 0, err
	}
	s.scheduleNode(node)
	return id, nil
}

// CurrentAsThread promotes the code currently executing on this CPU into a
// schedulable thread, returning its freshly allocated id. It fails with
// SlotTaken if this CPU already has a current thread.
func (s *Scheduler) CurrentAsThread(priority ThreadPriority) (ThreadID, *kernel.Error) {
	id := s.idAlloc.next()

	guard := s.currentThread.MustGet().Get().Lock()
	defer guard.Release()

	idSlot := s.currentThreadID.MustGet().Get()
	if !atomic.CompareAndSwapUint32(idSlot, 0, id) {
		return 0, errSlotTaken
	}

	// Unlike SpawnThread, a promoted context has no spawner: it was
	// already running rather than launched by another thread.
	node, err := s.allocateThread(id, 0, priority, Context{})
	if err != nil {
		return 0, err
	}

	guard.Set(node)
	return id, nil
}

// NextCtx is called from the timer ISR with the interrupted CPU state
// already captured in current. If a thread was running on this CPU, its
// state is saved and it is returned to the back of its priority queue.
// The highest-priority non-empty queue's head then becomes the new current
// thread, and its saved context is returned. If every queue is empty,
// NextCtx reports false and the ISR should keep running the interrupted
// context unchanged.
func (s *Scheduler) NextCtx(current Context) (Context, bool) {
	guard := s.currentThread.MustGet().Get().Lock()
	defer guard.Release()

	if node := guard.Get(); node != nil {
		node.Payload.saveContext(current)
		s.scheduleNode(node)
	}

	next, ok := s.nextNode()
	if !ok {
		guard.Set(nil)
		return Context{}, false
	}

	guard.Set(next)
	return next.Payload.Context(), true
}

func (s *Scheduler) currentThreadIDOrZero() ThreadID {
	return atomic.LoadUint32(s.currentThreadID.MustGet().Get())
}

func (s *Scheduler) scheduleNode(node *lfq.Node[Thread]) {
	idx := priorityIndex(node.Payload.priority, s.priorityLevels)
	s.runQueues.MustGet()[idx].Push(node)
}

func (s *Scheduler) nextNode() (*lfq.Node[Thread], bool) {
	for _, q := range s.runQueues.MustGet() {
		if node, ok := q.Pop(); ok {
			return node, true
		}
	}
	return nil, false
}

// allocateThread reuses a retired node if one is available, otherwise leaks
// a new one under the maxThreads cap.
func (s *Scheduler) allocateThread(id, spawnedBy ThreadID, priority ThreadPriority, context Context) (*lfq.Node[Thread], *kernel.Error) {
	thread := Thread{id: id, spawnedBy: spawnedBy, priority: priority, context: context}

	if node, ok := s.retired.MustGet().Pop(); ok {
		node.Payload = thread
		return node, nil
	}

	if atomic.LoadUint32(&s.allocationExceeded) != 0 {
		return nil, errThreadLimit
	}

	if atomic.AddUint32(&s.allocatedThreads, 1) > s.maxThreads {
		atomic.StoreUint32(&s.allocationExceeded, 1)
		return nil, errThreadLimit
	}

	node := lfq.NewNode[Thread]()
	node.Payload = thread
	return node, nil
}

// priorityIndex maps a thread priority onto a run-queue index: higher
// priority maps to a lower index, and indices computed past the last queue
// (possible because step is HighestPriority/levels rounded down: with 8
// levels, priority 0 gives 255/31 = 8) clamp to it.
func priorityIndex(priority ThreadPriority, levels int) int {
	step := int(HighestPriority) / levels
	idx := (int(HighestPriority) - int(priority)) / step
	if idx >= levels {
		idx = levels - 1
	}
	return idx
}
