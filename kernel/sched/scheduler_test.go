package sched

import "testing"

func newTestScheduler(t *testing.T, priorityLevels int, maxThreads uint32) *Scheduler {
	t.Helper()
	s := NewScheduler(priorityLevels, maxThreads)
	if err := s.Init(1); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return s
}

func markedContext(marker uint64) Context {
	var c Context
	c.Regs.RAX = marker
	return c
}

func TestSchedulerTwoThreadTick(t *testing.T) {
	s := newTestScheduler(t, PriorityLevels, MaxThreads)

	ctxA := markedContext(0xA)
	ctxB := markedContext(0xB)

	if _, err := s.SpawnThread(10, ctxA); err != nil {
		t.Fatalf("spawn A failed: %v", err)
	}
	if _, err := s.SpawnThread(10, ctxB); err != nil {
		t.Fatalf("spawn B failed: %v", err)
	}

	// First tick: nothing was current on this CPU yet, so the first thread
	// pushed (A) is popped and its original spawn-time context returned.
	got, ok := s.NextCtx(markedContext(0xC0))
	if !ok || got != ctxA {
		t.Fatalf("tick 1: expected A (%+v), got ok=%v ctx=%+v", ctxA, ok, got)
	}

	// Second tick: A is preempted with a fresh dummy context (saved into A's
	// node and requeued behind B), and B — never yet preempted — returns its
	// own original spawn-time context.
	dummy2 := markedContext(0xD2)
	got, ok = s.NextCtx(dummy2)
	if !ok || got != ctxB {
		t.Fatalf("tick 2: expected B (%+v), got ok=%v ctx=%+v", ctxB, ok, got)
	}

	// Third tick: B is preempted and requeued, and A comes back around with
	// whatever was saved into it at tick 2 — the dummy context passed there.
	got, ok = s.NextCtx(markedContext(0xD3))
	if !ok || got != dummy2 {
		t.Fatalf("tick 3: expected A's saved context (%+v), got ok=%v ctx=%+v", dummy2, ok, got)
	}
}

func TestSchedulerPriorityPreemptsLowerUntilAbsent(t *testing.T) {
	s := newTestScheduler(t, PriorityLevels, MaxThreads)

	if _, err := s.SpawnThread(200, markedContext(1)); err != nil {
		t.Fatalf("spawn high failed: %v", err)
	}
	if _, err := s.SpawnThread(10, markedContext(2)); err != nil {
		t.Fatalf("spawn low failed: %v", err)
	}

	// High priority's queue is checked before low's on every tick, so high
	// keeps winning the CPU back regardless of the content it is carrying.
	if _, ok := s.NextCtx(markedContext(100)); !ok {
		t.Fatalf("tick 1: expected a thread to run")
	}
	if _, ok := s.NextCtx(markedContext(101)); !ok {
		t.Fatalf("tick 2: expected a thread to run")
	}

	// Simulate the high-priority thread becoming absent (e.g. blocked) by
	// taking it off the per-CPU current-thread cell without requeuing it.
	guard := s.currentThread.MustGet().Get().Lock()
	guard.Set(nil)
	guard.Release()

	// The low-priority thread, never preempted until now, still carries its
	// original spawn-time context.
	got, ok := s.NextCtx(markedContext(999))
	if !ok {
		t.Fatalf("expected low-priority thread to run once high is absent")
	}
	if got.Regs.RAX != 2 {
		t.Fatalf("expected low-priority thread's context; got %+v", got)
	}
}

func TestSchedulerFIFOWithinLevel(t *testing.T) {
	s := newTestScheduler(t, PriorityLevels, MaxThreads)

	for i := uint64(0); i < 4; i++ {
		if _, err := s.SpawnThread(50, markedContext(i)); err != nil {
			t.Fatalf("spawn %d failed: %v", i, err)
		}
	}

	for i := uint64(0); i < 4; i++ {
		got, ok := s.NextCtx(markedContext(1000 + i))
		if !ok {
			t.Fatalf("tick %d: expected a thread to run", i)
		}
		if got.Regs.RAX != i {
			t.Fatalf("tick %d: expected context %d in push order, got %+v", i, i, got)
		}
	}
}

func TestSchedulerCurrentAsThreadSlotTaken(t *testing.T) {
	s := newTestScheduler(t, PriorityLevels, MaxThreads)

	if _, err := s.CurrentAsThread(50); err != nil {
		t.Fatalf("first CurrentAsThread failed: %v", err)
	}
	if _, err := s.CurrentAsThread(50); err != errSlotTaken {
		t.Fatalf("expected errSlotTaken on second call; got %v", err)
	}
}

func TestSchedulerThreadLimit(t *testing.T) {
	s := newTestScheduler(t, PriorityLevels, 2)

	if _, err := s.SpawnThread(50, Context{}); err != nil {
		t.Fatalf("spawn 1 failed: %v", err)
	}
	if _, err := s.SpawnThread(50, Context{}); err != nil {
		t.Fatalf("spawn 2 failed: %v", err)
	}
	if _, err := s.SpawnThread(50, Context{}); err != errThreadLimit {
		t.Fatalf("expected errThreadLimit on third spawn; got %v", err)
	}
}

func TestSchedulerRetiredNodeReusedAfterLimit(t *testing.T) {
	s := newTestScheduler(t, PriorityLevels, 1)

	if _, err := s.SpawnThread(50, markedContext(1)); err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	if _, err := s.SpawnThread(50, markedContext(2)); err != errThreadLimit {
		t.Fatalf("expected errThreadLimit; got %v", err)
	}

	// Pop the one thread off its run queue and retire it directly, as
	// terminating a thread would.
	idx := priorityIndex(50, s.priorityLevels)
	node, ok := s.runQueues.MustGet()[idx].Pop()
	if !ok {
		t.Fatalf("expected the spawned thread to be runnable")
	}
	s.retired.MustGet().Push(node)

	if _, err := s.SpawnThread(50, markedContext(3)); err != nil {
		t.Fatalf("expected retired node reuse to allow another spawn; got %v", err)
	}
}
