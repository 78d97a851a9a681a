package sched

import "talus/kernel/irq"

// Context is the CPU state exchanged with the timer-interrupt trampoline: the
// general-purpose registers and the exception frame the CPU itself pushes,
// together forming the snapshot next_ctx saves on preemption and hands back
// on resume.
type Context struct {
	Regs  irq.Regs
	Frame irq.Frame
}
