package irq

import "talus/kernel/cpu"

// the following functions are mocked by tests and are automatically inlined
// by the compiler when building the kernel.
var (
	interruptsEnabledFn  = cpu.InterruptsEnabled
	enableInterruptsFn   = cpu.EnableInterrupts
	disableInterruptsFn  = cpu.DisableInterrupts
)

// Guard disables interrupt delivery on the current CPU for its lifetime and
// restores the prior interrupt-enable state on Release. Acquiring a Guard
// when interrupts are already disabled (e.g. because the code is already
// running inside an ISR) is a no-op beyond remembering that fact, so nested
// guards compose safely as long as each acquire is paired with a release.
type Guard struct {
	wasEnabled bool
}

// Acquire reads the flags register; if interrupts are enabled it disables
// them and records that fact so Release can restore the previous state.
func Acquire() Guard {
	wasEnabled := interruptsEnabledFn()
	if wasEnabled {
		disableInterruptsFn()
	}
	return Guard{wasEnabled: wasEnabled}
}

// Release restores the interrupt-enable state captured by Acquire.
func (g Guard) Release() {
	if g.wasEnabled {
		enableInterruptsFn()
	}
}
