// Package sync provides the mutual-exclusion primitives used throughout the
// kernel: a plain busy-wait spinlock and an IRQ-masking variant for data
// structures also touched by interrupt handlers.
package sync

import (
	"sync/atomic"

	"armkernel/kernel/cpu"
)

var (
	// yieldFn is substituted by tests to avoid spinning forever under
	// -race / GOMAXPROCS=1.
	yieldFn func()

	// SaveAndDisableInterruptsFn and RestoreInterruptsFn are indirected
	// through package-level variables, mirroring the rest of the kernel's
	// mocking convention, so tests can exercise IRQSpinlock without
	// linking the arch-specific DAIF-manipulation assembly.
	SaveAndDisableInterruptsFn = cpu.SaveAndDisableInterrupts
	RestoreInterruptsFn        = cpu.RestoreInterrupts
)

// Spinlock implements a lock where a caller trying to acquire it busy-waits
// until the lock becomes available. On the single-CPU target this is only
// ever contended by an interrupt handler; callers that share state with a
// handler must use IRQSpinlock instead so the handler cannot deadlock
// against itself.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active
// task. Re-acquiring a lock already held by the current task deadlocks.
func (l *Spinlock) Acquire() {
	for !l.TryToAcquire() {
		if yieldFn != nil {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock without blocking and reports
// whether it succeeded.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock. Calling Release while the lock is free
// has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// IRQSpinlock is a Spinlock that also masks interrupts for the duration of
// the critical section, so an interrupt handler that needs the same lock
// (e.g. the log ring, written to both by task context and by the timer
// handler) cannot preempt the holder and spin forever.
type IRQSpinlock struct {
	inner Spinlock
}

// Lock disables interrupts, acquires the underlying spinlock, and returns
// the previous interrupt-mask state so it can be restored by Unlock.
func (l *IRQSpinlock) Lock() (savedFlags uint64) {
	savedFlags = SaveAndDisableInterruptsFn()
	l.inner.Acquire()
	return savedFlags
}

// Unlock releases the underlying spinlock and restores the interrupt-mask
// state captured by the matching Lock call.
func (l *IRQSpinlock) Unlock(savedFlags uint64) {
	l.inner.Release()
	RestoreInterruptsFn(savedFlags)
}
