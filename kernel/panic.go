package kernel

import (
	"armkernel/kernel/cpu"
	"armkernel/kernel/kfmt"
)

var (
	// disableInterruptsFn and shutdownFn are mocked by tests.
	disableInterruptsFn = cpu.DisableInterrupts
	shutdownFn          = cpu.Shutdown
	haltFn              = cpu.Halt

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}
)

// Panic prints the supplied error (if any) and halts the system. Panic
// never returns. It also works as a redirection target for calls to the
// builtin panic() (resolved via runtime.gopanic), since recovering from an
// unrecoverable kernel fault the normal Go way is not meaningful here.
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	disableInterruptsFn()

	kfmt.Printf("\n-----------------------------------\n")
	if err != nil {
		kfmt.Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	kfmt.Printf("*** kernel panic: system halted ***")
	kfmt.Printf("\n-----------------------------------\n")

	shutdownFn()
	haltFn()
}
