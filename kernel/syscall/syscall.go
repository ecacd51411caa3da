// Package syscall dispatches a synchronous SVC trap to one of a small
// fixed set of handlers by syscall number, the same flat dispatch table
// the original do_syscall used. Arguments arrive in the trap frame's six
// general-purpose argument slots; the handler's return value overwrites
// slot 0 before the trap-return resumes the caller.
package syscall

import (
	"unsafe"

	"armkernel/kernel/klog"
	"armkernel/kernel/task"
	"armkernel/kernel/uart"
)

// Syscall numbers, matching the original's fixed assignment.
const (
	SysWrite = 1
	SysExit  = 60
	SysKill  = 129
)

// File descriptors sys_write understands; anything else is rejected.
const (
	FDStdout = 1
	FDStderr = 2
)

const errReturn = ^uint64(0) // -1 as an unsigned 64-bit trap-frame return value

// putcFn and readMemoryFn are indirected so Dispatch can be exercised
// without a real UART or a dereferenceable virtual address.
var (
	putcFn       = uart.Putc
	readMemoryFn = readMemory
)

func readMemory(va uint64, n int) []byte {
	if n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(va))), n)
}

// Dispatch decodes regs' syscall number and arguments, invokes the
// matching handler, and writes its result back into regs' return slot. An
// unknown or unimplemented number returns -1 without otherwise touching
// kernel state.
func Dispatch(regs *task.Context) {
	num := regs.SyscallNumber()

	var ret uint64
	switch num {
	case SysWrite:
		ret = sysWrite(int(regs.SyscallArg(0)), regs.SyscallArg(1), int(regs.SyscallArg(2)))
	case SysExit:
		ret = sysExit(int(regs.SyscallArg(0)))
	case SysKill:
		ret = sysKill(int(regs.SyscallArg(0)))
	default:
		klog.Printf(klog.Warning, "syscall: unknown syscall number %d\n", num)
		ret = errReturn
	}

	regs.SetSyscallReturn(ret)
}

// sysWrite copies count bytes from the caller's buf to fd (stdout or
// stderr, both of which go to the console), returning the number of bytes
// written or -1 for an unsupported descriptor.
func sysWrite(fd int, bufVA uint64, count int) uint64 {
	if fd != FDStdout && fd != FDStderr {
		return errReturn
	}
	buf := readMemoryFn(bufVA, count)
	for _, b := range buf {
		putcFn(b)
	}
	return uint64(len(buf))
}

// sysExit tears down the calling task via task.Exit, which reschedules
// and does not return to its caller on a real dispatch; it is modeled
// here as always succeeding.
func sysExit(code int) uint64 {
	task.Exit(code)
	return 0
}

// sysKill looks up pid and kills it, returning -1 if no such task exists
// or the kill was refused (e.g. the idle task).
func sysKill(pid int) uint64 {
	t := task.FindByPid(pid)
	if t == nil {
		return errReturn
	}
	if err := task.Kill(t); err != nil {
		return errReturn
	}
	return 0
}
