// Package irq implements the interrupt dispatch table that sits between
// the GIC and installed handlers, the synchronous-exception decoder, and
// the periodic timer handler that drives preemption. handle_irq's ack/
// dispatch/EOI sequence is always completed, even for an unregistered or
// out-of-range IRQ, so the GIC's accounting never desyncs from what was
// actually acknowledged.
package irq

import (
	"armkernel/kernel"
	"armkernel/kernel/cpu"
	"armkernel/kernel/gic"
	"armkernel/kernel/klog"
	"armkernel/kernel/task"
)

// MaxIRQs bounds the dispatch table, matching the original's flat array.
const MaxIRQs = 1024

// TimerIRQ is the IRQ number the generic architected timer raises on the
// QEMU virt machine.
const TimerIRQ = 30

// DefaultHZ is the default timer tick rate used by InstallTimer.
const DefaultHZ = 100

// Handler is an installed IRQ handler; cookie is whatever dev pointer the
// installer registered the handler with.
type Handler func(irqNum int, cookie interface{})

type desc struct {
	handler Handler
	cookie  interface{}
}

var table [MaxIRQs]desc

var (
	errBadIRQ  = &kernel.Error{Module: "irq", Message: "irq number out of range"}
	errDupIRQ  = &kernel.Error{Module: "irq", Message: "irq slot already has a handler installed"}
	errNoTimer = &kernel.Error{Module: "irq", Message: "timer frequency must be non-zero"}
)

// Init clears the dispatch table.
func Init() {
	table = [MaxIRQs]desc{}
}

// Install registers handler at slot n, rejecting an out-of-range slot or
// one that already has a handler.
func Install(n int, handler Handler, cookie interface{}) *kernel.Error {
	if n < 0 || n >= MaxIRQs || handler == nil {
		return errBadIRQ
	}
	if table[n].handler != nil {
		return errDupIRQ
	}
	table[n] = desc{handler: handler, cookie: cookie}
	return nil
}

// Uninstall clears slot n. Uninstalling an empty or out-of-range slot is
// a no-op.
func Uninstall(n int) {
	if n < 0 || n >= MaxIRQs {
		return
	}
	table[n] = desc{}
}

// Dispatch invokes the handler registered at n, if any.
func Dispatch(n int) {
	if n < 0 || n >= MaxIRQs {
		return
	}
	if d := table[n]; d.handler != nil {
		d.handler(n, d.cookie)
	}
}

// Enable unmasks n at the GIC.
func Enable(n int) { gic.Enable(n) }

// Disable masks n at the GIC.
func Disable(n int) { gic.Disable(n) }

// gicAckFn and gicEOIFn are indirected so HandleIRQ can be exercised without
// a real GIC behind it.
var (
	gicAckFn = gic.Ack
	gicEOIFn = gic.EOI
)

// HandleIRQ is the IRQ vector's entry point: ack the GIC, dispatch the
// acknowledged number if it names a real interrupt, and EOI unconditionally
// so the GIC's acknowledge/EOI bookkeeping always balances. regs is the
// trap frame the vector saved the interrupted task's registers into; if
// the dispatched handler (the timer, in practice) decided the current
// task's slice expired, HandleIRQ hands regs to task.SchedulePreempt so
// the eventual trap-return resumes whichever task was chosen instead.
func HandleIRQ(regs *task.Context) {
	n := gicAckFn()
	needResched = false
	if n < MaxIRQs {
		Dispatch(int(n))
	}
	gicEOIFn(n)

	if needResched {
		schedulePreemptFn(regs)
	}
}

// ESR_EL1 exception-class field, used by DecodeException.
const (
	escShift = 26
	escMask  = 0x3F

	ecDataAbortSameEL  = 0x25
	ecInstrAbortSameEL = 0x21
)

// Exception describes a decoded synchronous exception.
type Exception struct {
	Class uint32
	ESR   uint64
	FAR   uint64
	ELR   uint64
}

// readESRFn, readFARFn and readELRFn are indirected so DecodeException can
// be exercised with synthetic register values.
var (
	readESRFn = cpu.ReadESR
	readFARFn = cpu.ReadFAR
	readELRFn = cpu.ReadELR
)

// DecodeException reads ESR_EL1/FAR_EL1/ELR_EL1 and extracts the exception
// class field.
func DecodeException() Exception {
	esr := readESRFn()
	return Exception{
		Class: uint32(esr>>escShift) & escMask,
		ESR:   esr,
		FAR:   readFARFn(),
		ELR:   readELRFn(),
	}
}

// HandleSyncException logs a decoded synchronous exception and halts: none
// of data abort, instruction abort, or any other synchronous exception
// class is recoverable at this layer.
func HandleSyncException() {
	e := DecodeException()
	klog.Printf(klog.Emerg, "sync exception: class=%#x far=%#x elr=%#x\n", e.Class, e.FAR, e.ELR)
	cpu.Halt()
}

var (
	timerFreqHz uint32
	timerHZ     uint32
)

// readCntfrqFn, writeCntpCtlFn and writeCntpTvalFn indirect the generic
// timer's system-register accesses so InstallTimer and timerHandler can be
// exercised without real CP15 state behind them.
var (
	readCntfrqFn    = cpu.ReadCntfrq
	writeCntpCtlFn  = cpu.WriteCntpCtl
	writeCntpTvalFn = cpu.WriteCntpTval
	enableFn        = Enable
)

// InstallTimer installs the timer IRQ handler, programs the physical
// timer's countdown to fire at hz ticks per second, and enables IRQ 30 at
// the GIC. The timer's own handler reprograms the countdown and sets
// needResched whenever the current task's slice has expired; HandleIRQ then
// calls task.SchedulePreempt with the trap frame.
func InstallTimer(hz uint32) *kernel.Error {
	if hz == 0 {
		return errNoTimer
	}
	timerFreqHz = uint32(readCntfrqFn())
	timerHZ = hz

	if err := Install(TimerIRQ, timerHandler, nil); err != nil {
		return err
	}

	writeCntpCtlFn(0)
	writeCntpTvalFn(timerFreqHz / timerHZ)
	writeCntpCtlFn(1)

	enableFn(TimerIRQ)
	return nil
}

var ticks uint64

// Ticks returns the number of timer interrupts handled since InstallTimer.
func Ticks() uint64 { return ticks }

// needResched is set by timerHandler when the current task's slice has
// expired; HandleIRQ consults and clears it after the handler returns,
// since the generic Handler signature carries no trap frame for the timer
// to call SchedulePreempt with directly.
var needResched bool

// currentTaskFn and sliceExpiredFn indirect the task-package lookups
// timerHandler needs, so the handler can be driven in isolation from the
// task pool's real state. The current time it passes to sliceExpiredFn
// comes from task.Now, which reads the generic timer's counter directly
// rather than through a seam.
var (
	currentTaskFn  = task.Current
	sliceExpiredFn = task.SliceExpired
)

func timerHandler(irqNum int, cookie interface{}) {
	ticks++
	writeCntpTvalFn(timerFreqHz / timerHZ)

	cur := currentTaskFn()
	if cur != nil && sliceExpiredFn(cur, task.Now()) {
		needResched = true
	}
}

// schedulePreemptFn is indirected so tests can observe a preemption
// decision without a real trap frame flowing through task.SchedulePreempt.
var schedulePreemptFn = task.SchedulePreempt
