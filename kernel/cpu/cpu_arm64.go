// Package cpu declares the ARM64 architectural primitives the portable
// kernel needs but cannot express in Go: interrupt masking, halt/wait
// instructions, system-register reads, and the PSCI/semihosting shutdown
// sequence. Every function in this file is implemented in a sibling
// assembly file that ships with the platform-specific boot support and is
// intentionally absent from this portable tree (see the Design Notes on
// context switching: this is "intrinsically platform assembly").
package cpu

// EnableInterrupts clears the IRQ mask bit in DAIF, allowing the GIC to
// deliver interrupts to EL1.
func EnableInterrupts()

// DisableInterrupts sets the IRQ mask bit in DAIF. Used to create the
// IRQ-masked critical sections guarding data also touched by handlers.
func DisableInterrupts()

// InterruptsEnabled reports whether the IRQ mask bit is currently clear.
func InterruptsEnabled() bool

// SaveAndDisableInterrupts disables interrupts and returns the previous
// DAIF value so it can be restored by RestoreInterrupts. This is the
// arch-specific half of the IRQ-masking spinlock discipline.
func SaveAndDisableInterrupts() (savedFlags uint64)

// RestoreInterrupts restores a DAIF value previously captured by
// SaveAndDisableInterrupts.
func RestoreInterrupts(savedFlags uint64)

// Halt parks the CPU in a wfe loop forever. Used as the tail of Panic and
// of irq.HandleSyncException.
func Halt()

// Wfe executes a single wait-for-event instruction.
func Wfe()

// Wfi executes a single wait-for-interrupt instruction.
func Wfi()

// ReadCntfrq returns the frequency, in Hz, of the system counter
// (cntfrq_el0).
func ReadCntfrq() uint64

// ReadCntpct returns the current value of the physical counter
// (cntpct_el0).
func ReadCntpct() uint64

// ReadESR returns the syndrome register for the most recent synchronous
// exception (esr_el1).
func ReadESR() uint64

// ReadFAR returns the fault address register (far_el1).
func ReadFAR() uint64

// ReadELR returns the exception link register, i.e. the address execution
// resumes at after the exception is handled (elr_el1).
func ReadELR() uint64

// Shutdown attempts a PSCI SYSTEM_OFF call (function ID 0x84000008 via
// hvc #0) and, if the firmware does not implement PSCI, falls back to a
// QEMU semihosting exit call (operation 0x18). Neither call is expected to
// return; callers should follow Shutdown with a Halt.
func Shutdown()

// WriteCntpTval loads the EL1 physical timer's countdown register
// (cntp_tval_el0) with ticks; the timer fires TimerIRQ once it reaches 0.
func WriteCntpTval(ticks uint32)

// WriteCntpCtl writes the EL1 physical timer's control register
// (cntp_ctl_el0): bit 0 enables the timer, bit 1 masks its output.
func WriteCntpCtl(ctl uint32)

// ReadCntpCtl returns the EL1 physical timer's control register
// (cntp_ctl_el0), bit 2 of which latches when the timer condition is met.
func ReadCntpCtl() uint32

// ReadICCIAR1 acknowledges the highest-priority pending group-1 interrupt
// via the GICv3 system register interface (icc_iar1_el1) and returns its
// INTID.
func ReadICCIAR1() uint32

// WriteICCEOIR1 signals end-of-interrupt for irq via the GICv3 system
// register interface (icc_eoir1_el1).
func WriteICCEOIR1(irq uint32)

// WriteICCPMR sets the GICv3 interrupt priority mask (icc_pmr_el1).
func WriteICCPMR(mask uint32)

// WriteICCIGRPEN1 enables or disables group-1 interrupt signalling
// (icc_igrpen1_el1).
func WriteICCIGRPEN1(enable uint32)
