package irq

import (
	"testing"

	"armkernel/kernel/task"
)

func withTestSeams(t *testing.T) {
	t.Helper()
	Init()

	saveAck, saveEOI := gicAckFn, gicEOIFn
	saveFreq, saveCtl, saveTval, saveEnable := readCntfrqFn, writeCntpCtlFn, writeCntpTvalFn, enableFn
	saveCurrent, saveExpired := currentTaskFn, sliceExpiredFn

	readCntfrqFn = func() uint64 { return 1000 }
	writeCntpCtlFn = func(uint32) {}
	writeCntpTvalFn = func(uint32) {}
	enableFn = func(int) {}

	t.Cleanup(func() {
		gicAckFn, gicEOIFn = saveAck, saveEOI
		readCntfrqFn, writeCntpCtlFn, writeCntpTvalFn, enableFn = saveFreq, saveCtl, saveTval, saveEnable
		currentTaskFn, sliceExpiredFn = saveCurrent, saveExpired
	})
}

func TestInstallRejectsOutOfRangeAndDuplicate(t *testing.T) {
	withTestSeams(t)

	if err := Install(-1, func(int, interface{}) {}, nil); err == nil {
		t.Fatal("expected error for negative irq")
	}
	if err := Install(MaxIRQs, func(int, interface{}) {}, nil); err == nil {
		t.Fatal("expected error for irq >= MaxIRQs")
	}

	if err := Install(5, func(int, interface{}) {}, nil); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := Install(5, func(int, interface{}) {}, nil); err == nil {
		t.Fatal("expected error installing a second handler at the same slot")
	}
}

func TestInstallTimerRejectsZeroHz(t *testing.T) {
	withTestSeams(t)
	if err := InstallTimer(0); err == nil {
		t.Fatal("expected error for zero hz")
	}
}

func TestDispatchInvokesInstalledHandler(t *testing.T) {
	withTestSeams(t)

	called := false
	var gotCookie interface{}
	Install(7, func(n int, cookie interface{}) {
		called = true
		gotCookie = cookie
	}, "dev")

	Dispatch(7)

	if !called {
		t.Fatal("expected handler to be invoked")
	}
	if gotCookie != "dev" {
		t.Fatalf("cookie = %v, want dev", gotCookie)
	}
}

func TestDispatchOnEmptySlotIsANoOp(t *testing.T) {
	withTestSeams(t)
	Dispatch(9) // must not panic
}

func TestHandleIRQAlwaysAcksAndEOIsEvenOnUnknownIRQ(t *testing.T) {
	withTestSeams(t)

	gicAckFn = func() uint32 { return 999 }
	eoiCalledWith := uint32(0)
	gicEOIFn = func(irq uint32) { eoiCalledWith = irq }

	regs := &task.Context{}
	HandleIRQ(regs)

	if eoiCalledWith != 999 {
		t.Fatalf("EOI called with %d, want 999 (must match Ack even when no handler is installed)", eoiCalledWith)
	}
}

func TestTimerHandlerIncrementsTicksAndReprogramsTval(t *testing.T) {
	withTestSeams(t)

	var reprogrammed uint32
	writeCntpTvalFn = func(v uint32) { reprogrammed = v }
	currentTaskFn = func() *task.Task { return nil }

	if err := InstallTimer(DefaultHZ); err != nil {
		t.Fatalf("InstallTimer: %v", err)
	}

	before := Ticks()
	Dispatch(TimerIRQ)

	if Ticks() != before+1 {
		t.Fatalf("Ticks() = %d, want %d", Ticks(), before+1)
	}
	if reprogrammed != timerFreqHz/DefaultHZ {
		t.Fatalf("reprogrammed tval = %d, want %d", reprogrammed, timerFreqHz/DefaultHZ)
	}
}

func TestTimerHandlerRequestsReschedOnlyWhenSliceExpired(t *testing.T) {
	withTestSeams(t)

	fake := &task.Task{}
	currentTaskFn = func() *task.Task { return fake }

	sliceExpiredFn = func(*task.Task, uint64) bool { return false }
	needResched = false
	timerHandler(TimerIRQ, nil)
	if needResched {
		t.Fatal("needResched set when slice had not expired")
	}

	sliceExpiredFn = func(*task.Task, uint64) bool { return true }
	timerHandler(TimerIRQ, nil)
	if !needResched {
		t.Fatal("expected needResched to be set once the slice expired")
	}
}

func TestHandleIRQTriggersSchedulePreemptWhenSliceExpired(t *testing.T) {
	withTestSeams(t)

	savePreempt := schedulePreemptFn
	preempted := false
	schedulePreemptFn = func(regs *task.Context) { preempted = true }
	t.Cleanup(func() { schedulePreemptFn = savePreempt })

	fake := &task.Task{}
	currentTaskFn = func() *task.Task { return fake }
	sliceExpiredFn = func(*task.Task, uint64) bool { return true }

	if err := InstallTimer(DefaultHZ); err != nil {
		t.Fatalf("InstallTimer: %v", err)
	}

	gicAckFn = func() uint32 { return uint32(TimerIRQ) }
	gicEOIFn = func(uint32) {}

	regs := &task.Context{}
	HandleIRQ(regs)

	if !preempted {
		t.Fatal("expected HandleIRQ to call SchedulePreempt when the timer handler requested resched")
	}
}

func TestHandleIRQDoesNotPreemptWhenSliceHasNotExpired(t *testing.T) {
	withTestSeams(t)

	savePreempt := schedulePreemptFn
	preempted := false
	schedulePreemptFn = func(regs *task.Context) { preempted = true }
	t.Cleanup(func() { schedulePreemptFn = savePreempt })

	fake := &task.Task{}
	currentTaskFn = func() *task.Task { return fake }
	sliceExpiredFn = func(*task.Task, uint64) bool { return false }

	if err := InstallTimer(DefaultHZ); err != nil {
		t.Fatalf("InstallTimer: %v", err)
	}

	gicAckFn = func() uint32 { return uint32(TimerIRQ) }
	gicEOIFn = func(uint32) {}

	regs := &task.Context{}
	HandleIRQ(regs)

	if preempted {
		t.Fatal("did not expect SchedulePreempt to be called when the slice had not expired")
	}
}

func TestDecodeExceptionExtractsClassField(t *testing.T) {
	saveESR, saveFAR, saveELR := readESRFn, readFARFn, readELRFn
	t.Cleanup(func() { readESRFn, readFARFn, readELRFn = saveESR, saveFAR, saveELR })

	readESRFn = func() uint64 { return ecDataAbortSameEL << escShift }
	readFARFn = func() uint64 { return 0x1000 }
	readELRFn = func() uint64 { return 0x2000 }

	e := DecodeException()
	if e.Class != ecDataAbortSameEL {
		t.Fatalf("Class = %#x, want %#x", e.Class, ecDataAbortSameEL)
	}
	if e.FAR != 0x1000 || e.ELR != 0x2000 {
		t.Fatalf("FAR/ELR = %#x/%#x, want 0x1000/0x2000", e.FAR, e.ELR)
	}
}
