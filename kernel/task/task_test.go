package task

import (
	"testing"

	"armkernel/kernel"
	"armkernel/kernel/sched"
	"armkernel/kernel/sync"
)

func withTestSeams(t *testing.T) {
	t.Helper()

	saveIRQSave, saveIRQRestore := sync.SaveAndDisableInterruptsFn, sync.RestoreInterruptsFn
	sync.SaveAndDisableInterruptsFn = func() uint64 { return 0 }
	sync.RestoreInterruptsFn = func(uint64) {}

	var nextVA uint64 = 0x1000
	saveAlloc := allocStackFn
	allocStackFn = func(n uint64) (uint64, *kernel.Error) {
		va := nextVA
		nextVA += n
		return va, nil
	}

	var fakeNow uint64
	saveNow := nowFn
	nowFn = func() uint64 { return fakeNow }

	saveSwitch := switchToFn
	switchToFn = func(prev, next *Context) {}

	if err := Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	t.Cleanup(func() {
		sync.SaveAndDisableInterruptsFn = saveIRQSave
		sync.RestoreInterruptsFn = saveIRQRestore
		allocStackFn = saveAlloc
		nowFn = saveNow
		switchToFn = saveSwitch
	})
}

func TestInitCreatesIdleTaskAtPidZero(t *testing.T) {
	withTestSeams(t)

	idle := IdleTask()
	if idle == nil {
		t.Fatal("IdleTask() returned nil")
	}
	if idle.Pid() != 0 {
		t.Fatalf("idle task pid = %d, want 0", idle.Pid())
	}
	if idle.State() != Running {
		t.Fatalf("idle task state = %v, want Running", idle.State())
	}
	if Current() != idle {
		t.Fatal("expected idle task to be current after Init")
	}
}

func TestCreateAssignsDistinctPidsAndEnqueues(t *testing.T) {
	withTestSeams(t)

	a, err := Create(func(argv, envp []string) {}, 0, Args{})
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	b, err := Create(func(argv, envp []string) {}, 0, Args{})
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}

	if a.Pid() == 0 || b.Pid() == 0 {
		t.Fatal("a non-idle task must never receive pid 0")
	}
	if a.Pid() == b.Pid() {
		t.Fatalf("expected distinct pids, got %d and %d", a.Pid(), b.Pid())
	}
	if a.State() != Ready || b.State() != Ready {
		t.Fatal("newly created tasks with an entry point must start READY")
	}
	if FindByPid(a.Pid()) != a {
		t.Fatal("FindByPid did not locate the created task")
	}
}

func TestCreateClampsPriorityToNiceRange(t *testing.T) {
	withTestSeams(t)

	hi, err := Create(func(argv, envp []string) {}, 1000, Args{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if hi.Priority() != 19 {
		t.Fatalf("Priority() = %d, want clamped to 19", hi.Priority())
	}

	lo, err := Create(func(argv, envp []string) {}, -1000, Args{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if lo.Priority() != -20 {
		t.Fatalf("Priority() = %d, want clamped to -20", lo.Priority())
	}
}

func TestExitFreesPidAndDequeues(t *testing.T) {
	withTestSeams(t)

	a, err := Create(func(argv, envp []string) {}, 0, Args{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	pid := a.Pid()

	SetCurrent(a)
	a.state = Running

	Exit(0)

	if a.State() != Zombie {
		t.Fatalf("State() = %v, want Zombie", a.State())
	}

	// The freed pid must be available for reuse.
	b, err := Create(func(argv, envp []string) {}, 0, Args{})
	if err != nil {
		t.Fatalf("Create after exit: %v", err)
	}
	if b.Pid() != pid {
		t.Fatalf("expected freed pid %d to be reused, got %d", pid, b.Pid())
	}
}

func TestKillRefusesIdleTask(t *testing.T) {
	withTestSeams(t)

	if err := Kill(IdleTask()); err == nil {
		t.Fatal("expected Kill(idle) to be refused")
	}
}

func TestKillIsIdempotentOnZombie(t *testing.T) {
	withTestSeams(t)

	a, err := Create(func(argv, envp []string) {}, 0, Args{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := Kill(a); err != nil {
		t.Fatalf("first Kill: %v", err)
	}
	if err := Kill(a); err != nil {
		t.Fatalf("second Kill on zombie must be a no-op, got: %v", err)
	}
}

func TestFindByPidStillFindsTaskAfterKill(t *testing.T) {
	withTestSeams(t)

	a, err := Create(func(argv, envp []string) {}, 0, Args{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	pid := a.Pid()

	if err := Kill(a); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	found := FindByPid(pid)
	if found != a {
		t.Fatalf("FindByPid(%d) after Kill = %v, want the zombie task still in the list", pid, found)
	}
	if found.State() != Zombie {
		t.Fatalf("found task state = %v, want Zombie", found.State())
	}
}

func TestScheduleFallsBackToIdleWhenLastRunnableTaskKillsItself(t *testing.T) {
	withTestSeams(t)

	a, err := Create(func(argv, envp []string) {}, 0, Args{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	a.started = true
	a.state = Running
	sched.Dequeue(a)
	SetCurrent(a)

	if err := Kill(a); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	if Current() != IdleTask() {
		t.Fatal("expected Schedule to fall back to the idle task once the last runnable task is killed")
	}
}

func TestScheduleDispatchesNewTaskThroughEntryTrampoline(t *testing.T) {
	withTestSeams(t)

	ran := false
	a, err := Create(func(argv, envp []string) { ran = true }, 0, Args{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	Schedule()

	if !ran {
		t.Fatal("expected Schedule to dispatch a never-started task's entry via entryTrampoline")
	}
	if a.State() != Zombie {
		t.Fatalf("State() = %v, want Zombie once entry returns and falls through to Exit", a.State())
	}
	if Current() != IdleTask() {
		t.Fatal("expected the idle task to become current once the only ready task exits")
	}
}

func TestScheduleSwitchesBetweenAlreadyStartedTasks(t *testing.T) {
	withTestSeams(t)

	a, err := Create(func(argv, envp []string) {}, 0, Args{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	a.started = true

	switched := false
	switchToFn = func(prev, next *Context) { switched = true }

	Schedule()

	if !switched {
		t.Fatal("expected Schedule to use switchToFn for a task already past its first dispatch")
	}
	if Current() != a {
		t.Fatalf("Current() after Schedule = %v, want the created task", Current())
	}
	if a.State() != Running {
		t.Fatalf("State() = %v, want Running", a.State())
	}
}

func TestSchedulePreemptRewritesTrapFrameOnTaskSwitch(t *testing.T) {
	withTestSeams(t)

	idle := IdleTask()
	idle.context.PC = 0xdead

	a, err := Create(func(argv, envp []string) {}, 0, Args{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	a.started = true
	a.context.PC = 0xbeef

	regs := idle.context
	SchedulePreempt(&regs)

	if Current() != a {
		t.Fatal("expected SchedulePreempt to switch current to the ready task")
	}
	if regs.PC != 0xbeef {
		t.Fatalf("regs.PC = %#x, want the picked task's saved PC %#x", regs.PC, uint64(0xbeef))
	}
}

func TestSchedulePreemptDispatchesNewTaskThroughEntryTrampoline(t *testing.T) {
	withTestSeams(t)

	ran := false
	_, err := Create(func(argv, envp []string) { ran = true }, 0, Args{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	idle := IdleTask()
	regs := idle.context
	regs.PC = 0x1234

	SchedulePreempt(&regs)

	if !ran {
		t.Fatal("expected SchedulePreempt to dispatch a never-started task's entry via entryTrampoline")
	}
	if regs.PC != 0x1234 {
		t.Fatalf("regs.PC = %#x, want left untouched since the trampoline path returns before rewriting it", regs.PC)
	}
}

func TestSchedulePreemptNoOpWhenQueueEmpty(t *testing.T) {
	withTestSeams(t)

	idle := IdleTask()
	regs := idle.context
	regs.PC = 0x1234

	SchedulePreempt(&regs)

	if Current() != idle {
		t.Fatal("expected idle task to remain current with nothing else ready")
	}
	if regs.PC != 0x1234 {
		t.Fatalf("regs.PC = %#x, want unchanged 0x1234", regs.PC)
	}
}

func TestSliceExpired(t *testing.T) {
	withTestSeams(t)

	a, err := Create(func(argv, envp []string) {}, 0, Args{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	a.lastChargeNs = 0
	a.timeSliceNs = 1000

	if SliceExpired(a, 500) {
		t.Fatal("slice should not be expired yet")
	}
	if !SliceExpired(a, 1500) {
		t.Fatal("slice should be expired")
	}
}
