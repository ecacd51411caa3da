// Package task implements task creation, the PID allocator, and the
// scheduling entry points (Schedule, SchedulePreempt) that tie the run
// queue in kernel/sched to a concrete task list. Tasks live in a fixed
// pool; the intrusive doubly-linked task list and the free PID set are
// stored as indices and bitmap bits rather than heap pointers, the same
// arena discipline kernel/sched uses for its run-queue nodes.
package task

import (
	"armkernel/kernel"
	"armkernel/kernel/cpu"
	"armkernel/kernel/klog"
	"armkernel/kernel/mm/vmalloc"
	"armkernel/kernel/sched"
	"armkernel/kernel/sync"
)

// State is a task's position in its lifecycle.
type State uint8

const (
	Running State = iota
	Ready
	Blocked
	Zombie
)

const (
	// KernelStackSize is the size, in bytes, of the vmalloc'd stack given
	// to every task with a non-nil entry point.
	KernelStackSize = 16384

	// MaxPid bounds the PID bitmap; PID 0 is permanently reserved for the
	// idle task and is never handed out by Alloc.
	MaxPid = 256

	// maxTasks bounds the static task pool — the maximum number of tasks
	// (including the idle task) that may exist at once.
	maxTasks = 64

	nilIdx = int32(-1)

	// firstDispatchPC marks a context that has never been dispatched. It
	// is not a real jump target: Schedule/SchedulePreempt recognize a
	// task's first dispatch via Task.started and call entryTrampoline
	// directly as an ordinary Go function call, rather than deriving a
	// callable address for it.
	firstDispatchPC = ^uint64(0)
)

// Context is the architectural register set saved and restored across a
// context switch or trap: the general registers, stack pointer, program
// counter, and processor state of a suspended task. The layout mirrors the
// one the boot trampoline and a synchronous-exception vector would save
// to and restore from — x19 through x23 are never touched by the
// compiler-generated prologue/epilogue of ordinary functions, so
// task_entry_wrapper can recover the entry point and its arguments from
// them after the very first switch into a freshly created task.
type Context struct {
	X0, X1, X2, X3, X4, X5, X6, X7         uint64
	X8, X9, X10, X11, X12, X13, X14, X15   uint64
	X16, X17, X18, X19, X20, X21, X22, X23 uint64
	X24, X25, X26, X27, X28, X29, X30      uint64
	SP, PC, PState                         uint64
}

// SyscallNumber returns the trap frame's syscall number, conventionally
// passed in x8.
func (c *Context) SyscallNumber() uint64 { return c.X8 }

// SyscallArg returns argument slot i (0..5) of the trap frame, the six
// general-purpose registers the syscall ABI passes arguments through.
func (c *Context) SyscallArg(i int) uint64 {
	switch i {
	case 0:
		return c.X0
	case 1:
		return c.X1
	case 2:
		return c.X2
	case 3:
		return c.X3
	case 4:
		return c.X4
	default:
		return c.X5
	}
}

// SetSyscallReturn overwrites argument slot 0 with the syscall's result,
// the trap frame's return-value convention.
func (c *Context) SetSyscallReturn(v uint64) { c.X0 = v }

// Args bundles the entry-point arguments a newly created task's trampoline
// hands to its entry function.
type Args struct {
	Argv []string
	Envp []string
}

// EntryFunc is a task's top-level function; it is called exactly once,
// from the entry trampoline, and falling out of it is equivalent to
// calling Exit(0).
type EntryFunc func(argv, envp []string)

// Task is one schedulable unit of execution.
type Task struct {
	occupied bool

	pid      int
	state    State
	priority int

	timeSliceNs  uint64
	vruntimeNs   uint64
	lastChargeNs uint64

	context  Context
	stackVA  uint64
	entry    EntryFunc
	args     Args
	started  bool

	next, prev int32
}

// sched.Queueable implementation: Task never depends on kernel/sched's
// concrete types, only its interface, so the run queue can hold a Task
// without either package importing the other's internals.
func (t *Task) Vruntime() uint64       { return t.vruntimeNs }
func (t *Task) SetVruntime(v uint64)   { t.vruntimeNs = v }
func (t *Task) Priority() int          { return t.priority }
func (t *Task) SetPriority(p int)      { t.priority = p }
func (t *Task) LastCharge() uint64     { return t.lastChargeNs }
func (t *Task) SetLastCharge(v uint64) { t.lastChargeNs = v }

// Pid returns the task's process ID.
func (t *Task) Pid() int { return t.pid }

// State returns the task's current lifecycle state.
func (t *Task) State() State { return t.state }

// Context returns a pointer to the task's saved register set, the trap
// frame a context switch or trap restores into PC/registers.
func (t *Task) Context() *Context { return &t.context }

var (
	pidLock   sync.Spinlock
	pidBitmap [MaxPid / 32]uint32

	taskLock sync.IRQSpinlock
	taskPool [maxTasks]Task
	listHead = nilIdx

	currentIdx = nilIdx
	idleIdx    = nilIdx

	// allocStackFn is indirected so tests can exercise task creation
	// without a real vmalloc window or page tables. A zombie's stack is
	// retained rather than freed (Exit/Kill never call a free function),
	// matching the simplification spelled out for task teardown: a
	// production implementation would reap it.
	allocStackFn = vmalloc.Alloc

	// nowFn returns the current monotonic time in nanoseconds; overridden
	// in tests to drive deterministic scheduling decisions.
	nowFn = Now

	// switchToFn indirects the assembly-backed switchTo the same way
	// every other arch boundary in this kernel is mocked for testing.
	switchToFn = switchTo
)

var (
	errTaskPoolExhausted = &kernel.Error{Module: "task", Message: "task pool exhausted"}
	errPidExhausted      = &kernel.Error{Module: "task", Message: "no free pid"}
	errStackAlloc        = &kernel.Error{Module: "task", Message: "failed to allocate kernel stack"}
	errNotFound          = &kernel.Error{Module: "task", Message: "task not found"}
	errIdleTask          = &kernel.Error{Module: "task", Message: "cannot kill the idle task"}
)

// Now returns the current monotonic time in nanoseconds, derived from the
// EL1 physical counter and its declared frequency. This fills the role the
// original scheduler's unimplemented get_ns() clock left open.
func Now() uint64 {
	freq := cpu.ReadCntfrq()
	if freq == 0 {
		return 0
	}
	return cpu.ReadCntpct() * 1_000_000_000 / freq
}

func pidInit() {
	pidBitmap = [MaxPid / 32]uint32{}
	pidBitmap[0] |= 1 // PID 0 reserved for idle, never allocated out
}

func pidAlloc() (int, bool) {
	pidLock.Acquire()
	defer pidLock.Release()

	for i := 1; i < MaxPid; i++ {
		word, bit := i/32, uint(i%32)
		if pidBitmap[word]&(1<<bit) == 0 {
			pidBitmap[word] |= 1 << bit
			return i, true
		}
	}
	return 0, false
}

func pidFree(pid int) {
	if pid <= 0 || pid >= MaxPid {
		return
	}
	pidLock.Acquire()
	defer pidLock.Release()
	word, bit := pid/32, uint(pid%32)
	pidBitmap[word] &^= 1 << bit
}

func allocTask() (int32, bool) {
	for i := range taskPool {
		if !taskPool[i].occupied {
			taskPool[i] = Task{occupied: true, next: nilIdx, prev: nilIdx}
			return int32(i), true
		}
	}
	return nilIdx, false
}

func listPush(idx int32) {
	taskPool[idx].next = listHead
	taskPool[idx].prev = nilIdx
	if listHead != nilIdx {
		taskPool[listHead].prev = idx
	}
	listHead = idx
}

func listRemove(idx int32) {
	t := &taskPool[idx]
	if t.prev != nilIdx {
		taskPool[t.prev].next = t.next
	} else {
		listHead = t.next
	}
	if t.next != nilIdx {
		taskPool[t.next].prev = t.prev
	}
	t.next, t.prev = nilIdx, nilIdx
}

func indexOf(t *Task) int32 {
	if t == nil {
		return nilIdx
	}
	for i := range taskPool {
		if &taskPool[i] == t {
			return int32(i)
		}
	}
	return nilIdx
}

// Init resets the PID allocator, task pool, and run queue, then creates
// the idle task at PID 0 and installs it as the current running task. The
// idle task is assigned PID 0 directly rather than through the bitmap
// allocator (which reserves bit 0 permanently), so no other PID is ever
// wasted acquiring and then discarding PID 1 the way the original
// task_init does.
func Init() *kernel.Error {
	flags := taskLock.Lock()
	defer taskLock.Unlock(flags)

	pidInit()
	sched.Reset()
	taskPool = [maxTasks]Task{}
	listHead, currentIdx, idleIdx = nilIdx, nilIdx, nilIdx

	idx, ok := allocTask()
	if !ok {
		return errTaskPoolExhausted
	}
	idle := &taskPool[idx]
	idle.pid = 0
	idle.state = Running
	idle.priority = 0
	// idle is installed as current directly, never dispatched through
	// Schedule/SchedulePreempt's first-dispatch path, so it must already
	// read as started or a later idle fallback would wrongly hand it to
	// entryTrampoline instead of switchToFn.
	idle.started = true
	listPush(idx)

	idleIdx = idx
	currentIdx = idx

	klog.Printf(klog.Info, "task: idle task created (pid 0)\n")
	klog.Printf(klog.Info, "sched: scheduler initialized\n")
	return nil
}

// Create allocates a task, a PID, and a kernel stack, clamps priority to
// the nice range, and records entry and args on the task so its first
// dispatch runs entryTrampoline, which calls entry with argv/envp. The
// task is created READY; it is enqueued only when entry is non-nil.
func Create(entry EntryFunc, priority int, args Args) (*Task, *kernel.Error) {
	flags := taskLock.Lock()
	idx, ok := allocTask()
	if !ok {
		taskLock.Unlock(flags)
		return nil, errTaskPoolExhausted
	}
	taskLock.Unlock(flags)

	pid, ok := pidAlloc()
	if !ok {
		freeTaskSlot(idx)
		return nil, errPidExhausted
	}

	t := &taskPool[idx]
	t.pid = pid
	t.state = Ready
	t.priority = sched.MinNice
	if priority > sched.MinNice {
		t.priority = priority
	}
	if t.priority > sched.MaxNice {
		t.priority = sched.MaxNice
	}
	t.timeSliceNs = sched.DefaultSliceNs
	t.vruntimeNs = 0
	t.entry = entry
	t.args = args

	stackVA, serr := allocStackFn(KernelStackSize)
	if serr != nil {
		pidFree(pid)
		freeTaskSlot(idx)
		return nil, errStackAlloc
	}
	t.stackVA = stackVA

	if entry != nil {
		stackTop := (stackVA + KernelStackSize) &^ 15
		// The real entry point, argv and envp are Go values, not portable
		// integer addresses, so this layer keeps them in t.entry/t.args
		// rather than staging them into X19-X22: entryTrampoline reads
		// them from there directly. X19-X23/X30 stay at their documented
		// ABI positions so an eventual assembly bootstrap has somewhere
		// to stage a true first dispatch; this portable layer leaves
		// them zeroed, apart from X20, which carries the argument count,
		// and uses t.entry/t.args/Schedule instead. PC is
		// set to firstDispatchPC, a marker (not a real jump target)
		// Schedule/SchedulePreempt recognize via Task.started to call
		// entryTrampoline directly as an ordinary Go call on first
		// dispatch, the way an assembly-backed switchTo would otherwise
		// jump PC to the trampoline's real address.
		t.context = Context{}
		t.context.SP = stackTop
		t.context.PC = firstDispatchPC
		t.context.X20 = uint64(len(args.Argv))
		t.context.PState = 0x3C5

		sched.Enqueue(t)
	}

	flags = taskLock.Lock()
	listPush(idx)
	taskLock.Unlock(flags)

	return t, nil
}

func freeTaskSlot(idx int32) {
	flags := taskLock.Lock()
	defer taskLock.Unlock(flags)
	taskPool[idx] = Task{}
}

// Exit transitions the current task to ZOMBIE, frees its PID, dequeues it
// if still queued, and reschedules. Matching the original's contract, it
// does not return to its caller on the path through Schedule (Schedule
// switches execution elsewhere); callers should treat it as diverging.
func Exit(code int) {
	_ = code

	flags := taskLock.Lock()
	cur := currentIdx
	taskLock.Unlock(flags)

	if cur == nilIdx {
		return
	}
	t := &taskPool[cur]
	sched.Dequeue(t)
	t.state = Zombie
	pidFree(t.pid)

	Schedule()
}

// Kill transitions t to ZOMBIE, freeing its PID and dequeuing it from the
// run queue if still queued, and reschedules without returning if t is the
// current task. Killing an already-ZOMBIE task or the idle task is a
// no-op (idempotent and refused, respectively). t stays linked in the
// intrusive task list, so FindByPid keeps finding it after it's killed
// until its freed PID is handed to a newer task, which Create pushes
// ahead of it in the list.
func Kill(t *Task) *kernel.Error {
	if t == nil {
		return errNotFound
	}
	if t.pid == 0 {
		return errIdleTask
	}
	if t.state == Zombie {
		return nil
	}

	flags := taskLock.Lock()
	wasCurrent := indexOf(t) == currentIdx
	taskLock.Unlock(flags)

	sched.Dequeue(t)
	t.state = Zombie
	pidFree(t.pid)

	if wasCurrent {
		Schedule()
	}
	return nil
}

// FindByPid linearly scans the intrusive task list for a task with the
// given PID, returning nil if none is found.
func FindByPid(pid int) *Task {
	flags := taskLock.Lock()
	defer taskLock.Unlock(flags)

	for i := listHead; i != nilIdx; i = taskPool[i].next {
		if taskPool[i].pid == pid {
			return &taskPool[i]
		}
	}
	return nil
}

// Current returns the currently running task.
func Current() *Task {
	flags := taskLock.Lock()
	defer taskLock.Unlock(flags)
	if currentIdx == nilIdx {
		return nil
	}
	return &taskPool[currentIdx]
}

// SetCurrent installs t as the current task without otherwise touching
// the run queue; used by the first dispatch out of Init and by tests.
func SetCurrent(t *Task) {
	flags := taskLock.Lock()
	defer taskLock.Unlock(flags)
	currentIdx = indexOf(t)
}

// IdleTask returns the PID-0 task created by Init.
func IdleTask() *Task {
	flags := taskLock.Lock()
	defer taskLock.Unlock(flags)
	if idleIdx == nilIdx {
		return nil
	}
	return &taskPool[idleIdx]
}

// Schedule voluntarily yields the CPU: if the current task is still
// RUNNING it is charged, marked READY, and re-enqueued; the run queue's
// leftmost task (if any, and if different) is picked, dequeued, marked
// RUNNING, and switched to. If the current task is no longer runnable
// (ZOMBIE or BLOCKED) and nothing else is ready, Schedule falls back to
// the idle task rather than leaving current pointing at a task that will
// never run again. Unlike SchedulePreempt, which mutates a passed trap
// frame, Schedule performs the switch itself via switchTo.
func Schedule() {
	prev := Current()
	if prev == nil {
		return
	}
	now := nowFn()

	// current is cleared the moment a reschedule begins, so nothing ever
	// observes it still pointing at a task that has just exited.
	flags := taskLock.Lock()
	currentIdx = nilIdx
	taskLock.Unlock(flags)

	if prev.state == Running {
		sched.UpdateCurrent(prev, now)
		prev.state = Ready
		sched.Enqueue(prev)
	}

	next, _ := sched.PickNext().(*Task)
	if next == nil {
		if prev.state == Ready {
			prev.state = Running
			sched.Dequeue(prev)
			SetCurrent(prev)
			return
		}
		next = IdleTask()
		if next == nil {
			return
		}
	}
	if next == prev {
		if prev.state == Ready {
			prev.state = Running
			sched.Dequeue(prev)
		}
		SetCurrent(prev)
		return
	}

	sched.Dequeue(next)
	next.state = Running
	next.lastChargeNs = now
	next.timeSliceNs = sched.CalcSlice(next)
	SetCurrent(next)

	if !next.started {
		next.started = true
		entryTrampoline(next)
		return
	}

	switchToFn(&prev.context, &next.context)
}

// SchedulePreempt is the timer-driven counterpart to Schedule: regs is the
// trap frame the interrupt vector saved the preempted task's registers
// into. The current task's saved context is refreshed from regs, the same
// accounting Schedule performs runs, and — if a different task is chosen —
// regs is overwritten with that task's saved context so the trap-return
// path resumes it instead. If the run queue is empty the current task
// simply continues.
func SchedulePreempt(regs *Context) {
	prev := Current()
	if prev == nil {
		return
	}
	prev.context = *regs

	now := nowFn()
	if prev.state == Running {
		sched.UpdateCurrent(prev, now)
		prev.state = Ready
		sched.Enqueue(prev)
	}

	next, _ := sched.PickNext().(*Task)
	if next == nil {
		next = prev
	}
	if next == prev {
		if prev.state == Ready {
			prev.state = Running
			sched.Dequeue(prev)
		}
		return
	}

	sched.Dequeue(next)
	next.state = Running
	next.lastChargeNs = now
	next.timeSliceNs = sched.CalcSlice(next)
	SetCurrent(next)

	if !next.started {
		next.started = true
		entryTrampoline(next)
		return
	}

	*regs = next.context
}

// SliceExpired reports whether t has consumed its full time slice, judged
// against accumulated physical time since its last charge. The timer
// handler consults this before deciding to call SchedulePreempt.
func SliceExpired(t *Task, now uint64) bool {
	if t == nil {
		return false
	}
	return now-t.lastChargeNs >= t.timeSliceNs
}
