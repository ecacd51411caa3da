package task

// switchTo saves the caller's callee-saved register set into prev and
// restores next's, so that when switchTo returns for prev's caller, every
// field of prev.context again reflects the moment of suspension and next
// resumes at its own previously saved PC. Implemented in assembly shipped
// with the platform-specific boot support; intentionally absent from this
// portable tree, the same way kernel/cpu's DAIF primitives are.
func switchTo(prev, next *Context)

// entryTrampoline is what a task's first dispatch runs: it recovers the
// entry function and its arguments from the Task record (rather than from
// context registers, since those would need to carry raw Go function
// addresses to do it the way the original's task_entry_wrapper does), and
// falls through to Exit(0) if entry returns.
func entryTrampoline(t *Task) {
	if t == nil || t.entry == nil {
		Exit(0)
		return
	}
	t.entry(t.args.Argv, t.args.Envp)
	Exit(0)
}
