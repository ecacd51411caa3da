// Package sched implements the kernel's weight-fair run queue: a single
// red-black tree keyed on virtual runtime, shared by every non-idle READY
// task on the one CPU this kernel targets. The design follows EEVDF/CFS:
// a task's position is its accumulated virtual time scaled by its weight,
// the leftmost node is always the next task to run, and a newcomer's
// vruntime is clamped up to the queue's minimum so it cannot steal a slice
// an incumbent has already earned.
package sched

import "armkernel/kernel/sync"

// Queueable is the subset of task state the run queue needs to order and
// account for a task, kept as an interface so this package does not
// depend on kernel/task (which depends on this package for Enqueue,
// Dequeue, and PickNext).
type Queueable interface {
	Vruntime() uint64
	SetVruntime(uint64)
	Priority() int
	SetPriority(int)
	LastCharge() uint64
	SetLastCharge(uint64)
}

// Nice range and the EEVDF/CFS constants governing slice calculation.
const (
	MinNice = -20
	MaxNice = 19

	// NICE0Weight is the weight a nice-0 task contributes to load_weight;
	// every vruntime charge is scaled relative to it.
	NICE0Weight = 1024

	TargetLatencyNs  = 6_000_000
	MinGranularityNs = 750_000
	MaxSliceNs       = 100_000_000
	DefaultSliceNs   = 4_000_000
)

// niceToWeight maps nice -20..19 to a CFS-style weight table: roughly
// exponential at ~1.25 per step, with nice 0 pinned to NICE0Weight.
var niceToWeight = [40]uint32{
	88761, 71755, 56483, 46273, 36291, 29154, 23254, 18705, 14949, 11916,
	9548, 7620, 6100, 4904, 3906, 3121, 2501, 1991, 1586, 1277,
	1024, 820, 655, 526, 423, 335, 272, 215, 172, 137,
	110, 87, 70, 56, 45, 36, 29, 23, 18, 15,
}

// niceToWMult is the reciprocal-style multiplier table for the same nice
// range, precomputed in case an implementer wants to replace CalcSlice's
// division with a multiply-and-shift; this package uses plain division and
// carries the table only for parity with the original.
var niceToWMult = [40]uint32{
	48388, 59856, 76040, 92818, 118348, 147320, 184698,
	229616, 287308, 360437, 449829, 563644, 704093, 875809,
	1099582, 1376151, 1717300, 2157191, 2708050, 3363326, 4194304,
	5237765, 6557202, 8165337, 10153587, 12820798, 15790321, 19976592,
	24970740, 31350126, 39045157, 49367440, 61356676, 76695844, 95443717,
	119304647, 148102320, 186737708, 238609294, 286331153,
}

// WeightMultiplier returns niceToWMult for nice, clamped to [MinNice,
// MaxNice]; exposed for diagnostics and tests only.
func WeightMultiplier(nice int) uint32 {
	return niceToWMult[clampNice(nice)+20]
}

// maxQueued bounds the run queue's static node pool — the maximum number
// of tasks that may be READY and enqueued at once.
const maxQueued = 64

const nilIdx = int32(-1)

type rbColor uint8

const (
	red rbColor = iota
	black
)

type node struct {
	task                Queueable
	color               rbColor
	parent, left, right int32
	occupied            bool
}

var (
	lock sync.IRQSpinlock

	pool     [maxQueued]node
	root     = nilIdx
	leftmost = nilIdx

	loadWeight  uint64
	nrRunning   uint32
	minVruntime uint64

	poolInit bool
)

func clampNice(n int) int {
	if n < MinNice {
		return MinNice
	}
	if n > MaxNice {
		return MaxNice
	}
	return n
}

func weightFor(priority int) uint32 {
	return niceToWeight[clampNice(priority)+20]
}

// Reset clears the run queue to its initial empty state. Called once by
// the task manager's Init, and by tests between cases.
func Reset() {
	for i := range pool {
		pool[i] = node{}
	}
	root, leftmost = nilIdx, nilIdx
	loadWeight, nrRunning, minVruntime = 0, 0, 0
	poolInit = true
}

func ensureInit() {
	if !poolInit {
		Reset()
	}
}

func allocNode() (int32, bool) {
	for i := range pool {
		if !pool[i].occupied {
			pool[i] = node{occupied: true, parent: nilIdx, left: nilIdx, right: nilIdx}
			return int32(i), true
		}
	}
	return nilIdx, false
}

func releaseNode(idx int32) {
	pool[idx] = node{}
}

func findNode(task Queueable) int32 {
	for i := range pool {
		if pool[i].occupied && pool[i].task == task {
			return int32(i)
		}
	}
	return nilIdx
}

func colorOf(idx int32) rbColor {
	if idx == nilIdx {
		return black
	}
	return pool[idx].color
}

func rotateLeft(x int32) {
	y := pool[x].right
	pool[x].right = pool[y].left
	if pool[y].left != nilIdx {
		pool[pool[y].left].parent = x
	}
	pool[y].parent = pool[x].parent
	switch {
	case pool[x].parent == nilIdx:
		root = y
	case x == pool[pool[x].parent].left:
		pool[pool[x].parent].left = y
	default:
		pool[pool[x].parent].right = y
	}
	pool[y].left = x
	pool[x].parent = y
}

func rotateRight(x int32) {
	y := pool[x].left
	pool[x].left = pool[y].right
	if pool[y].right != nilIdx {
		pool[pool[y].right].parent = x
	}
	pool[y].parent = pool[x].parent
	switch {
	case pool[x].parent == nilIdx:
		root = y
	case x == pool[pool[x].parent].right:
		pool[pool[x].parent].right = y
	default:
		pool[pool[x].parent].left = y
	}
	pool[y].right = x
	pool[x].parent = y
}

func insertFixup(z int32) {
	for pool[z].parent != nilIdx && colorOf(pool[z].parent) == red {
		p := pool[z].parent
		g := pool[p].parent
		if p == pool[g].left {
			u := pool[g].right
			if colorOf(u) == red {
				pool[p].color, pool[u].color, pool[g].color = black, black, red
				z = g
				continue
			}
			if z == pool[p].right {
				z = p
				rotateLeft(z)
				p = pool[z].parent
				g = pool[p].parent
			}
			pool[p].color, pool[g].color = black, red
			rotateRight(g)
		} else {
			u := pool[g].left
			if colorOf(u) == red {
				pool[p].color, pool[u].color, pool[g].color = black, black, red
				z = g
				continue
			}
			if z == pool[p].left {
				z = p
				rotateRight(z)
				p = pool[z].parent
				g = pool[p].parent
			}
			pool[p].color, pool[g].color = black, red
			rotateLeft(g)
		}
	}
	pool[root].color = black
}

// bstInsert performs the ordinary BST insertion keyed on vruntime, ties
// broken toward the right subtree, updating leftmost as it descends: the
// new node becomes the cached leftmost iff every step down from the root
// went left.
func bstInsert(z int32, vruntime uint64) {
	parent := nilIdx
	cur := root
	isLeftmost := true
	for cur != nilIdx {
		parent = cur
		if vruntime < pool[cur].task.Vruntime() {
			cur = pool[cur].left
		} else {
			cur = pool[cur].right
			isLeftmost = false
		}
	}
	pool[z].parent = parent
	switch {
	case parent == nilIdx:
		root = z
	case vruntime < pool[parent].task.Vruntime():
		pool[parent].left = z
	default:
		pool[parent].right = z
	}
	pool[z].left, pool[z].right, pool[z].color = nilIdx, nilIdx, red
	if isLeftmost {
		leftmost = z
	}
}

func minimum(x int32) int32 {
	for pool[x].left != nilIdx {
		x = pool[x].left
	}
	return x
}

func transplant(u, v int32) {
	switch {
	case pool[u].parent == nilIdx:
		root = v
	case u == pool[pool[u].parent].left:
		pool[pool[u].parent].left = v
	default:
		pool[pool[u].parent].right = v
	}
	if v != nilIdx {
		pool[v].parent = pool[u].parent
	}
}

func deleteFixup(x, xParent int32) {
	for x != root && colorOf(x) == black {
		if x == pool[xParent].left {
			w := pool[xParent].right
			if colorOf(w) == red {
				pool[w].color = black
				pool[xParent].color = red
				rotateLeft(xParent)
				w = pool[xParent].right
			}
			if colorOf(pool[w].left) == black && colorOf(pool[w].right) == black {
				pool[w].color = red
				x = xParent
				xParent = pool[x].parent
				continue
			}
			if colorOf(pool[w].right) == black {
				pool[pool[w].left].color = black
				pool[w].color = red
				rotateRight(w)
				w = pool[xParent].right
			}
			pool[w].color = colorOf(xParent)
			pool[xParent].color = black
			pool[pool[w].right].color = black
			rotateLeft(xParent)
			x = root
		} else {
			w := pool[xParent].left
			if colorOf(w) == red {
				pool[w].color = black
				pool[xParent].color = red
				rotateRight(xParent)
				w = pool[xParent].left
			}
			if colorOf(pool[w].right) == black && colorOf(pool[w].left) == black {
				pool[w].color = red
				x = xParent
				xParent = pool[x].parent
				continue
			}
			if colorOf(pool[w].left) == black {
				pool[pool[w].right].color = black
				pool[w].color = red
				rotateLeft(w)
				w = pool[xParent].left
			}
			pool[w].color = colorOf(xParent)
			pool[xParent].color = black
			pool[pool[w].left].color = black
			rotateRight(xParent)
			x = root
		}
	}
	if x != nilIdx {
		pool[x].color = black
	}
}

// updateLeftmostBeforeRemoving recomputes the cached leftmost pointer for
// the case where z (about to be removed) currently holds it. Must be
// called before rbDelete touches the tree: the node z's successor, if any,
// keeps its own identity across the splice that deletion performs, so
// computing the replacement leftmost from the pre-deletion shape is safe.
func updateLeftmostBeforeRemoving(z int32) {
	if leftmost != z {
		return
	}
	if pool[z].right != nilIdx {
		leftmost = minimum(pool[z].right)
		return
	}
	cur, parent := z, pool[z].parent
	for parent != nilIdx && cur == pool[parent].right {
		cur = parent
		parent = pool[parent].parent
	}
	leftmost = parent
}

func rbDelete(z int32) {
	updateLeftmostBeforeRemoving(z)

	y := z
	yColor := colorOf(y)
	var x, xParent int32

	switch {
	case pool[z].left == nilIdx:
		x = pool[z].right
		xParent = pool[z].parent
		transplant(z, pool[z].right)
	case pool[z].right == nilIdx:
		x = pool[z].left
		xParent = pool[z].parent
		transplant(z, pool[z].left)
	default:
		y = minimum(pool[z].right)
		yColor = colorOf(y)
		x = pool[y].right
		if pool[y].parent == z {
			xParent = y
		} else {
			xParent = pool[y].parent
			transplant(y, pool[y].right)
			pool[y].right = pool[z].right
			pool[pool[y].right].parent = y
		}
		transplant(z, y)
		pool[y].left = pool[z].left
		pool[pool[y].left].parent = y
		pool[y].color = colorOf(z)
	}

	if yColor == black {
		deleteFixup(x, xParent)
	}
	releaseNode(z)
}

// Enqueue inserts task into the run queue keyed on its vruntime. A task
// arriving with less accumulated virtual time than the queue's minimum is
// clamped up to it first, so a newcomer cannot steal the slice an
// incumbent has already earned.
func Enqueue(task Queueable) {
	flags := lock.Lock()
	defer lock.Unlock(flags)
	ensureInit()

	if task.Vruntime() < minVruntime {
		task.SetVruntime(minVruntime)
	}

	idx, ok := allocNode()
	if !ok {
		return
	}
	pool[idx].task = task
	bstInsert(idx, task.Vruntime())
	insertFixup(idx)

	loadWeight += uint64(weightFor(task.Priority()))
	nrRunning++
}

// Dequeue removes task from the run queue if present. A task not
// currently queued is a silent no-op.
func Dequeue(task Queueable) {
	flags := lock.Lock()
	defer lock.Unlock(flags)
	ensureInit()

	idx := findNode(task)
	if idx == nilIdx {
		return
	}
	rbDelete(idx)

	w := uint64(weightFor(task.Priority()))
	if loadWeight >= w {
		loadWeight -= w
	} else {
		loadWeight = 0
	}
	if nrRunning > 0 {
		nrRunning--
	}
}

// PickNext returns the task with the smallest vruntime, or nil if the
// queue is empty.
func PickNext() Queueable {
	flags := lock.Lock()
	defer lock.Unlock(flags)
	ensureInit()

	if leftmost == nilIdx {
		return nil
	}
	return pool[leftmost].task
}

// UpdateCurrent charges task with the physical time elapsed since its last
// charge, converted to virtual time scaled by NICE0Weight/load_weight, and
// refreshes the queue's cached minimum vruntime.
func UpdateCurrent(task Queueable, now uint64) {
	if task == nil {
		return
	}
	flags := lock.Lock()
	defer lock.Unlock(flags)
	ensureInit()

	delta := now - task.LastCharge()
	if delta == 0 {
		return
	}
	task.SetLastCharge(now)

	lw := loadWeight
	if lw == 0 {
		lw = NICE0Weight
	}
	deltaFair := delta * NICE0Weight / lw
	task.SetVruntime(task.Vruntime() + deltaFair)

	if leftmost != nilIdx {
		minVruntime = pool[leftmost].task.Vruntime()
	} else {
		minVruntime = task.Vruntime()
	}
}

// CalcSlice returns task's next time slice: TARGET_LATENCY scaled by its
// share of the queue's load, clamped to [MinGranularityNs, MaxSliceNs].
func CalcSlice(task Queueable) uint64 {
	flags := lock.Lock()
	defer lock.Unlock(flags)
	ensureInit()

	if nrRunning == 0 {
		return DefaultSliceNs
	}

	lw := loadWeight
	if lw == 0 {
		lw = NICE0Weight
	}
	slice := uint64(TargetLatencyNs) * uint64(weightFor(task.Priority())) / lw
	if slice < MinGranularityNs {
		slice = MinGranularityNs
	}
	if slice > MaxSliceNs {
		slice = MaxSliceNs
	}
	return slice
}

// SetNice clamps n to [MinNice, MaxNice] and assigns it as task's priority.
func SetNice(task Queueable, n int) {
	task.SetPriority(clampNice(n))
}

// IsQueued reports whether task currently has a node in the run queue.
func IsQueued(task Queueable) bool {
	flags := lock.Lock()
	defer lock.Unlock(flags)
	ensureInit()
	return findNode(task) != nilIdx
}

// LoadWeight returns the run queue's current aggregated weight.
func LoadWeight() uint64 {
	flags := lock.Lock()
	defer lock.Unlock(flags)
	return loadWeight
}

// NrRunning returns the number of tasks currently queued.
func NrRunning() uint32 {
	flags := lock.Lock()
	defer lock.Unlock(flags)
	return nrRunning
}

// MinVruntime returns the run queue's cached minimum vruntime.
func MinVruntime() uint64 {
	flags := lock.Lock()
	defer lock.Unlock(flags)
	return minVruntime
}
