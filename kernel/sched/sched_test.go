package sched

import (
	"testing"

	"armkernel/kernel/sync"
)

type fakeTask struct {
	vruntime   uint64
	priority   int
	lastCharge uint64
}

func (t *fakeTask) Vruntime() uint64        { return t.vruntime }
func (t *fakeTask) SetVruntime(v uint64)    { t.vruntime = v }
func (t *fakeTask) Priority() int           { return t.priority }
func (t *fakeTask) SetPriority(p int)       { t.priority = p }
func (t *fakeTask) LastCharge() uint64      { return t.lastCharge }
func (t *fakeTask) SetLastCharge(v uint64)  { t.lastCharge = v }

func withTestSeams(t *testing.T) {
	t.Helper()
	save, restore := sync.SaveAndDisableInterruptsFn, sync.RestoreInterruptsFn
	sync.SaveAndDisableInterruptsFn = func() uint64 { return 0 }
	sync.RestoreInterruptsFn = func(uint64) {}
	Reset()
	t.Cleanup(func() {
		sync.SaveAndDisableInterruptsFn = save
		sync.RestoreInterruptsFn = restore
	})
}

func TestEnqueuePickNextOrdersByVruntime(t *testing.T) {
	withTestSeams(t)

	a := &fakeTask{vruntime: 300}
	b := &fakeTask{vruntime: 100}
	c := &fakeTask{vruntime: 200}

	Enqueue(a)
	Enqueue(b)
	Enqueue(c)

	if got := PickNext(); got != Queueable(b) {
		t.Fatalf("PickNext() = %v, want b (smallest vruntime)", got)
	}
	if NrRunning() != 3 {
		t.Fatalf("NrRunning() = %d, want 3", NrRunning())
	}
}

func TestEnqueueClampsToMinVruntime(t *testing.T) {
	withTestSeams(t)

	old := &fakeTask{vruntime: 1000}
	Enqueue(old)
	Dequeue(old)
	minVruntime = 1000

	newcomer := &fakeTask{vruntime: 0}
	Enqueue(newcomer)

	if newcomer.Vruntime() != 1000 {
		t.Fatalf("newcomer.Vruntime() = %d, want clamped to 1000", newcomer.Vruntime())
	}
}

func TestDequeueIsIdempotentOnAbsentTask(t *testing.T) {
	withTestSeams(t)

	a := &fakeTask{}
	Dequeue(a) // not queued; must not panic
	if IsQueued(a) {
		t.Fatal("task should not be queued")
	}
}

func TestDequeueUpdatesLeftmostAndWeight(t *testing.T) {
	withTestSeams(t)

	a := &fakeTask{vruntime: 10, priority: 0}
	b := &fakeTask{vruntime: 20, priority: 0}
	Enqueue(a)
	Enqueue(b)

	Dequeue(a)

	if !IsQueued(b) {
		t.Fatal("b should remain queued")
	}
	if IsQueued(a) {
		t.Fatal("a should no longer be queued")
	}
	if got := PickNext(); got != Queueable(b) {
		t.Fatalf("PickNext() = %v, want b", got)
	}
	if got, want := LoadWeight(), uint64(niceToWeight[20]); got != want {
		t.Fatalf("LoadWeight() = %d, want %d", got, want)
	}
}

func TestUpdateCurrentAccumulatesVruntimeScaledByWeight(t *testing.T) {
	withTestSeams(t)

	a := &fakeTask{priority: 0, lastCharge: 0}
	Enqueue(a)
	Dequeue(a) // loadWeight back to 0 -> guarded to NICE0Weight in UpdateCurrent

	UpdateCurrent(a, 1_000_000)

	if a.Vruntime() != 1_000_000 {
		t.Fatalf("Vruntime() = %d, want 1000000 (1:1 scaling at nice 0 with empty queue)", a.Vruntime())
	}
	if a.LastCharge() != 1_000_000 {
		t.Fatalf("LastCharge() = %d, want 1000000", a.LastCharge())
	}
}

func TestCalcSliceClampsToGranularityBounds(t *testing.T) {
	withTestSeams(t)

	heavy := &fakeTask{priority: -20}
	light := &fakeTask{priority: 19}
	Enqueue(heavy)
	Enqueue(light)

	sliceHeavy := CalcSlice(heavy)
	sliceLight := CalcSlice(light)

	if sliceHeavy < MinGranularityNs || sliceHeavy > MaxSliceNs {
		t.Fatalf("sliceHeavy = %d out of bounds", sliceHeavy)
	}
	if sliceLight < MinGranularityNs || sliceLight > MaxSliceNs {
		t.Fatalf("sliceLight = %d out of bounds", sliceLight)
	}
	if sliceHeavy <= sliceLight {
		t.Fatalf("expected heavier-weight (lower nice) task to get a larger slice: heavy=%d light=%d", sliceHeavy, sliceLight)
	}
}

func TestSetNiceClampsRange(t *testing.T) {
	withTestSeams(t)

	a := &fakeTask{}
	SetNice(a, 100)
	if a.Priority() != MaxNice {
		t.Fatalf("Priority() = %d, want clamped to %d", a.Priority(), MaxNice)
	}
	SetNice(a, -100)
	if a.Priority() != MinNice {
		t.Fatalf("Priority() = %d, want clamped to %d", a.Priority(), MinNice)
	}
}

func TestFairSchedulingTwoEqualTasksSplitLoadEvenly(t *testing.T) {
	withTestSeams(t)

	a := &fakeTask{priority: 0}
	b := &fakeTask{priority: 0}
	Enqueue(a)
	Enqueue(b)

	var now uint64
	ticks := map[Queueable]int{a: 0, b: 0}
	for i := 0; i < 1000; i++ {
		next := PickNext()
		Dequeue(next)
		now += 100_000
		UpdateCurrent(next.(*fakeTask), now)
		ticks[next]++
		Enqueue(next)
	}

	ratio := float64(ticks[a]) / float64(ticks[b])
	if ratio < 0.9 || ratio > 1.1 {
		t.Fatalf("scheduling ratio a:b = %f, want within 10%% of 1:1 (a=%d b=%d)", ratio, ticks[a], ticks[b])
	}
}
