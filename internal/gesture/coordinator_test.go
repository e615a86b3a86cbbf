package gesture

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/chess10kp/dropshelf/internal/drag"
	"github.com/chess10kp/dropshelf/internal/eventloop"
	"github.com/chess10kp/dropshelf/internal/platform"
	"github.com/chess10kp/dropshelf/internal/platform/headless"
	"github.com/chess10kp/dropshelf/internal/pool"
	"github.com/chess10kp/dropshelf/internal/shake"
	"github.com/chess10kp/dropshelf/internal/shelf"
)

type fakeDrag struct {
	active bool
}

func (d *fakeDrag) Active() bool { return d.active }

type fakeShelves struct {
	c         *Coordinator
	requests  []ShelfRequest
	raised    []string
	destroyed []string
	live      map[string]bool
	pinned    map[string]bool
	err       error
	panics    bool
	next      int
}

func newFakeShelves() *fakeShelves {
	return &fakeShelves{live: map[string]bool{}, pinned: map[string]bool{}}
}

func (f *fakeShelves) RequestShelf(req ShelfRequest) (shelf.CreateResult, error) {
	if f.panics {
		panic("window system exploded")
	}
	f.requests = append(f.requests, req)
	if f.err != nil {
		return shelf.CreateResult{}, f.err
	}
	f.next++
	id := fmt.Sprintf("shelf-%d", f.next)
	f.live[id] = true
	return shelf.CreateResult{ID: id}, nil
}

func (f *fakeShelves) Raise(id string) bool {
	if !f.live[id] {
		return false
	}
	f.raised = append(f.raised, id)
	return true
}

func (f *fakeShelves) Exists(id string) bool   { return f.live[id] }
func (f *fakeShelves) IsPinned(id string) bool { return f.pinned[id] }

func (f *fakeShelves) Destroy(id string, force bool) bool {
	if !f.live[id] {
		return false
	}
	delete(f.live, id)
	f.destroyed = append(f.destroyed, id)
	if f.c != nil {
		f.c.ShelfDestroyed(id)
	}
	return true
}

type testRig struct {
	c       *Coordinator
	shelves *fakeShelves
	sched   *eventloop.Manual
	drag    *fakeDrag
}

func newRig() *testRig {
	r := &testRig{
		shelves: newFakeShelves(),
		sched:   eventloop.NewManual(),
		drag:    &fakeDrag{},
	}
	r.c = New(Options{
		Shake:        shake.DefaultConfig(),
		CleanupDelay: 1500 * time.Millisecond,
		Scheduler:    r.sched,
		Shelves:      r.shelves,
		Drag:         r.drag,
	})
	r.shelves.c = r.c
	return r
}

func (r *testRig) dragStart() {
	r.drag.active = true
	r.c.DragStarted()
}

func (r *testRig) dragEnd() {
	r.drag.active = false
	r.c.DragEnded()
}

// shakeSamples returns two x-axis reversals of 20px within 100ms.
func shakeSamples(start uint64) []platform.PointerSample {
	xs := []float64{100, 120, 140, 120, 100, 120, 140}
	out := make([]platform.PointerSample, len(xs))
	for i, x := range xs {
		out[i] = platform.PointerSample{X: x, Y: 300, ButtonDown: true, TimestampMs: start + uint64(i)*16}
	}
	return out
}

func resolved(paths ...string) []drag.Resolved {
	out := make([]drag.Resolved, len(paths))
	for i, p := range paths {
		out[i] = drag.Resolved{Path: p}
	}
	return out
}

func TestShakeWithoutDragNeverCreatesShelf(t *testing.T) {
	tests := []struct {
		name string
		run  func(r *testRig)
	}{
		{"shake while idle", func(r *testRig) {
			r.c.ShakeDetected()
		}},
		{"shake samples while idle", func(r *testRig) {
			r.c.Samples(shakeSamples(1000))
		}},
		{"shake after drag ended", func(r *testRig) {
			r.dragStart()
			r.dragEnd()
			r.c.ShakeDetected()
		}},
		{"shake when drag source disagrees", func(r *testRig) {
			r.c.DragStarted()
			r.c.ShakeDetected()
		}},
		{"stray end then shake", func(r *testRig) {
			r.c.DragEnded()
			r.c.Samples(shakeSamples(0))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig()
			tt.run(r)
			if len(r.shelves.requests) != 0 {
				t.Errorf("Expected no shelf request, got %d", len(r.shelves.requests))
			}
			if r.c.State() == StateShelfActive {
				t.Error("Expected coordinator not to reach SHELF_ACTIVE")
			}
		})
	}
}

func TestDragThenShakeCreatesOneShelf(t *testing.T) {
	r := newRig()

	r.dragStart()
	if r.c.State() != StateDragging {
		t.Fatalf("Expected DRAGGING, got %s", r.c.State())
	}

	r.c.Samples(shakeSamples(1000))
	if r.c.State() != StateShelfActive {
		t.Fatalf("Expected SHELF_ACTIVE, got %s", r.c.State())
	}
	if len(r.shelves.requests) != 1 {
		t.Fatalf("Expected exactly one shelf request, got %d", len(r.shelves.requests))
	}
	if got := r.shelves.requests[0].Position; got.X != 120 || got.Y != 300 {
		t.Errorf("Expected shelf at the pointer (120,300), got %+v", got)
	}
	if r.c.ActiveShelf() != "shelf-1" {
		t.Errorf("Expected active shelf shelf-1, got %q", r.c.ActiveShelf())
	}
}

func TestDragEndWithoutShakeReturnsToIdle(t *testing.T) {
	r := newRig()

	r.dragStart()
	r.dragEnd()

	if r.c.State() != StateIdle {
		t.Errorf("Expected IDLE, got %s", r.c.State())
	}
	if len(r.shelves.requests) != 0 {
		t.Errorf("Expected zero shelf requests, got %d", len(r.shelves.requests))
	}
}

func TestSecondShakeCoalesces(t *testing.T) {
	r := newRig()

	r.dragStart()
	r.c.ShakeDetected()
	r.c.ShakeDetected()
	r.c.Samples(shakeSamples(5000))

	if len(r.shelves.requests) != 1 {
		t.Errorf("Expected one shelf request, got %d", len(r.shelves.requests))
	}
	if len(r.shelves.raised) != 2 {
		t.Errorf("Expected repeat shakes to raise the shelf twice, got %d", len(r.shelves.raised))
	}
	if r.c.State() != StateShelfActive {
		t.Errorf("Expected SHELF_ACTIVE, got %s", r.c.State())
	}
}

func TestCreationUsesPathsOfCurrentDrag(t *testing.T) {
	r := newRig()

	r.dragStart()
	r.c.DragData(resolved("/home/u/a.txt"))
	// Second drag starts before the first one's data was flushed.
	r.dragStart()
	r.c.DragData(resolved("/home/u/b.pdf"))
	r.c.ShakeDetected()

	if len(r.shelves.requests) != 1 {
		t.Fatalf("Expected one request, got %d", len(r.shelves.requests))
	}
	got := r.shelves.requests[0].Candidates
	if len(got) != 1 || got[0].Path != "/home/u/b.pdf" {
		t.Errorf("Expected only b.pdf, got %+v", got)
	}
}

func TestNewDragWithoutDataCarriesNoStalePaths(t *testing.T) {
	r := newRig()

	r.dragStart()
	r.c.DragData(resolved("/home/u/a.txt"))
	r.dragStart()
	r.c.ShakeDetected()

	if len(r.shelves.requests) != 1 {
		t.Fatalf("Expected one request, got %d", len(r.shelves.requests))
	}
	if n := len(r.shelves.requests[0].Candidates); n != 0 {
		t.Errorf("Expected no candidates, got %d", n)
	}
}

func TestItemsAddedSelfTransition(t *testing.T) {
	r := newRig()

	r.dragStart()
	r.c.ShakeDetected()
	r.c.ShelfItemsAdded("shelf-1")

	if r.c.State() != StateShelfActive {
		t.Fatalf("Expected SHELF_ACTIVE after itemsAdded, got %s", r.c.State())
	}
	if !r.c.Status().HasItems {
		t.Fatal("Expected hasItems set")
	}

	r.dragEnd()
	if r.c.State() != StateCleanup {
		t.Fatalf("Expected CLEANUP_IN_PROGRESS, got %s", r.c.State())
	}
	r.sched.Advance(1500 * time.Millisecond)

	if r.c.State() != StateShelfActive {
		t.Errorf("Expected shelf with items kept, got %s", r.c.State())
	}
	if len(r.shelves.destroyed) != 0 {
		t.Errorf("Expected no destroy, got %v", r.shelves.destroyed)
	}
}

func TestItemsAddedForOtherShelfIgnored(t *testing.T) {
	r := newRig()

	r.dragStart()
	r.c.ShakeDetected()
	r.c.ShelfItemsAdded("manual-shelf")

	if r.c.Status().HasItems {
		t.Error("Expected items on another shelf not to count")
	}
}

func TestCleanupDestroysUnusedShelf(t *testing.T) {
	r := newRig()

	r.dragStart()
	r.c.ShakeDetected()
	r.dragEnd()

	if r.sched.PendingTimers() != 1 {
		t.Fatalf("Expected cleanup timer armed, got %d timers", r.sched.PendingTimers())
	}

	r.sched.Advance(1499 * time.Millisecond)
	if r.c.State() != StateCleanup {
		t.Fatalf("Expected cleanup still pending, got %s", r.c.State())
	}

	r.sched.Advance(time.Millisecond)
	if r.c.State() != StateIdle {
		t.Errorf("Expected IDLE, got %s", r.c.State())
	}
	if len(r.shelves.destroyed) != 1 || r.shelves.destroyed[0] != "shelf-1" {
		t.Errorf("Expected shelf-1 destroyed, got %v", r.shelves.destroyed)
	}
	if r.c.ActiveShelf() != "" {
		t.Errorf("Expected no active shelf, got %q", r.c.ActiveShelf())
	}
}

func TestCleanupKeepsPinnedShelf(t *testing.T) {
	r := newRig()

	r.dragStart()
	r.c.ShakeDetected()
	r.shelves.pinned["shelf-1"] = true
	r.dragEnd()
	r.sched.Advance(2 * time.Second)

	if r.c.State() != StateShelfActive {
		t.Errorf("Expected pinned shelf kept, got %s", r.c.State())
	}
	if len(r.shelves.destroyed) != 0 {
		t.Error("Expected pinned shelf not destroyed")
	}
}

func TestItemsAddedDuringCleanup(t *testing.T) {
	r := newRig()

	r.dragStart()
	r.c.ShakeDetected()
	r.dragEnd()
	// Drop resolves after the drag ended.
	r.c.ShelfItemsAdded("shelf-1")
	if r.c.State() != StateCleanup {
		t.Fatalf("Expected CLEANUP_IN_PROGRESS, got %s", r.c.State())
	}

	r.sched.Advance(2 * time.Second)
	if r.c.State() != StateShelfActive || len(r.shelves.destroyed) != 0 {
		t.Errorf("Expected shelf kept, state=%s destroyed=%v", r.c.State(), r.shelves.destroyed)
	}
}

func TestDragStartCancelsCleanup(t *testing.T) {
	r := newRig()

	r.dragStart()
	r.c.ShakeDetected()
	r.dragEnd()
	r.dragStart()

	if r.c.State() != StateShelfActive {
		t.Fatalf("Expected SHELF_ACTIVE, got %s", r.c.State())
	}
	if r.sched.PendingTimers() != 0 {
		t.Errorf("Expected cleanup timer cancelled, got %d", r.sched.PendingTimers())
	}

	r.sched.Advance(5 * time.Second)
	if len(r.shelves.destroyed) != 0 {
		t.Error("Expected no destroy after cancelled cleanup")
	}
}

func TestShelfDestroyedExternally(t *testing.T) {
	r := newRig()

	r.dragStart()
	r.c.ShakeDetected()
	r.c.ShelfDestroyed("shelf-1")
	if r.c.State() != StateDragging {
		t.Fatalf("Expected DRAGGING while the drag is still open, got %s", r.c.State())
	}

	r.c.ShakeDetected()
	if len(r.shelves.requests) != 2 {
		t.Fatalf("Expected a fresh shelf request, got %d", len(r.shelves.requests))
	}

	r.dragEnd()
	r.c.ShelfDestroyed("shelf-2")
	if r.c.State() != StateIdle {
		t.Errorf("Expected IDLE, got %s", r.c.State())
	}
	if r.sched.PendingTimers() != 0 {
		t.Errorf("Expected cleanup timer cancelled, got %d", r.sched.PendingTimers())
	}
}

func TestNewDragAfterKeptShelfGetsOwnShelf(t *testing.T) {
	r := newRig()

	r.dragStart()
	r.c.ShakeDetected()
	r.shelves.pinned["shelf-1"] = true
	r.dragEnd()
	r.sched.Advance(2 * time.Second)

	r.dragStart()
	r.c.ShakeDetected()
	if len(r.shelves.requests) != 2 {
		t.Fatalf("Expected second shelf for the new drag, got %d requests", len(r.shelves.requests))
	}
	if r.c.ActiveShelf() != "shelf-2" {
		t.Errorf("Expected shelf-2 active, got %q", r.c.ActiveShelf())
	}

	r.c.ShakeDetected()
	if len(r.shelves.requests) != 2 {
		t.Errorf("Expected repeat shake to coalesce, got %d requests", len(r.shelves.requests))
	}
}

func TestRequestFailureStaysDragging(t *testing.T) {
	r := newRig()
	r.shelves.err = pool.ErrResourceExhausted

	r.dragStart()
	r.c.ShakeDetected()
	if r.c.State() != StateDragging {
		t.Fatalf("Expected DRAGGING after failed request, got %s", r.c.State())
	}

	r.shelves.err = nil
	r.c.ShakeDetected()
	if r.c.State() != StateShelfActive {
		t.Errorf("Expected retry to succeed, got %s", r.c.State())
	}
}

func TestPanicInTransitionRecovered(t *testing.T) {
	r := newRig()
	r.shelves.panics = true

	r.dragStart()
	r.c.ShakeDetected()
	if r.c.State() != StateDragging {
		t.Fatalf("Expected state unchanged after panic, got %s", r.c.State())
	}

	r.shelves.panics = false
	r.c.ShakeDetected()
	if r.c.State() != StateShelfActive {
		t.Errorf("Expected coordinator usable after panic, got %s", r.c.State())
	}
}

func TestKeepAlive(t *testing.T) {
	r := newRig()

	r.dragStart()
	r.c.ShakeDetected()
	if !r.c.KeepAlive("shelf-1") {
		t.Error("Expected active shelf kept alive while dragging")
	}
	if r.c.KeepAlive("other") {
		t.Error("Expected other shelves not kept alive")
	}

	r.dragEnd()
	if !r.c.KeepAlive("shelf-1") {
		t.Error("Expected shelf kept alive during cleanup")
	}

	r.c.ShelfItemsAdded("shelf-1")
	r.sched.Advance(2 * time.Second)
	if r.c.KeepAlive("shelf-1") {
		t.Error("Expected kept shelf to follow normal auto-hide once idle")
	}
}

func TestTrajectoryCapped(t *testing.T) {
	r := newRig()
	r.dragStart()

	samples := make([]platform.PointerSample, 150)
	for i := range samples {
		samples[i] = platform.PointerSample{X: float64(i), Y: 0, TimestampMs: uint64(i)}
	}
	r.c.Samples(samples)

	if n := r.c.Status().Trajectory; n != maxTrajectory {
		t.Errorf("Expected trajectory capped at %d, got %d", maxTrajectory, n)
	}
}

func TestManagedShelvesKeepsSingleDefaultShelf(t *testing.T) {
	sched := eventloop.NewManual()
	factory := headless.NewFactory()
	p := pool.New(pool.Config{WarmSize: 1, ColdSize: 1, MaxTotal: 3, StaleAfter: time.Minute}, factory, nil, nil)

	cfg := shelf.DefaultConfig()
	cfg.Width = 100
	cfg.Height = 50
	var events []shelf.Event
	m := shelf.NewManager(shelf.Options{
		Config:    cfg,
		Pool:      p,
		Scheduler: sched,
		WorkArea:  platform.StaticWorkArea{Width: 1000, Height: 800},
		Publisher: shelf.PublisherFunc(func(e shelf.Event) { events = append(events, e) }),
	})

	d := &fakeDrag{}
	c := New(Options{Scheduler: sched, Shelves: ManagedShelves{Manager: m}, Drag: d})
	m.SetObserver(c)

	d.active = true
	c.DragStarted()
	c.DragData(resolved("/home/u/b.pdf"))
	c.ShakeDetected()
	c.ShakeDetected()

	if m.Count() != 1 {
		t.Fatalf("Expected one shelf, got %d", m.Count())
	}
	snap, ok := m.Get(c.ActiveShelf())
	if !ok {
		t.Fatal("Expected active shelf to exist")
	}
	if snap.Position.X != -50 || snap.Position.Y != -25 || !snap.IsDefault {
		t.Errorf("Expected default shelf centered on the pointer, got %+v", snap)
	}
	if len(snap.Candidates) != 1 || snap.Candidates[0] != "/home/u/b.pdf" {
		t.Errorf("Expected candidates carried to the shelf, got %v", snap.Candidates)
	}

	d.active = false
	c.DragEnded()
	sched.Advance(1500 * time.Millisecond)

	if c.State() != StateIdle {
		t.Errorf("Expected IDLE after cleanup, got %s", c.State())
	}
	if m.Count() != 0 {
		t.Errorf("Expected shelf destroyed, got %d", m.Count())
	}
	if factory.Live() > 3 {
		t.Errorf("Expected at most 3 live windows, got %d", factory.Live())
	}
	if last := events[len(events)-1]; last.Kind != shelf.EventDestroyed {
		t.Errorf("Expected destroyed event last, got %s", last.Kind)
	}
}

func TestManagedShelvesReportsExhaustion(t *testing.T) {
	sched := eventloop.NewManual()
	factory := headless.NewFactory()
	factory.FailNext(errors.New("no display"))
	p := pool.New(pool.Config{WarmSize: 0, ColdSize: 0, MaxTotal: 1, StaleAfter: time.Minute}, factory, nil, nil)
	m := shelf.NewManager(shelf.Options{
		Config:    shelf.DefaultConfig(),
		Pool:      p,
		Scheduler: sched,
		WorkArea:  platform.StaticWorkArea{Width: 1000, Height: 800},
	})

	d := &fakeDrag{active: true}
	c := New(Options{Scheduler: sched, Shelves: ManagedShelves{Manager: m}, Drag: d})
	m.SetObserver(c)

	c.DragStarted()
	c.ShakeDetected()
	if c.State() != StateDragging {
		t.Errorf("Expected DRAGGING after failed create, got %s", c.State())
	}
	if m.Count() != 0 {
		t.Errorf("Expected no shelf, got %d", m.Count())
	}
}
