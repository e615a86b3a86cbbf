package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chess10kp/dropshelf/internal/platform"
	"github.com/chess10kp/dropshelf/internal/platform/headless"
)

// gatedFactory holds every Create until the gate opens.
type gatedFactory struct {
	*headless.Factory
	gate chan struct{}
}

func (g *gatedFactory) Create(ctx context.Context) (platform.Window, error) {
	<-g.gate
	return g.Factory.Create(ctx)
}

func testConfig() Config {
	return Config{WarmSize: 1, ColdSize: 1, MaxTotal: 3, StaleAfter: time.Minute}
}

func TestAcquirePrefersWarm(t *testing.T) {
	f := headless.NewFactory()
	p := New(testConfig(), f, nil, nil)

	if err := p.Prewarm(context.Background()); err != nil {
		t.Fatalf("Prewarm failed: %v", err)
	}
	if f.Created() != 1 {
		t.Fatalf("Expected 1 prewarmed window, got %d", f.Created())
	}

	h, err := p.TryAcquire(context.Background())
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if h.State() != StateInUse {
		t.Errorf("Expected in_use state, got %s", h.State())
	}
	if f.Created() != 1 {
		t.Errorf("Expected warm handle reuse, factory created %d", f.Created())
	}
}

func TestReleaseFillsWarmThenColdThenDestroys(t *testing.T) {
	f := headless.NewFactory()
	p := New(testConfig(), f, nil, nil)
	ctx := context.Background()

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := p.TryAcquire(ctx)
		if err != nil {
			t.Fatalf("TryAcquire %d failed: %v", i, err)
		}
		handles = append(handles, h)
	}

	for _, h := range handles {
		p.Release(h)
	}

	stats := p.Stats()
	if stats.Warm != 1 || stats.Cold != 1 || stats.InUse != 0 {
		t.Errorf("Expected 1 warm, 1 cold, 0 in use, got %+v", stats)
	}
	if f.Live() != 2 {
		t.Errorf("Expected surplus window destroyed, %d live", f.Live())
	}

	cold, _ := f.Lookup(handles[1].ID())
	if cold.Snapshot().Loaded {
		t.Error("Expected cold window to be unloaded")
	}
}

func TestColdAcquireReloads(t *testing.T) {
	f := headless.NewFactory()
	p := New(Config{WarmSize: 0, ColdSize: 1, MaxTotal: 2, StaleAfter: time.Minute}, f, nil, nil)
	ctx := context.Background()

	h, _ := p.TryAcquire(ctx)
	p.Release(h)
	if p.Stats().Cold != 1 {
		t.Fatalf("Expected a cold handle, got %+v", p.Stats())
	}

	again, err := p.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if again.ID() != h.ID() {
		t.Error("Expected cold handle to be reused")
	}
	w, _ := f.Lookup(again.ID())
	if !w.Snapshot().Loaded {
		t.Error("Expected cold handle to be loaded on acquire")
	}
}

func TestTryAcquireExhausted(t *testing.T) {
	p := New(testConfig(), headless.NewFactory(), nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := p.TryAcquire(ctx); err != nil {
			t.Fatalf("TryAcquire %d failed: %v", i, err)
		}
	}
	if _, err := p.TryAcquire(ctx); !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("Expected ErrResourceExhausted, got %v", err)
	}
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	p := New(Config{WarmSize: 1, ColdSize: 0, MaxTotal: 1, StaleAfter: time.Minute}, headless.NewFactory(), nil, nil)
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	got := make(chan *Handle, 1)
	go func() {
		next, err := p.Acquire(ctx)
		if err == nil {
			got <- next
		}
	}()

	select {
	case <-got:
		t.Fatal("Acquire must wait while the pool is at its ceiling")
	case <-time.After(20 * time.Millisecond):
	}

	p.Release(h)
	select {
	case next := <-got:
		if next.ID() != h.ID() {
			t.Error("Expected the released warm handle to be reused")
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire did not resume after Release")
	}

	timeout, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(timeout); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestPoolBoundsUnderChurn(t *testing.T) {
	f := headless.NewFactory()
	cfg := testConfig()
	p := New(cfg, f, nil, nil)
	ctx := context.Background()

	var held []*Handle
	evictions := 0
	for i := 0; i < cfg.MaxTotal*10; i++ {
		h, err := p.TryAcquire(ctx)
		if errors.Is(err, ErrResourceExhausted) {
			// Alternate between recycling and hard destroy.
			evictions++
			if evictions%2 == 0 {
				p.Release(held[0])
			} else {
				p.Destroy(held[0])
			}
			held = held[1:]
			continue
		}
		if err != nil {
			t.Fatalf("TryAcquire failed: %v", err)
		}
		held = append(held, h)

		if f.Live() > cfg.MaxTotal {
			t.Fatalf("Live windows %d exceed ceiling %d", f.Live(), cfg.MaxTotal)
		}
	}

	if f.MaxLive() > cfg.MaxTotal {
		t.Errorf("Live windows peaked at %d, ceiling %d", f.MaxLive(), cfg.MaxTotal)
	}
}

func TestReleaseDropsDeadWindow(t *testing.T) {
	f := headless.NewFactory()
	p := New(testConfig(), f, nil, nil)

	h, _ := p.TryAcquire(context.Background())
	w, _ := f.Lookup(h.ID())
	w.Kill()

	p.Release(h)
	if stats := p.Stats(); stats.Warm != 0 || stats.Live != 0 {
		t.Errorf("Expected dead window dropped, got %+v", stats)
	}
}

func TestSweepReclaimsGhostsAndStale(t *testing.T) {
	f := headless.NewFactory()
	p := New(Config{WarmSize: 1, ColdSize: 2, MaxTotal: 4, StaleAfter: time.Minute}, f, nil, nil)
	ctx := context.Background()

	base := time.Now()
	p.now = func() time.Time { return base }

	var hs []*Handle
	for i := 0; i < 4; i++ {
		h, _ := p.TryAcquire(ctx)
		hs = append(hs, h)
	}
	// hs[0] warm, hs[1] and hs[2] cold, hs[3] stays bound.
	p.Release(hs[0])
	p.Release(hs[1])
	p.Release(hs[2])

	warm, _ := f.Lookup(hs[0].ID())
	warm.Kill()
	bound, _ := f.Lookup(hs[3].ID())
	bound.Kill()

	res := p.Sweep(base.Add(2 * time.Minute))
	if res.Ghosts != 1 {
		t.Errorf("Expected 1 ghost, got %d", res.Ghosts)
	}
	if res.Stale != 2 {
		t.Errorf("Expected 2 stale cold handles, got %d", res.Stale)
	}
	if len(res.InUseGhosts) != 1 || res.InUseGhosts[0].ID() != hs[3].ID() {
		t.Errorf("Expected bound ghost reported, got %v", res.InUseGhosts)
	}

	stats := p.Stats()
	if stats.Warm != 0 || stats.Cold != 0 {
		t.Errorf("Expected idle sets empty after sweep, got %+v", stats)
	}
	if f.Live() != 0 {
		t.Errorf("Expected no live windows, got %d", f.Live())
	}
}

func TestCreateFailureReturnsSlot(t *testing.T) {
	f := headless.NewFactory()
	p := New(Config{WarmSize: 0, ColdSize: 0, MaxTotal: 1, StaleAfter: time.Minute}, f, nil, nil)

	f.FailNext(errors.New("no display"))
	if _, err := p.TryAcquire(context.Background()); err == nil {
		t.Fatal("Expected create failure")
	}
	if _, err := p.TryAcquire(context.Background()); err != nil {
		t.Errorf("Expected slot to be returned after failure, got %v", err)
	}
}

func TestCloseDestroysIdle(t *testing.T) {
	f := headless.NewFactory()
	p := New(testConfig(), f, nil, nil)
	ctx := context.Background()

	h, _ := p.TryAcquire(ctx)
	bound, _ := p.TryAcquire(ctx)
	p.Release(h)

	p.Close()
	if f.Live() != 1 {
		t.Errorf("Expected only the bound window alive, got %d", f.Live())
	}
	if _, err := p.TryAcquire(ctx); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}

	p.Release(bound)
	if f.Live() != 0 {
		t.Errorf("Expected release after close to destroy, %d live", f.Live())
	}
}

func TestInvalidConfigFallsBack(t *testing.T) {
	p := New(Config{MaxTotal: 0}, headless.NewFactory(), nil, nil)
	if p.Config() != DefaultConfig() {
		t.Errorf("Expected defaults, got %+v", p.Config())
	}
}

func TestCeilingHoldsWhilePrewarming(t *testing.T) {
	f := &gatedFactory{Factory: headless.NewFactory(), gate: make(chan struct{})}
	p := New(Config{WarmSize: 2, ColdSize: 0, MaxTotal: 2, StaleAfter: time.Minute}, f, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	wg.Add(3)
	go func() {
		defer wg.Done()
		errs <- p.Prewarm(ctx)
	}()
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_, err := p.TryAcquire(ctx)
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	if live := p.Stats().Live; live > 2 {
		t.Errorf("Expected windows under construction within the ceiling, got %d", live)
	}
	close(f.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if f.MaxLive() > 2 {
		t.Errorf("Expected at most 2 live windows, peaked at %d", f.MaxLive())
	}
	stats := p.Stats()
	if stats.InUse != 2 || stats.Live != 2 {
		t.Errorf("Expected both handles bound within the ceiling, got %+v", stats)
	}
}

func TestCreateFailureReleasesReservation(t *testing.T) {
	f := headless.NewFactory()
	p := New(Config{WarmSize: 1, ColdSize: 0, MaxTotal: 1, StaleAfter: time.Minute}, f, nil, nil)

	f.FailNext(errors.New("no display"))
	if err := p.Prewarm(context.Background()); err == nil {
		t.Fatal("Expected prewarm failure")
	}
	if live := p.Stats().Live; live != 0 {
		t.Errorf("Expected reservation released, live=%d", live)
	}
	if _, err := p.TryAcquire(context.Background()); err != nil {
		t.Errorf("Expected capacity after failed prewarm, got %v", err)
	}
}
