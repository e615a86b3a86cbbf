package core

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chess10kp/dropshelf/internal/config"
	"github.com/chess10kp/dropshelf/internal/ipc"
	"github.com/chess10kp/dropshelf/internal/platform"
	"github.com/chess10kp/dropshelf/internal/platform/headless"
	"github.com/chess10kp/dropshelf/internal/platform/heuristic"
	"github.com/chess10kp/dropshelf/internal/shelf"
)

// fakePointer is a PointerDriver fed by the test.
type fakePointer struct {
	mu      sync.Mutex
	samples chan platform.PointerSample
}

func (f *fakePointer) Name() string               { return "fake" }
func (f *fakePointer) Kind() platform.DriverKind { return platform.KindFallback }

func (f *fakePointer) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = make(chan platform.PointerSample, 64)
	return nil
}

func (f *fakePointer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.samples != nil {
		close(f.samples)
		f.samples = nil
	}
}

func (f *fakePointer) Samples() <-chan platform.PointerSample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.samples
}

func (f *fakePointer) feed(xs []float64, startMs uint64) {
	ch := f.Samples()
	for i, x := range xs {
		ch <- platform.PointerSample{X: x, Y: 300, ButtonDown: true, TimestampMs: startMs + uint64(i)*16}
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "dsapp")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.DefaultConfig
	cfg.PreferencesPath = filepath.Join(dir, "preferences.toml")
	cfg.IPC.SocketPath = filepath.Join(dir, "ipc.sock")
	cfg.IPC.WebsocketAddr = ""
	cfg.Metrics.ListenAddr = ""
	cfg.Drivers.Window = "headless"
	cfg.Drivers.WorkArea = "static"
	cfg.Pool.Warm = 1
	cfg.Pool.Cold = 1
	return &cfg
}

type runningApp struct {
	app  *App
	done chan error
	once sync.Once
	err  error
}

func startApp(t *testing.T, app *App) *runningApp {
	t.Helper()
	r := &runningApp{app: app, done: make(chan error, 1)}
	go func() {
		r.done <- app.Run(context.Background())
	}()

	waitFor(t, "IPC socket", func() bool {
		_, err := os.Stat(app.config.IPC.SocketPath)
		return err == nil
	})
	t.Cleanup(r.stop)
	return r
}

func (r *runningApp) stop() {
	r.once.Do(func() {
		r.app.Quit()
		select {
		case r.err = <-r.done:
		case <-time.After(5 * time.Second):
			r.err = context.DeadlineExceeded
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func query(t *testing.T, app *App, command string, params *ipc.Params) *ipc.Response {
	t.Helper()
	resp, err := ipc.Query(app.config.IPC.SocketPath, command, params)
	if err != nil {
		t.Fatalf("%s failed: %v", command, err)
	}
	return resp
}

func statusOf(t *testing.T, app *App) Status {
	t.Helper()
	var st Status
	if err := ipc.DecodeData(query(t, app, ipc.CmdStatus, nil), &st); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestAppShakeDuringDragCreatesShelf(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewApp(cfg, nil)
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}

	pointer := &fakePointer{}
	heur := heuristic.New(8)
	app.factory = headless.NewFactory()
	app.drivers = &drivers{
		pointerFallback: pointer,
		dragFallback:    heur,
		heuristic:       heur,
		workArea:        platform.StaticWorkArea{Width: 1920, Height: 1080},
	}

	startApp(t, app)

	// Press and travel past the drag threshold without reversing.
	pointer.feed([]float64{100, 110, 120}, 1000)
	waitFor(t, "drag to start", func() bool {
		return statusOf(t, app).Coordinator.State == "DRAGGING"
	})

	// The recognizer restarts with the drag, so the shake itself needs
	// two reversals.
	pointer.feed([]float64{140, 120, 100, 120, 140, 120, 100}, 1048)
	waitFor(t, "gesture shelf", func() bool {
		return statusOf(t, app).Shelves == 1
	})

	var snaps []shelf.Snapshot
	if err := ipc.DecodeData(query(t, app, ipc.CmdList, nil), &snaps); err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 || !snaps[0].IsDefault || !snaps[0].IsVisible {
		t.Fatalf("Expected one visible default shelf, got %+v", snaps)
	}

	st := statusOf(t, app)
	if st.Gesture != Degraded {
		t.Errorf("Expected degraded gesture subsystem without native drivers, got %s (%v)", st.Gesture, st.Reasons)
	}
	if st.PointerDriver != "fake" || st.DragDriver != "heuristic" {
		t.Errorf("Unexpected drivers %s / %s", st.PointerDriver, st.DragDriver)
	}
	if st.Windows != "headless" {
		t.Errorf("Expected headless windows, got %s", st.Windows)
	}
}

func TestAppWithoutDriversKeepsCommandsAvailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Drivers.Pointer = "none"
	cfg.Drivers.Drag = "none"

	app, err := NewApp(cfg, nil)
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	r := startApp(t, app)

	st := statusOf(t, app)
	if st.Gesture != Unavailable || len(st.Reasons) == 0 {
		t.Errorf("Expected unavailable gesture subsystem with a reason, got %+v", st)
	}

	resp := query(t, app, ipc.CmdCreate, &ipc.Params{IsPinned: true})
	if !resp.Success {
		t.Fatalf("Expected manual shelf creation to work, got %+v", resp)
	}
	if st := statusOf(t, app); st.Shelves != 1 {
		t.Errorf("Expected 1 shelf, got %d", st.Shelves)
	}

	r.stop()
	if r.err != nil {
		t.Errorf("Expected clean shutdown, got %v", r.err)
	}
	if _, err := os.Stat(cfg.IPC.SocketPath); !os.IsNotExist(err) {
		t.Error("Expected socket removed after shutdown")
	}
}

func TestNewAppAppliesPreferences(t *testing.T) {
	cfg := testConfig(t)
	prefs := config.Preferences{ShakeSensitivity: "low", AutoHideDelayMs: 9000, MaxSimultaneousShelves: 2}
	if err := config.SavePreferences(&prefs, cfg.PreferencesPath); err != nil {
		t.Fatal(err)
	}

	app, err := NewApp(cfg, nil)
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}

	got := app.Config()
	if got.Shelf.AutoHideDelayMs != 9000 || got.Shelf.MaxShelves != 2 {
		t.Errorf("Expected preferences applied, got %+v", got.Shelf)
	}
	if got.Gesture.Shake.MinDirectionChanges != 4 {
		t.Errorf("Expected low sensitivity shake, got %+v", got.Gesture.Shake)
	}
	if cfg.Shelf.MaxShelves != config.DefaultConfig.Shelf.MaxShelves {
		t.Error("Expected caller config left untouched")
	}
}

func TestNewAppIgnoresInvalidPreferences(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.PreferencesPath, []byte(`shake_sensitivity = "wild"`), 0644); err != nil {
		t.Fatal(err)
	}

	app, err := NewApp(cfg, nil)
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	if app.Config().Gesture.Shake != cfg.Gesture.Shake {
		t.Error("Expected invalid preferences to be ignored")
	}

	if _, err := NewApp(nil, nil); err == nil {
		t.Error("Expected error for nil config")
	}
}

func TestSelectWorkAreaStatic(t *testing.T) {
	cfg := config.DefaultConfig
	cfg.Drivers.WorkArea = "static"
	cfg.Drivers.StaticWorkArea = config.RectConfig{Width: 800, Height: 600}

	d := &drivers{}
	area, err := selectWorkArea(&cfg, d).WorkArea(context.Background())
	if err != nil {
		t.Fatalf("WorkArea failed: %v", err)
	}
	if area.Width != 800 || area.Height != 600 {
		t.Errorf("Expected 800x600, got %+v", area)
	}
	if len(d.closers) != 0 {
		t.Error("Expected no connections for a static work area")
	}
}

func TestSelectDriversNone(t *testing.T) {
	cfg := config.DefaultConfig
	cfg.Drivers.Pointer = "none"
	cfg.Drivers.Drag = "heuristic"
	cfg.Drivers.WorkArea = "static"

	d := selectDrivers(&cfg, nil)
	if d.pointerNative != nil || d.pointerFallback != nil {
		t.Error("Expected no pointer drivers")
	}
	if d.heuristic == nil || d.dragFallback == nil || d.dragNative != nil {
		t.Error("Expected heuristic drag fallback only")
	}

	cfg.Gesture.Enabled = false
	d = selectDrivers(&cfg, nil)
	if d.heuristic != nil || d.workArea == nil {
		t.Error("Expected only a work area with the gesture trigger disabled")
	}
}

func TestReloadPreferencesForgetsResolvedPaths(t *testing.T) {
	cfg := testConfig(t)
	cfg.Drivers.Pointer = "none"
	cfg.Drivers.Drag = "none"

	app, err := NewApp(cfg, nil)
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	startApp(t, app)

	file := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(file, []byte("abc"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := app.resolver.Resolve([]string{file})[0].SizeBytes; got != 3 {
		t.Fatalf("Expected 3 bytes, got %d", got)
	}

	if err := os.WriteFile(file, []byte("abcdef"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := app.resolver.Resolve([]string{file})[0].SizeBytes; got != 3 {
		t.Fatalf("Expected cached size before reload, got %d", got)
	}

	app.reloadPreferences()
	if got := app.resolver.Resolve([]string{file})[0].SizeBytes; got != 6 {
		t.Errorf("Expected fresh size after reload, got %d", got)
	}
}
