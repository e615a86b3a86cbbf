package ipc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chess10kp/dropshelf/internal/drag"
	"github.com/chess10kp/dropshelf/internal/eventloop"
	"github.com/chess10kp/dropshelf/internal/platform"
	"github.com/chess10kp/dropshelf/internal/platform/headless"
	"github.com/chess10kp/dropshelf/internal/pool"
	"github.com/chess10kp/dropshelf/internal/shelf"
)

// lockedExec serializes commands the way the event loop does.
type lockedExec struct {
	mu sync.Mutex
	// before and after run once, around the next command.
	before func()
	after  func()
}

func (e *lockedExec) Call(_ context.Context, fn func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if before := e.before; before != nil {
		e.before = nil
		before()
	}
	fn()
	if after := e.after; after != nil {
		e.after = nil
		after()
	}
	return nil
}

type rig struct {
	d       *Dispatcher
	m       *shelf.Manager
	events  *Broadcaster
	exec    *lockedExec
	factory *headless.Factory
}

func newRig(t *testing.T, maxShelves int) *rig {
	t.Helper()
	cfg := shelf.DefaultConfig()
	cfg.Width = 100
	cfg.Height = 50
	cfg.MaxShelves = maxShelves

	r := &rig{events: NewBroadcaster(nil), exec: &lockedExec{}, factory: headless.NewFactory()}
	p := pool.New(pool.Config{WarmSize: 1, ColdSize: 1, MaxTotal: 4, StaleAfter: time.Minute}, r.factory, nil, nil)
	r.m = shelf.NewManager(shelf.Options{
		Config:    cfg,
		Pool:      p,
		Scheduler: eventloop.NewManual(),
		WorkArea:  platform.StaticWorkArea{Width: 1000, Height: 800},
		Publisher: r.events,
	})
	r.d = NewDispatcher(DispatcherOptions{
		Shelves:  r.m,
		Exec:     r.exec,
		Resolver: drag.NewResolver(nil, nil),
		Pointer:  func() (platform.Point, bool) { return platform.Point{X: 400, Y: 300}, true },
		Status:   func() interface{} { return map[string]string{"gesture": "available"} },
	})
	return r
}

func (r *rig) do(t *testing.T, command string, params *Params) Response {
	t.Helper()
	req, err := NewRequest(command, params)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	return r.d.Handle(context.Background(), req)
}

func (r *rig) createShelf(t *testing.T) string {
	t.Helper()
	resp := r.do(t, CmdCreate, &Params{})
	if !resp.Success {
		t.Fatalf("create failed: %s", resp.Error)
	}
	return resp.Data.(shelf.CreateResult).ID
}

func TestDispatcherShelfCommands(t *testing.T) {
	r := newRig(t, 5)
	id := r.createShelf(t)

	dir := t.TempDir()
	file := filepath.Join(dir, "report.pdf")
	if err := os.WriteFile(file, []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}

	if resp := r.do(t, CmdAddItem, &Params{ShelfID: id, Path: file}); !resp.Success {
		t.Fatalf("addItem failed: %+v", resp)
	}
	if resp := r.do(t, CmdAddItem, &Params{ShelfID: id, Path: dir}); !resp.Success {
		t.Fatalf("addItem dir failed: %+v", resp)
	}

	snap, ok := r.m.Get(id)
	if !ok || len(snap.Items) != 2 {
		t.Fatalf("Expected 2 items, got %+v", snap.Items)
	}
	if snap.Items[0].Kind != shelf.KindFile || snap.Items[0].SizeBytes != 5 {
		t.Errorf("Expected 5 byte file, got %+v", snap.Items[0])
	}
	if snap.Items[1].Kind != shelf.KindFolder {
		t.Errorf("Expected folder, got %+v", snap.Items[1])
	}

	resp := r.do(t, CmdFindItems, &Params{ShelfID: id, Query: "rep"})
	items, _ := resp.Data.([]shelf.Item)
	if !resp.Success || len(items) != 1 || items[0].Name != "report.pdf" {
		t.Errorf("findItems = %+v", resp)
	}

	if resp := r.do(t, CmdDock, &Params{ShelfID: id, Edge: "diagonal"}); resp.Success {
		t.Error("Expected unknown edge to fail")
	}
	if resp := r.do(t, CmdDock, &Params{ShelfID: id, Edge: "Left"}); !resp.Success {
		t.Errorf("dock failed: %+v", resp)
	}
	if snap, _ := r.m.Get(id); snap.DockEdge != shelf.EdgeLeft {
		t.Errorf("Expected left dock, got %s", snap.DockEdge)
	}
	if resp := r.do(t, CmdUndock, &Params{ShelfID: id}); !resp.Success {
		t.Errorf("undock failed: %+v", resp)
	}

	opacity := 0.5
	if resp := r.do(t, CmdUpdateConfig, &Params{ShelfID: id, Config: &shelf.PartialConfig{Opacity: &opacity}}); !resp.Success {
		t.Errorf("updateConfig failed: %+v", resp)
	}
	if resp := r.do(t, CmdUpdateConfig, &Params{ShelfID: id}); resp.Success {
		t.Error("Expected updateConfig without config to fail")
	}

	if resp := r.do(t, CmdHide, &Params{ShelfID: id}); !resp.Success {
		t.Errorf("hide failed: %+v", resp)
	}
	if resp := r.do(t, CmdShow, &Params{ShelfID: id}); !resp.Success {
		t.Errorf("show failed: %+v", resp)
	}

	if resp := r.do(t, CmdRemoveItem, &Params{ShelfID: id, ItemID: snap.Items[0].ID}); !resp.Success {
		t.Errorf("removeItem failed: %+v", resp)
	}

	if resp := r.do(t, CmdDestroy, &Params{ShelfID: id}); !resp.Success {
		t.Errorf("destroy failed: %+v", resp)
	}
	if resp := r.do(t, CmdDestroy, &Params{ShelfID: id}); resp.Success || resp.Data != false {
		t.Errorf("Expected stale destroy to return false, got %+v", resp)
	}
	if resp := r.do(t, CmdShow, &Params{ShelfID: id}); resp.Success {
		t.Error("Expected show on destroyed shelf to fail")
	}
}

func TestDispatcherCreateAtPointer(t *testing.T) {
	r := newRig(t, 5)
	id := r.createShelf(t)
	snap, _ := r.m.Get(id)
	if snap.Position != (platform.Point{X: 450, Y: 375}) {
		t.Errorf("Expected centered shelf at 450,375, got %+v", snap.Position)
	}

	resp := r.do(t, CmdCreate, &Params{AtPointer: true})
	if !resp.Success {
		t.Fatalf("create failed: %s", resp.Error)
	}
	snap, _ = r.m.Get(resp.Data.(shelf.CreateResult).ID)
	if snap.Position != (platform.Point{X: 350, Y: 275}) {
		t.Errorf("Expected shelf centered on pointer, got %+v", snap.Position)
	}
}

func TestDispatcherAddItemResolvesBeforeExecutor(t *testing.T) {
	r := newRig(t, 5)
	id := r.createShelf(t)

	file := filepath.Join(t.TempDir(), "report.pdf")
	if err := os.WriteFile(file, []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}

	// The file is gone by the time the command runs, so only a stat taken
	// before the executor sees its size.
	r.exec.mu.Lock()
	r.exec.before = func() { os.Remove(file) }
	r.exec.mu.Unlock()

	if resp := r.do(t, CmdAddItem, &Params{ShelfID: id, Path: file}); !resp.Success {
		t.Fatalf("addItem failed: %+v", resp)
	}
	snap, _ := r.m.Get(id)
	if len(snap.Items) != 1 || snap.Items[0].SizeBytes != 5 || snap.Items[0].Kind != shelf.KindFile {
		t.Errorf("Expected 5 byte file resolved up front, got %+v", snap.Items)
	}
}

func TestDispatcherCreateWithNestedConfig(t *testing.T) {
	r := newRig(t, 5)

	pinned := true
	visible := false
	opacity := 0.4
	edge := shelf.EdgeRight
	resp := r.do(t, CmdCreate, &Params{
		Position: &platform.Point{X: 10, Y: 10},
		Config: &shelf.PartialConfig{
			Position:  &platform.Point{X: 120, Y: 80},
			IsPinned:  &pinned,
			IsVisible: &visible,
			Opacity:   &opacity,
		},
	})
	if !resp.Success {
		t.Fatalf("create failed: %s", resp.Error)
	}
	snap, _ := r.m.Get(resp.Data.(shelf.CreateResult).ID)
	if snap.Position != (platform.Point{X: 120, Y: 80}) {
		t.Errorf("Expected nested position to win, got %+v", snap.Position)
	}
	if !snap.IsPinned || snap.IsVisible || snap.Opacity != 0.4 {
		t.Errorf("Expected pinned hidden shelf at 0.4 opacity, got %+v", snap)
	}

	resp = r.do(t, CmdCreate, &Params{Config: &shelf.PartialConfig{DockEdge: &edge}})
	if !resp.Success {
		t.Fatalf("docked create failed: %s", resp.Error)
	}
	if snap, _ := r.m.Get(resp.Data.(shelf.CreateResult).ID); snap.DockEdge != shelf.EdgeRight {
		t.Errorf("Expected right dock, got %s", snap.DockEdge)
	}

	bad := shelf.DockEdge("diagonal")
	if resp := r.do(t, CmdCreate, &Params{Config: &shelf.PartialConfig{DockEdge: &bad}}); resp.Success {
		t.Error("Expected unknown nested edge to fail")
	}
}

func TestDispatcherCreateRejectedAtLimit(t *testing.T) {
	r := newRig(t, 1)
	r.createShelf(t)

	resp := r.do(t, CmdCreate, &Params{})
	if resp.Success {
		t.Fatal("Expected second shelf to be rejected")
	}
	if !strings.Contains(resp.Error, "limit") {
		t.Errorf("Expected limit error, got %q", resp.Error)
	}
	if r.m.Count() != 1 {
		t.Errorf("Expected 1 shelf, got %d", r.m.Count())
	}
}

func TestDispatcherErrors(t *testing.T) {
	r := newRig(t, 5)

	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"unknown command", Request{Command: "shelf.explode"}, "unknown command"},
		{"invalid params", Request{Command: CmdShow, Params: json.RawMessage(`[1,2]`)}, "invalid params"},
		{"missing item", Request{Command: CmdAddItem, Params: json.RawMessage(`{"shelfId":"x"}`)}, "missing item"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := r.d.Handle(context.Background(), tt.req)
			if resp.Success || !strings.Contains(resp.Error, tt.want) {
				t.Errorf("Handle = %+v; want error containing %q", resp, tt.want)
			}
		})
	}

	resp := r.d.Handle(context.Background(), Request{ID: "42", Command: CmdStatus})
	if !resp.Success || resp.ID != "42" {
		t.Errorf("Expected status with echoed id, got %+v", resp)
	}
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster(nil)
	fast := b.Subscribe()
	slow := b.Subscribe()

	for i := 0; i < subscriberBuffer+5; i++ {
		b.Publish(shelf.Event{Kind: shelf.EventDestroyed, ShelfID: "s"})
		<-fast
	}

	if len(slow) != subscriberBuffer {
		t.Errorf("Expected slow subscriber to hold %d events, got %d", subscriberBuffer, len(slow))
	}
	if b.Dropped() != 5 {
		t.Errorf("Expected 5 dropped, got %d", b.Dropped())
	}

	b.Unsubscribe(fast)
	b.Unsubscribe(fast)
	if b.Subscribers() != 1 {
		t.Errorf("Expected 1 subscriber, got %d", b.Subscribers())
	}
	if _, ok := <-fast; ok {
		t.Error("Expected unsubscribed channel to be closed")
	}

	b.Close()
	if b.Subscribers() != 0 {
		t.Errorf("Expected no subscribers after Close, got %d", b.Subscribers())
	}
}

func TestServerRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "ds")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	socket := filepath.Join(dir, "ipc.sock")

	r := newRig(t, 5)
	srv := NewServer(r.d, socket, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer srv.Stop()

	if err := srv.Start(); err == nil {
		t.Error("Expected second Start to fail")
	}

	resp, err := Query(socket, CmdCreate, &Params{IsPinned: true})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	var created shelf.CreateResult
	if err := DecodeData(resp, &created); err != nil || created.ID == "" {
		t.Fatalf("Expected shelf id, got %+v (%v)", resp, err)
	}

	resp, err = Query(socket, CmdList, nil)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	var snaps []shelf.Snapshot
	if err := DecodeData(resp, &snaps); err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 || snaps[0].ID != created.ID || !snaps[0].IsPinned {
		t.Errorf("Expected pinned shelf %s, got %+v", created.ID, snaps)
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := os.Stat(socket); !os.IsNotExist(err) {
		t.Error("Expected socket file to be removed")
	}
	if _, err := Query(socket, CmdList, nil); err == nil {
		t.Error("Expected query against stopped server to fail")
	}
}
