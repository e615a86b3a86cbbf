package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chess10kp/dropshelf/internal/drag"
	"github.com/chess10kp/dropshelf/internal/logging"
	"github.com/chess10kp/dropshelf/internal/platform"
	"github.com/chess10kp/dropshelf/internal/pool"
	"github.com/chess10kp/dropshelf/internal/shelf"
)

const defaultCommandTimeout = 5 * time.Second

// Executor runs fn on the thread that owns the shelf manager and waits
// for it. *eventloop.Loop is an Executor.
type Executor interface {
	Call(ctx context.Context, fn func()) error
}

// Inline runs fn on the calling goroutine.
type Inline struct{}

func (Inline) Call(_ context.Context, fn func()) error {
	fn()
	return nil
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Shelves *shelf.Manager
	Exec    Executor
	// Resolver classifies bare paths given to shelf.addItem.
	Resolver *drag.Resolver
	// Pointer reports the last known pointer position for atPointer
	// creation.
	Pointer func() (platform.Point, bool)
	// Status builds the status payload. It runs on the executor.
	Status  func() interface{}
	Timeout time.Duration
	Logger  *zap.Logger
}

// Dispatcher maps commands onto the shelf manager.
type Dispatcher struct {
	opts   DispatcherOptions
	logger *zap.Logger
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Exec == nil {
		opts.Exec = Inline{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCommandTimeout
	}
	return &Dispatcher{opts: opts, logger: logging.OrNop(opts.Logger).Named("ipc")}
}

// Handle runs one request. It never panics; failures are reported in the
// response.
func (d *Dispatcher) Handle(ctx context.Context, req Request) Response {
	resp := d.handle(ctx, req)
	resp.ID = req.ID
	return resp
}

func (d *Dispatcher) handle(ctx context.Context, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("command panicked", zap.String("command", req.Command), zap.Any("panic", r))
			resp = failure(fmt.Sprintf("internal error handling %s", req.Command))
		}
	}()

	var p Params
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return failure(fmt.Sprintf("invalid params: %v", err))
		}
	}

	// Classifying a bare path stats the filesystem, which stays off the
	// executor.
	if req.Command == CmdAddItem {
		item, err := d.itemFor(&p)
		if err != nil {
			return failure(err.Error())
		}
		p.Item = &item
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	var out Response
	err := d.opts.Exec.Call(ctx, func() {
		out = d.dispatch(ctx, req.Command, &p)
	})
	if err != nil {
		return failure(fmt.Sprintf("%s: %v", req.Command, err))
	}
	d.logger.Debug("command handled", zap.String("command", req.Command), zap.Bool("success", out.Success))
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, command string, p *Params) Response {
	m := d.opts.Shelves
	if m == nil && command != CmdStatus {
		return failure("shelf manager unavailable")
	}

	switch command {
	case CmdCreate:
		return d.create(ctx, p)
	case CmdDestroy:
		return result(m.Destroy(p.ShelfID, true))
	case CmdShow:
		return result(m.Show(p.ShelfID))
	case CmdHide:
		return result(m.Hide(p.ShelfID))
	case CmdDock:
		edge, ok := shelf.ParseEdge(p.Edge)
		if !ok {
			return Response{Success: false, Data: false, Error: fmt.Sprintf("unknown edge: %s", p.Edge)}
		}
		return result(m.Dock(p.ShelfID, edge))
	case CmdUndock:
		return result(m.Undock(p.ShelfID))
	case CmdAddItem:
		if p.Item == nil {
			return failure("missing item parameter")
		}
		return result(m.AddItem(p.ShelfID, *p.Item))
	case CmdRemoveItem:
		return result(m.RemoveItem(p.ShelfID, p.ItemID))
	case CmdUpdateConfig:
		if p.Config == nil {
			return failure("missing config parameter")
		}
		return result(m.UpdateConfig(p.ShelfID, *p.Config))
	case CmdFindItems:
		items, ok := m.FindItems(p.ShelfID, p.Query)
		if !ok {
			return Response{Success: false, Data: []shelf.Item{}}
		}
		return Response{Success: true, Data: items}
	case CmdGet:
		snap, ok := m.Get(p.ShelfID)
		if !ok {
			return Response{Success: false, Error: "no such shelf"}
		}
		return Response{Success: true, Data: snap}
	case CmdList:
		return Response{Success: true, Data: m.List()}
	case CmdStatus:
		if d.opts.Status == nil {
			return failure("status unavailable")
		}
		return Response{Success: true, Data: d.opts.Status()}
	default:
		return failure(fmt.Sprintf("unknown command: %s", command))
	}
}

func (d *Dispatcher) create(ctx context.Context, p *Params) Response {
	m := d.opts.Shelves
	opts := shelf.CreateOptions{
		Position: p.Position,
		IsPinned: p.IsPinned,
		Opacity:  p.Opacity,
		Hidden:   p.Hidden,
	}
	if p.DockEdge != "" {
		edge, ok := shelf.ParseEdge(p.DockEdge)
		if !ok {
			return failure(fmt.Sprintf("unknown edge: %s", p.DockEdge))
		}
		opts.DockEdge = edge
	}
	// A nested config takes the same shape as shelf.updateConfig and wins
	// over the flat fields.
	if c := p.Config; c != nil {
		if c.Position != nil {
			opts.Position = c.Position
		}
		if c.IsPinned != nil {
			opts.IsPinned = *c.IsPinned
		}
		if c.Opacity != nil {
			opts.Opacity = c.Opacity
		}
		if c.IsVisible != nil {
			opts.Hidden = !*c.IsVisible
		}
		if c.DockEdge != nil {
			edge, ok := shelf.ParseEdge(string(*c.DockEdge))
			if !ok {
				return failure(fmt.Sprintf("unknown edge: %s", *c.DockEdge))
			}
			opts.DockEdge = edge
		}
	}
	if opts.Position == nil && p.AtPointer && d.opts.Pointer != nil {
		if at, ok := d.opts.Pointer(); ok {
			cfg := m.Config()
			opts.Position = &platform.Point{X: at.X - cfg.Width/2, Y: at.Y - cfg.Height/2}
		}
	}

	res, err := m.Create(ctx, opts)
	if err != nil {
		if errors.Is(err, pool.ErrResourceExhausted) {
			d.logger.Info("manual shelf creation rejected", zap.Error(err))
		} else {
			d.logger.Warn("manual shelf creation failed", zap.Error(err))
		}
		return failure(err.Error())
	}
	return Response{Success: true, Data: res}
}

func (d *Dispatcher) itemFor(p *Params) (shelf.Item, error) {
	var item shelf.Item
	switch {
	case p.Item != nil:
		item = *p.Item
	case p.Path != "":
		item = shelf.Item{Path: p.Path}
	default:
		return item, errors.New("missing item parameter")
	}

	if item.Kind == "" {
		item.Kind = shelf.KindFile
		if d.opts.Resolver != nil && item.Path != "" {
			res := d.opts.Resolver.Resolve([]string{item.Path})[0]
			resolved := shelf.NewItem(res.Path, res.IsDir, res.SizeBytes)
			item.Kind = resolved.Kind
			if item.SizeBytes == 0 {
				item.SizeBytes = resolved.SizeBytes
			}
		}
	}
	return item, nil
}
