package x11

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BurntSushi/xgb/xfixes"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil"
	"github.com/BurntSushi/xgbutil/xprop"
	"go.uber.org/zap"

	"github.com/chess10kp/dropshelf/internal/logging"
	"github.com/chess10kp/dropshelf/internal/platform"
)

const (
	dndSelection    = "XdndSelection"
	uriListTarget   = "text/uri-list"
	transferProp    = "DROPSHELF_DND"
	signalBuffer    = 32
	maxPropertyLong = 1 << 16
)

// DragDriver watches XdndSelection ownership through XFixes. Every XDND
// source takes the selection when a drag starts, so each ownership change
// is a new session; the selection timestamp serves as the change counter.
// The session ends when the primary button is released.
type DragDriver struct {
	display  string
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	running  bool
	xu       *xgbutil.XUtil
	win      xproto.Window
	sel      xproto.Atom
	uriList  xproto.Atom
	prop     xproto.Atom
	signals  chan platform.DragSignal
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	active   bool
	session  uint64
	watching bool
	// requested is the time passed to ConvertSelection for the current
	// session; replies carrying another time belong to an older session.
	requested xproto.Timestamp
}

func NewDragDriver(display string, interval time.Duration, logger *zap.Logger) *DragDriver {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &DragDriver{display: display, interval: interval, logger: logging.OrNop(logger).Named("xdnd")}
}

func (d *DragDriver) Name() string {
	return "xdnd"
}

func (d *DragDriver) Kind() platform.DriverKind {
	return platform.KindNative
}

func (d *DragDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}

	xu, err := connect(d.Name(), d.display)
	if err != nil {
		return err
	}
	if err := d.setup(xu); err != nil {
		xu.Conn().Close()
		return platform.Unavailable(d.Name(), "setup", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.xu = xu
	d.cancel = cancel
	d.signals = make(chan platform.DragSignal, signalBuffer)
	d.running = true

	d.wg.Add(1)
	go d.events(runCtx)
	return nil
}

func (d *DragDriver) setup(xu *xgbutil.XUtil) error {
	c := xu.Conn()
	if err := xfixes.Init(c); err != nil {
		return fmt.Errorf("xfixes: %w", err)
	}
	if _, err := xfixes.QueryVersion(c, 5, 0).Reply(); err != nil {
		return fmt.Errorf("xfixes version: %w", err)
	}

	var err error
	if d.sel, err = xprop.Atm(xu, dndSelection); err != nil {
		return err
	}
	if d.uriList, err = xprop.Atm(xu, uriListTarget); err != nil {
		return err
	}
	if d.prop, err = xprop.Atm(xu, transferProp); err != nil {
		return err
	}

	// An unmapped window to receive the converted selection.
	wid, err := xproto.NewWindowId(c)
	if err != nil {
		return err
	}
	screen := xu.Screen()
	err = xproto.CreateWindowChecked(c, screen.RootDepth, wid, xu.RootWin(),
		-1, -1, 1, 1, 0, xproto.WindowClassInputOutput, screen.RootVisual, 0, nil).Check()
	if err != nil {
		return fmt.Errorf("create requestor window: %w", err)
	}
	d.win = wid

	err = xfixes.SelectSelectionInputChecked(c, wid, d.sel, xfixes.SelectionEventMaskSetSelectionOwner).Check()
	if err != nil {
		return fmt.Errorf("select selection input: %w", err)
	}
	return nil
}

func (d *DragDriver) events(ctx context.Context) {
	defer d.wg.Done()

	c := d.xu.Conn()
	for {
		ev, xerr := c.WaitForEvent()
		if ev == nil && xerr == nil {
			return
		}
		if xerr != nil {
			d.logger.Debug("x error", zap.String("error", xerr.Error()))
			continue
		}

		switch e := ev.(type) {
		case xfixes.SelectionNotifyEvent:
			if e.Owner == xproto.WindowNone {
				continue
			}
			d.begin(ctx, uint64(e.SelectionTimestamp), e.Timestamp)
			xproto.ConvertSelection(c, d.win, d.sel, d.uriList, d.prop, e.Timestamp)

		case xproto.SelectionNotifyEvent:
			session, ok := d.replyFor(e.Requestor, e.Time)
			if !ok {
				d.logger.Debug("stale selection reply dropped", zap.Uint32("time", uint32(e.Time)))
				continue
			}
			if e.Property == xproto.AtomNone {
				d.logger.Debug("drag source refused uri-list conversion")
				continue
			}
			d.deliver(ctx, session)
		}
	}
}

func (d *DragDriver) begin(ctx context.Context, stamp uint64, requested xproto.Timestamp) {
	startWatch := d.track(stamp, requested)

	d.send(ctx, platform.DragSignal{Kind: platform.DragBegan, ChangeCount: stamp, TimestampMs: platform.NowMs()})

	if startWatch {
		d.wg.Add(1)
		go d.watchButton(ctx)
	}
}

// track opens a session and reports whether the button watcher must start.
func (d *DragDriver) track(stamp uint64, requested xproto.Timestamp) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = true
	d.session = stamp
	d.requested = requested
	startWatch := !d.watching
	d.watching = true
	return startWatch
}

// replyFor matches a conversion reply to the session that requested it.
func (d *DragDriver) replyFor(requestor xproto.Window, t xproto.Timestamp) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active || requestor != d.win || t != d.requested {
		return 0, false
	}
	return d.session, true
}

func (d *DragDriver) deliver(ctx context.Context, session uint64) {
	reply, err := xproto.GetProperty(d.xu.Conn(), true, d.win, d.prop,
		xproto.GetPropertyTypeAny, 0, maxPropertyLong).Reply()
	if err != nil {
		d.logger.Debug("read converted selection failed", zap.Error(err))
		return
	}
	paths := platform.ParseURIList(string(reply.Value))
	if len(paths) == 0 {
		return
	}

	d.mu.Lock()
	current := d.active && d.session == session
	d.mu.Unlock()
	if !current {
		return
	}

	d.send(ctx, platform.DragSignal{Kind: platform.DragData, ChangeCount: session, Paths: paths, TimestampMs: platform.NowMs()})
}

// watchButton ends the session once the primary button is up.
func (d *DragDriver) watchButton(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_, down, err := queryPointer(d.xu)
		if err != nil || down {
			continue
		}

		d.mu.Lock()
		d.active = false
		d.watching = false
		d.mu.Unlock()

		d.send(ctx, platform.DragSignal{Kind: platform.DragEnded, TimestampMs: platform.NowMs()})
		return
	}
}

func (d *DragDriver) send(ctx context.Context, sig platform.DragSignal) {
	select {
	case d.signals <- sig:
	case <-ctx.Done():
	}
}

func (d *DragDriver) Signals() <-chan platform.DragSignal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signals
}

func (d *DragDriver) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	xu := d.xu
	d.mu.Unlock()

	cancel()
	xu.Conn().Close()
	d.wg.Wait()

	d.mu.Lock()
	close(d.signals)
	d.active = false
	d.watching = false
	d.mu.Unlock()
}
