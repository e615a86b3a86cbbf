// Package gtkwin provides native floating shelf windows through GTK. On
// Wayland compositors with layer-shell the windows are overlay surfaces;
// elsewhere they are undecorated keep-above utility windows.
//
// Every GTK call is marshalled onto the GTK main loop with glib.IdleAdd.
package gtkwin

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
	"github.com/gotk3/gotk3/gdk"
	"github.com/gotk3/gotk3/glib"
	"github.com/gotk3/gotk3/gtk"
	"go.uber.org/zap"

	"github.com/chess10kp/dropshelf/internal/logging"
	"github.com/chess10kp/dropshelf/internal/platform"
)

const shelfCSS = `
	window {
		background-color: rgba(14, 20, 25, 0.92);
		border: 1px solid rgba(248, 248, 242, 0.15);
		border-radius: 10px;
	}
	label {
		color: #f8f8f2;
		font-size: 13px;
	}
`

// Options configures the factory.
type Options struct {
	Width  int
	Height int
	// LayerShell places windows as overlay surfaces when the compositor
	// supports it.
	LayerShell bool
	// OnDrop is called on the GTK thread with files dropped on a shelf.
	OnDrop func(shelfID string, paths []string)
	// OnClose is called on the GTK thread when the user closes a shelf.
	OnClose func(shelfID string)
	Logger  *zap.Logger
}

// Factory creates GTK shelf windows. It is a platform.WindowFactory.
type Factory struct {
	opts   Options
	logger *zap.Logger
}

func NewFactory(opts Options) *Factory {
	if opts.Width <= 0 {
		opts.Width = 320
	}
	if opts.Height <= 0 {
		opts.Height = 240
	}
	return &Factory{opts: opts, logger: logging.OrNop(opts.Logger).Named("gtkwin")}
}

func (f *Factory) Name() string {
	return "gtk"
}

// call runs fn on the GTK main loop and waits for it.
func (f *Factory) call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	glib.IdleAdd(func() bool {
		done <- fn()
		return false
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post runs fn on the GTK main loop without waiting.
func (f *Factory) post(fn func()) {
	glib.IdleAdd(func() bool {
		fn()
		return false
	})
}

func (f *Factory) Create(ctx context.Context) (platform.Window, error) {
	w := &Window{id: uuid.NewString(), factory: f}
	if err := f.call(ctx, w.build); err != nil {
		return nil, fmt.Errorf("create shelf window: %w", err)
	}
	w.alive.Store(true)
	return w, nil
}

// Window is one GTK shelf window.
type Window struct {
	id      string
	factory *Factory
	alive   atomic.Bool

	// GTK thread only.
	win     *gtk.Window
	content *gtk.Box
	layer   bool

	mu      sync.Mutex
	shelfID string
}

func (w *Window) build() error {
	f := w.factory
	win, err := gtk.WindowNew(gtk.WINDOW_TOPLEVEL)
	if err != nil {
		return err
	}

	win.SetTitle("Shelf")
	win.SetResizable(false)
	win.SetDecorated(false)
	win.SetDefaultSize(f.opts.Width, f.opts.Height)
	win.SetKeepAbove(true)
	win.SetSkipTaskbarHint(true)
	win.SetSkipPagerHint(true)
	win.SetTypeHint(gdk.WINDOW_TYPE_HINT_UTILITY)
	win.SetAcceptFocus(false)

	if f.opts.LayerShell && layerSupported() {
		initLayer(unsafe.Pointer(win.GObject))
		w.layer = true
	}

	target, err := gtk.TargetEntryNew("text/uri-list", gtk.TARGET_OTHER_APP, 0)
	if err != nil {
		win.Destroy()
		return err
	}
	win.DragDestSet(gtk.DEST_DEFAULT_ALL, []gtk.TargetEntry{*target}, gdk.ACTION_COPY)
	win.Connect("drag-data-received", w.onDragData)
	win.Connect("delete-event", w.onDelete)
	win.Connect("destroy", func() {
		w.alive.Store(false)
	})

	applyCSS(win, shelfCSS)
	w.win = win
	return nil
}

func (w *Window) onDragData(win *gtk.Window, dctx *gdk.DragContext, x, y int, data *gtk.SelectionData, info, t uint) {
	if data == nil || w.factory.opts.OnDrop == nil {
		return
	}
	paths := platform.ParseURIList(string(data.GetData()))
	shelfID := w.boundShelf()
	if len(paths) == 0 || shelfID == "" {
		return
	}
	w.factory.logger.Debug("files dropped", zap.String("shelf", shelfID), zap.Int("count", len(paths)))
	w.factory.opts.OnDrop(shelfID, paths)
}

// onDelete turns a window-manager close into a user close of the shelf.
func (w *Window) onDelete() bool {
	if shelfID := w.boundShelf(); shelfID != "" && w.factory.opts.OnClose != nil {
		w.factory.opts.OnClose(shelfID)
	}
	return true
}

func (w *Window) boundShelf() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shelfID
}

func (w *Window) ID() string {
	return w.id
}

func (w *Window) Load(ctx context.Context) error {
	return w.factory.call(ctx, func() error {
		if w.win == nil || w.content != nil {
			return nil
		}
		box, err := gtk.BoxNew(gtk.ORIENTATION_VERTICAL, 6)
		if err != nil {
			return err
		}
		box.SetMarginStart(12)
		box.SetMarginEnd(12)
		box.SetMarginTop(12)
		box.SetMarginBottom(12)

		label, err := gtk.LabelNew("Drop files here")
		if err != nil {
			return err
		}
		box.PackStart(label, true, true, 0)
		w.win.Add(box)
		w.content = box
		return nil
	})
}

func (w *Window) Unload() {
	w.factory.post(func() {
		if w.win == nil || w.content == nil {
			return
		}
		w.content.Destroy()
		w.content = nil
	})
}

func (w *Window) Bind(shelfID string) {
	w.mu.Lock()
	w.shelfID = shelfID
	w.mu.Unlock()
}

func (w *Window) Show(x, y float64) {
	w.factory.post(func() {
		if w.win == nil {
			return
		}
		w.place(x, y)
		w.win.ShowAll()
	})
}

func (w *Window) Hide() {
	w.factory.post(func() {
		if w.win != nil {
			w.win.Hide()
		}
	})
}

func (w *Window) Move(x, y float64) {
	w.factory.post(func() {
		if w.win != nil {
			w.place(x, y)
		}
	})
}

func (w *Window) place(x, y float64) {
	ix, iy := int(math.Round(x)), int(math.Round(y))
	if w.layer {
		placeLayer(unsafe.Pointer(w.win.GObject), ix, iy)
		return
	}
	w.win.Move(ix, iy)
}

func (w *Window) SetOpacity(opacity float64) {
	w.factory.post(func() {
		if w.win != nil {
			w.win.SetOpacity(opacity)
		}
	})
}

func (w *Window) Raise() {
	w.factory.post(func() {
		if w.win != nil {
			w.win.Present()
		}
	})
}

func (w *Window) Destroy() {
	w.alive.Store(false)
	w.Bind("")
	w.factory.post(func() {
		if w.win != nil {
			w.win.Destroy()
			w.win = nil
			w.content = nil
		}
	})
}

func (w *Window) Alive() bool {
	return w.alive.Load()
}

func applyCSS(widget gtk.IWidget, css string) {
	provider, err := gtk.CssProviderNew()
	if err != nil {
		return
	}
	if err := provider.LoadFromData(css); err != nil {
		return
	}
	if styleContext, err := widget.ToWidget().GetStyleContext(); err == nil {
		styleContext.AddProvider(provider, gtk.STYLE_PROVIDER_PRIORITY_APPLICATION)
	}
}
