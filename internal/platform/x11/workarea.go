package x11

import (
	"context"
	"errors"
	"sync"

	"github.com/BurntSushi/xgbutil"
	"github.com/BurntSushi/xgbutil/ewmh"

	"github.com/chess10kp/dropshelf/internal/platform"
)

// WorkArea reads _NET_WORKAREA for the current desktop. The connection is
// opened on first use.
type WorkArea struct {
	display string

	mu sync.Mutex
	xu *xgbutil.XUtil
}

func NewWorkArea(display string) *WorkArea {
	return &WorkArea{display: display}
}

func (w *WorkArea) WorkArea(ctx context.Context) (platform.Rect, error) {
	if err := ctx.Err(); err != nil {
		return platform.Rect{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.xu == nil {
		xu, err := connect("x11-workarea", w.display)
		if err != nil {
			return platform.Rect{}, err
		}
		w.xu = xu
	}

	areas, err := ewmh.WorkareaGet(w.xu)
	if err != nil {
		return platform.Rect{}, err
	}
	if len(areas) == 0 {
		return platform.Rect{}, errors.New("window manager reports no work area")
	}

	idx := 0
	if desk, err := ewmh.CurrentDesktopGet(w.xu); err == nil && int(desk) < len(areas) {
		idx = int(desk)
	}
	a := areas[idx]
	return platform.Rect{
		X:      float64(a.X),
		Y:      float64(a.Y),
		Width:  float64(a.Width),
		Height: float64(a.Height),
	}, nil
}

func (w *WorkArea) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.xu != nil {
		w.xu.Conn().Close()
		w.xu = nil
	}
}
