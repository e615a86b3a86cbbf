// Package x11 talks to the X server for the fallback pointer poller, the
// XDND drag driver and the EWMH work area.
package x11

import (
	"github.com/BurntSushi/xgb/xproto"
	"github.com/BurntSushi/xgbutil"

	"github.com/chess10kp/dropshelf/internal/platform"
)

// connect opens a connection to display, or $DISPLAY when empty.
func connect(driver, display string) (*xgbutil.XUtil, error) {
	var (
		xu  *xgbutil.XUtil
		err error
	)
	if display == "" {
		xu, err = xgbutil.NewConn()
	} else {
		xu, err = xgbutil.NewConnDisplay(display)
	}
	if err != nil {
		return nil, platform.Unavailable(driver, "connect", err)
	}
	return xu, nil
}

// queryPointer returns the root pointer position and primary button state.
func queryPointer(xu *xgbutil.XUtil) (platform.Point, bool, error) {
	reply, err := xproto.QueryPointer(xu.Conn(), xu.RootWin()).Reply()
	if err != nil {
		return platform.Point{}, false, err
	}
	pos := platform.Point{X: float64(reply.RootX), Y: float64(reply.RootY)}
	return pos, reply.Mask&xproto.KeyButMaskButton1 != 0, nil
}

// Locator answers pointer position queries, for drivers that only see
// relative motion.
type Locator struct {
	xu *xgbutil.XUtil
}

func OpenLocator(display string) (*Locator, error) {
	xu, err := connect("x11-locate", display)
	if err != nil {
		return nil, err
	}
	return &Locator{xu: xu}, nil
}

func (l *Locator) Locate() (platform.Point, bool) {
	pos, _, err := queryPointer(l.xu)
	if err != nil {
		return platform.Point{}, false
	}
	return pos, true
}

func (l *Locator) Close() {
	l.xu.Conn().Close()
}
