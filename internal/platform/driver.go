// Package platform defines the contracts every OS backend must satisfy:
// pointer telemetry, drag-session inspection, floating windows and the
// screen work area. Concrete variants live in sub-packages and are selected
// once at startup by the orchestrator.
package platform

import (
	"context"
	"errors"
	"time"
)

// PointerSample is one timestamped pointer position and primary button state.
type PointerSample struct {
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	ButtonDown  bool    `json:"buttonDown"`
	TimestampMs uint64  `json:"timestampMs"`
}

// Point is a screen coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is a screen rectangle in pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DriverKind distinguishes the privileged native variant from the
// lower-fidelity fallback variant of a driver.
type DriverKind int

const (
	KindNative DriverKind = iota
	KindFallback
)

func (k DriverKind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// PointerDriver wraps a process-wide pointer hook or poller.
type PointerDriver interface {
	Name() string
	Kind() DriverKind
	// Start installs the hook. The returned error wraps ErrPlatformUnavailable
	// when the hook cannot be installed on this host.
	Start(ctx context.Context) error
	Stop()
	// Samples is closed after Stop.
	Samples() <-chan PointerSample
}

// DragSignalKind is the kind of raw notification a drag driver reports.
type DragSignalKind int

const (
	DragBegan DragSignalKind = iota
	DragData
	DragEnded
)

func (k DragSignalKind) String() string {
	switch k {
	case DragBegan:
		return "began"
	case DragData:
		return "data"
	case DragEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// DragSignal is a raw drag notification. ChangeCount mirrors the OS-level
// counter some drag sources expose to detect new drag content; it is only a
// dedup hint and never proves that two sessions carry the same files.
type DragSignal struct {
	Kind        DragSignalKind
	ChangeCount uint64
	Paths       []string
	TimestampMs uint64
}

// DragDriver inspects the OS drag-and-drop session.
type DragDriver interface {
	Name() string
	Kind() DriverKind
	Start(ctx context.Context) error
	Stop()
	Signals() <-chan DragSignal
}

// Window is one native floating container resource.
type Window interface {
	ID() string
	// Load pre-initializes the window content. A loaded window is warm.
	Load(ctx context.Context) error
	// Unload drops the content and leaves a bare (cold) window.
	Unload()
	Bind(shelfID string)
	Show(x, y float64)
	Hide()
	Move(x, y float64)
	SetOpacity(opacity float64)
	Raise()
	Destroy()
	// Alive reports whether the backing resource still exists.
	Alive() bool
}

// WindowFactory constructs new native windows.
type WindowFactory interface {
	Name() string
	Create(ctx context.Context) (Window, error)
}

// WorkAreaProvider reports the usable screen area for docking.
type WorkAreaProvider interface {
	WorkArea(ctx context.Context) (Rect, error)
}

// StaticWorkArea is a fixed work area, used when no display server can be
// queried.
type StaticWorkArea Rect

func (s StaticWorkArea) WorkArea(ctx context.Context) (Rect, error) {
	return Rect(s), nil
}

// WorkAreaChain asks each provider in turn and returns the first answer.
type WorkAreaChain []WorkAreaProvider

func (c WorkAreaChain) WorkArea(ctx context.Context) (Rect, error) {
	var errs []error
	for _, p := range c {
		area, err := p.WorkArea(ctx)
		if err == nil && area.Width > 0 && area.Height > 0 {
			return area, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return Rect{}, errors.New("no work area provider answered")
	}
	return Rect{}, errors.Join(errs...)
}

// PermissionPrompter is consulted before the privileged pointer hook is
// installed.
type PermissionPrompter interface {
	// EnsurePointerAccess reports whether the privileged hook may be used.
	// When access is missing it shows a one-time actionable prompt.
	EnsurePointerAccess(ctx context.Context) (bool, error)
}

// NowMs returns the current wall clock in milliseconds.
func NowMs() uint64 {
	return uint64(time.Now().UnixMilli())
}
