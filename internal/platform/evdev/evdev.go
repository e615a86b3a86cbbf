// Package evdev is the native pointer driver. It reads relative motion and
// button events straight from the kernel input devices, which needs read
// access to /dev/input (usually membership in the input group).
package evdev

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/chess10kp/dropshelf/internal/logging"
	"github.com/chess10kp/dropshelf/internal/platform"
)

const (
	eventSize    = 24
	sampleBuffer = 256

	evSyn     = 0x00
	evKey     = 0x01
	evRel     = 0x02
	synReport = 0x00
	relX      = 0x00
	relY      = 0x01
	btnLeft   = 0x110
)

var devicePatterns = []string{
	"/dev/input/by-id/*-event-mouse",
	"/dev/input/by-path/*-event-mouse",
}

type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

func decode(b []byte) inputEvent {
	return inputEvent{
		Sec:   int64(binary.NativeEndian.Uint64(b[0:8])),
		Usec:  int64(binary.NativeEndian.Uint64(b[8:16])),
		Type:  binary.NativeEndian.Uint16(b[16:18]),
		Code:  binary.NativeEndian.Uint16(b[18:20]),
		Value: int32(binary.NativeEndian.Uint32(b[20:24])),
	}
}

// tracker integrates relative motion into an absolute position clamped to
// the screen bounds.
type tracker struct {
	pos    platform.Point
	bounds platform.Rect
	button bool
	dirty  bool
	locate func() (platform.Point, bool)
}

func (t *tracker) apply(ev inputEvent) (platform.PointerSample, bool) {
	switch ev.Type {
	case evRel:
		switch ev.Code {
		case relX:
			t.pos.X += float64(ev.Value)
			t.dirty = true
		case relY:
			t.pos.Y += float64(ev.Value)
			t.dirty = true
		}
	case evKey:
		if ev.Code == btnLeft {
			down := ev.Value != 0
			if down && !t.button && t.locate != nil {
				// Relative motion drifts; resync on press.
				if p, ok := t.locate(); ok {
					t.pos = p
				}
			}
			t.button = down
			t.dirty = true
		}
	case evSyn:
		if ev.Code == synReport && t.dirty {
			t.dirty = false
			t.clamp()
			return platform.PointerSample{
				X:           t.pos.X,
				Y:           t.pos.Y,
				ButtonDown:  t.button,
				TimestampMs: uint64(ev.Sec)*1000 + uint64(ev.Usec)/1000,
			}, true
		}
	}
	return platform.PointerSample{}, false
}

func (t *tracker) clamp() {
	if t.bounds.Width <= 0 || t.bounds.Height <= 0 {
		return
	}
	t.pos.X = min(max(t.pos.X, t.bounds.X), t.bounds.X+t.bounds.Width-1)
	t.pos.Y = min(max(t.pos.Y, t.bounds.Y), t.bounds.Y+t.bounds.Height-1)
}

// Options configures the driver.
type Options struct {
	// Devices overrides discovery.
	Devices []string
	// Bounds is the screen rectangle the pointer is confined to.
	Bounds platform.Rect
	// Locate reports the true pointer position, if some other source knows it.
	Locate func() (platform.Point, bool)
	Logger *zap.Logger
}

// Driver implements platform.PointerDriver.
type Driver struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	files   []*os.File
	samples chan platform.PointerSample
	track   tracker
	dropped uint64
	wg      sync.WaitGroup
}

func New(opts Options) *Driver {
	d := &Driver{opts: opts, logger: logging.OrNop(opts.Logger).Named("evdev")}
	d.track = tracker{
		bounds: opts.Bounds,
		pos:    platform.Point{X: opts.Bounds.X + opts.Bounds.Width/2, Y: opts.Bounds.Y + opts.Bounds.Height/2},
		locate: opts.Locate,
	}
	return d
}

func (d *Driver) Name() string {
	return "evdev"
}

func (d *Driver) Kind() platform.DriverKind {
	return platform.KindNative
}

// Discover lists pointer event devices.
func Discover() []string {
	seen := make(map[string]bool)
	var out []string
	for _, pattern := range devicePatterns {
		matches, _ := filepath.Glob(pattern)
		for _, m := range matches {
			resolved, err := filepath.EvalSymlinks(m)
			if err != nil {
				resolved = m
			}
			if seen[resolved] {
				continue
			}
			seen[resolved] = true
			out = append(out, m)
		}
	}
	return out
}

func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}

	devices := d.opts.Devices
	if len(devices) == 0 {
		devices = Discover()
	}
	if len(devices) == 0 {
		return platform.Unavailable("evdev", "discover", errors.New("no pointer devices found"))
	}

	var files []*os.File
	var denied, lastErr error
	for _, path := range devices {
		f, err := openDevice(path)
		if err != nil {
			if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
				denied = err
			}
			lastErr = err
			d.logger.Debug("cannot open input device", zap.String("device", path), zap.Error(err))
			continue
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		if denied != nil {
			return platform.Unavailable("evdev", "open", fmt.Errorf("%w: %v", platform.ErrPermissionDenied, denied))
		}
		return platform.Unavailable("evdev", "open", lastErr)
	}

	d.files = files
	d.samples = make(chan platform.PointerSample, sampleBuffer)
	d.running = true
	for _, f := range files {
		d.wg.Add(1)
		go d.read(f)
	}
	d.logger.Info("reading pointer devices", zap.Int("devices", len(files)))
	return nil
}

// openDevice opens non-blocking so Close interrupts a pending read.
func openDevice(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return os.NewFile(uintptr(fd), path), nil
}

func (d *Driver) read(f *os.File) {
	defer d.wg.Done()

	buf := make([]byte, eventSize*64)
	for {
		n, err := f.Read(buf)
		if err != nil {
			if !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.EOF) {
				d.logger.Warn("input device read failed", zap.String("device", f.Name()), zap.Error(err))
			}
			return
		}
		d.consume(buf[:n-n%eventSize])
	}
}

func (d *Driver) consume(b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}
	for off := 0; off+eventSize <= len(b); off += eventSize {
		s, ok := d.track.apply(decode(b[off : off+eventSize]))
		if !ok {
			continue
		}
		select {
		case d.samples <- s:
		default:
			d.dropped++
		}
	}
}

func (d *Driver) Samples() <-chan platform.PointerSample {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.samples
}

// Dropped returns how many samples were discarded because the consumer
// fell behind.
func (d *Driver) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

func (d *Driver) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	files := d.files
	d.files = nil
	d.mu.Unlock()

	for _, f := range files {
		f.Close()
	}
	d.wg.Wait()

	d.mu.Lock()
	close(d.samples)
	d.mu.Unlock()
}
