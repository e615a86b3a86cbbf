// Package dbusprompt asks the user for pointer access through a desktop
// notification on the session bus.
package dbusprompt

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/chess10kp/dropshelf/internal/logging"
	"github.com/chess10kp/dropshelf/internal/platform"
)

const (
	notifyDest   = "org.freedesktop.Notifications"
	notifyPath   = "/org/freedesktop/Notifications"
	notifyMethod = "org.freedesktop.Notifications.Notify"

	defaultSummary = "Dropshelf needs pointer access"
	defaultBody    = "Add your user to the input group to enable shake detection, then log in again."
)

// Notifier shows one notification and returns its id.
type Notifier func(ctx context.Context, summary, body string) (uint32, error)

// Options configures a Prompter.
type Options struct {
	AppName string
	// Check reports whether pointer access is already granted.
	Check func() bool
	// Notify replaces the session bus notifier.
	Notify  Notifier
	Summary string
	Body    string
	Logger  *zap.Logger
}

// Prompter implements platform.PermissionPrompter. The user is notified at
// most once per process; later calls only re-run the check.
type Prompter struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	prompted bool
}

func New(opts Options) *Prompter {
	if opts.AppName == "" {
		opts.AppName = "dropshelf"
	}
	if opts.Summary == "" {
		opts.Summary = defaultSummary
	}
	if opts.Body == "" {
		opts.Body = defaultBody
	}
	if opts.Check == nil {
		opts.Check = func() bool { return true }
	}
	p := &Prompter{opts: opts, logger: logging.OrNop(opts.Logger).Named("prompt")}
	if p.opts.Notify == nil {
		p.opts.Notify = p.sessionNotify
	}
	return p
}

// EnsurePointerAccess returns true when access is available. Otherwise it
// notifies the user once and returns false. A notification failure is
// reported as ErrPermissionDenied.
func (p *Prompter) EnsurePointerAccess(ctx context.Context) (bool, error) {
	if p.opts.Check() {
		return true, nil
	}

	p.mu.Lock()
	if p.prompted {
		p.mu.Unlock()
		return false, nil
	}
	p.prompted = true
	p.mu.Unlock()

	id, err := p.opts.Notify(ctx, p.opts.Summary, p.opts.Body)
	if err != nil {
		p.logger.Warn("permission notification failed", zap.Error(err))
		return false, fmt.Errorf("%w: %v", platform.ErrPermissionDenied, err)
	}
	p.logger.Info("asked user for pointer access", zap.Uint32("notification", id))
	return false, nil
}

// Prompted reports whether the user has been notified.
func (p *Prompter) Prompted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompted
}

func (p *Prompter) sessionNotify(ctx context.Context, summary, body string) (uint32, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return 0, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	var id uint32
	obj := conn.Object(notifyDest, dbus.ObjectPath(notifyPath))
	call := obj.CallWithContext(ctx, notifyMethod, 0,
		p.opts.AppName, uint32(0), "dialog-warning", summary, body,
		[]string{}, map[string]dbus.Variant{"urgency": dbus.MakeVariant(byte(1))}, int32(-1))
	if err := call.Store(&id); err != nil {
		return 0, fmt.Errorf("notify: %w", err)
	}
	return id, nil
}

// InputReadable returns a check that passes when any of the given devices
// can be opened for reading.
func InputReadable(devices func() []string) func() bool {
	return func() bool {
		for _, path := range devices() {
			if f, err := os.Open(path); err == nil {
				f.Close()
				return true
			}
		}
		return false
	}
}
