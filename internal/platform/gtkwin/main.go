package gtkwin

import (
	"context"

	"github.com/gotk3/gotk3/glib"
	"github.com/gotk3/gotk3/gtk"

	"github.com/chess10kp/dropshelf/internal/platform"
)

// Init initializes GTK. It must be called from the thread that will run
// Main. Without a display it fails with an unavailable error.
func Init() error {
	if err := gtk.InitCheck(nil); err != nil {
		return platform.Unavailable("gtk", "init", err)
	}
	return nil
}

// Main runs the GTK main loop until ctx is done.
func Main(ctx context.Context) {
	go func() {
		<-ctx.Done()
		glib.IdleAdd(func() bool {
			gtk.MainQuit()
			return false
		})
	}()
	gtk.Main()
}
