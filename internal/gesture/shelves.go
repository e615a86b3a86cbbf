package gesture

import (
	"context"
	"time"

	"github.com/chess10kp/dropshelf/internal/platform"
	"github.com/chess10kp/dropshelf/internal/shelf"
)

const defaultRequestTimeout = 2 * time.Second

// ManagedShelves drives a shelf.Manager on behalf of the coordinator. The
// gesture shelf is requested as the default shelf, centered on the pointer.
type ManagedShelves struct {
	*shelf.Manager
	Timeout time.Duration
}

func (s ManagedShelves) RequestShelf(req ShelfRequest) (shelf.CreateResult, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cfg := s.Manager.Config()
	pos := platform.Point{
		X: req.Position.X - cfg.Width/2,
		Y: req.Position.Y - cfg.Height/2,
	}

	paths := make([]string, 0, len(req.Candidates))
	for _, c := range req.Candidates {
		paths = append(paths, c.Path)
	}

	return s.Manager.Create(ctx, shelf.CreateOptions{
		Position:   &pos,
		Default:    true,
		Candidates: paths,
	})
}
