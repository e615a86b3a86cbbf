package shelf

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/chess10kp/dropshelf/internal/platform"
)

const workAreaTimeout = 500 * time.Millisecond

// fallbackWorkArea is used until a provider answers once.
var fallbackWorkArea = platform.Rect{X: 0, Y: 0, Width: 1920, Height: 1080}

// calculateDockPosition places the index-th shelf on edge. Shelves stack
// along the edge starting from its top or left end.
func calculateDockPosition(edge DockEdge, index int, area platform.Rect, cfg Config) platform.Point {
	offsetY := area.Y + cfg.DockMargin + float64(index)*(cfg.Height+cfg.DockGap)
	offsetX := area.X + cfg.DockMargin + float64(index)*(cfg.Width+cfg.DockGap)

	switch edge {
	case EdgeLeft:
		return platform.Point{X: area.X + cfg.DockMargin, Y: offsetY}
	case EdgeRight:
		return platform.Point{X: area.X + area.Width - cfg.Width - cfg.DockMargin, Y: offsetY}
	case EdgeTop:
		return platform.Point{X: offsetX, Y: area.Y + cfg.DockMargin}
	case EdgeBottom:
		return platform.Point{X: offsetX, Y: area.Y + area.Height - cfg.Height - cfg.DockMargin}
	default:
		return platform.Point{X: area.X + cfg.DockMargin, Y: area.Y + cfg.DockMargin}
	}
}

// nudgeInward moves a docked position away from its edge by the margin.
func nudgeInward(p platform.Point, edge DockEdge, margin float64) platform.Point {
	switch edge {
	case EdgeLeft:
		p.X += margin
	case EdgeRight:
		p.X -= margin
	case EdgeTop:
		p.Y += margin
	case EdgeBottom:
		p.Y -= margin
	}
	return p
}

// centered places a shelf in the middle of the work area.
func centered(area platform.Rect, cfg Config) platform.Point {
	return platform.Point{
		X: area.X + (area.Width-cfg.Width)/2,
		Y: area.Y + (area.Height-cfg.Height)/2,
	}
}

// workArea queries the provider, keeping the last good answer on failure.
func (m *Manager) workArea() platform.Rect {
	if m.areaProvider == nil {
		return m.lastArea
	}
	ctx, cancel := context.WithTimeout(context.Background(), workAreaTimeout)
	defer cancel()

	area, err := m.areaProvider.WorkArea(ctx)
	if err != nil || area.Width <= 0 || area.Height <= 0 {
		m.logger.Debug("work area unavailable, using last known", zap.Error(err))
		return m.lastArea
	}
	m.lastArea = area
	return area
}

// docked returns the shelves on edge in docking order.
func (m *Manager) docked(edge DockEdge) []*record {
	var out []*record
	for _, r := range m.shelves {
		if r.dockEdge == edge {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].dockSeq < out[j].dockSeq })
	return out
}

// relayout recomputes every docked position on edge and moves the windows
// that changed.
func (m *Manager) relayout(edge DockEdge) {
	if edge == EdgeNone {
		return
	}
	area := m.workArea()
	for i, r := range m.docked(edge) {
		pos := calculateDockPosition(edge, i, area, m.cfg)
		if pos == r.position {
			continue
		}
		r.position = pos
		r.handle.Window().Move(pos.X, pos.Y)
		m.publishConfig(r)
	}
}
