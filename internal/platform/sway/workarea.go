// Package sway reads the docking work area from the focused sway workspace.
package sway

import (
	"context"
	"errors"

	"github.com/joshuarubin/go-sway"

	"github.com/chess10kp/dropshelf/internal/platform"
)

// WorkArea is a platform.WorkAreaProvider backed by sway IPC. Each call
// opens a short-lived IPC client so a compositor restart is picked up.
type WorkArea struct {
	// Output restricts the lookup to one output; empty means the focused one.
	Output string
}

func (w WorkArea) WorkArea(ctx context.Context) (platform.Rect, error) {
	client, err := sway.New(ctx)
	if err != nil {
		return platform.Rect{}, platform.Unavailable("sway", "connect", err)
	}

	workspaces, err := client.GetWorkspaces(ctx)
	if err != nil {
		return platform.Rect{}, err
	}

	ws, ok := pick(workspaces, w.Output)
	if !ok {
		return platform.Rect{}, errors.New("sway reports no visible workspace")
	}
	return platform.Rect{
		X:      float64(ws.Rect.X),
		Y:      float64(ws.Rect.Y),
		Width:  float64(ws.Rect.Width),
		Height: float64(ws.Rect.Height),
	}, nil
}

// pick prefers the focused workspace, then any visible one on output.
func pick(workspaces []sway.Workspace, output string) (sway.Workspace, bool) {
	var fallback *sway.Workspace
	for i := range workspaces {
		ws := &workspaces[i]
		if output != "" && ws.Output != output {
			continue
		}
		if ws.Focused || (output != "" && ws.Visible) {
			return *ws, true
		}
		if ws.Visible && fallback == nil {
			fallback = ws
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return sway.Workspace{}, false
}
