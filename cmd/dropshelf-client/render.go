package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/chess10kp/dropshelf/internal/ipc"
	"github.com/chess10kp/dropshelf/internal/shelf"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("242")).Width(16)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

// statusView is the subset of the daemon status the client prints.
type statusView struct {
	Gesture       string   `json:"gesture"`
	Reasons       []string `json:"reasons"`
	PointerMode   string   `json:"pointerMode"`
	PointerDriver string   `json:"pointerDriver"`
	DragDriver    string   `json:"dragDriver"`
	Health        string   `json:"health"`
	Shelves       int      `json:"shelves"`
	Windows       string   `json:"windows"`
	Coordinator   struct {
		State       string `json:"state"`
		ActiveShelf string `json:"activeShelf"`
	} `json:"coordinator"`
	Pool struct {
		Warm     int `json:"warm"`
		Cold     int `json:"cold"`
		InUse    int `json:"inUse"`
		MaxTotal int `json:"maxTotal"`
	} `json:"pool"`
}

func render(command string, resp *ipc.Response) error {
	switch command {
	case ipc.CmdStatus:
		var st statusView
		if err := ipc.DecodeData(resp, &st); err != nil {
			return err
		}
		fmt.Println(renderStatus(st))
	case ipc.CmdList:
		var snaps []shelf.Snapshot
		if err := ipc.DecodeData(resp, &snaps); err != nil {
			return err
		}
		fmt.Println(renderList(snaps))
	case ipc.CmdGet:
		var snap shelf.Snapshot
		if err := ipc.DecodeData(resp, &snap); err != nil {
			return err
		}
		fmt.Println(renderShelf(snap))
	case ipc.CmdFindItems:
		var items []shelf.Item
		if err := ipc.DecodeData(resp, &items); err != nil {
			return err
		}
		fmt.Println(renderItems(items))
	case ipc.CmdCreate:
		var res shelf.CreateResult
		if err := ipc.DecodeData(resp, &res); err != nil {
			return err
		}
		if res.Coalesced {
			fmt.Println(warnStyle.Render("raised " + res.ID))
		} else {
			fmt.Println(okStyle.Render("created " + res.ID))
		}
	default:
		fmt.Println(okStyle.Render("✓ " + command))
	}
	return nil
}

func availabilityStyle(v string) lipgloss.Style {
	switch v {
	case "available", "native", "healthy":
		return okStyle
	case "degraded", "stale":
		return warnStyle
	default:
		return errorStyle
	}
}

func row(label, value string) string {
	return labelStyle.Render(label) + value
}

func renderStatus(st statusView) string {
	lines := []string{
		titleStyle.Render("dropshelf"),
		row("gesture", availabilityStyle(st.Gesture).Render(st.Gesture)),
		row("pointer", availabilityStyle(st.PointerMode).Render(st.PointerMode)+dimStyle.Render(" "+st.PointerDriver)),
		row("telemetry", availabilityStyle(st.Health).Render(st.Health)),
		row("drag", orDefault(st.DragDriver, errorStyle.Render("none"))),
		row("state", st.Coordinator.State),
		row("shelves", fmt.Sprintf("%d", st.Shelves)),
		row("pool", fmt.Sprintf("%d warm, %d cold, %d in use of %d", st.Pool.Warm, st.Pool.Cold, st.Pool.InUse, st.Pool.MaxTotal)),
		row("windows", st.Windows),
	}
	for _, r := range st.Reasons {
		lines = append(lines, dimStyle.Render("  "+r))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func renderList(snaps []shelf.Snapshot) string {
	if len(snaps) == 0 {
		return dimStyle.Render("no shelves")
	}
	var b strings.Builder
	for i, s := range snaps {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(shelfLine(s))
	}
	return b.String()
}

func shelfLine(s shelf.Snapshot) string {
	var flags []string
	if s.IsDefault {
		flags = append(flags, "gesture")
	}
	if s.IsPinned {
		flags = append(flags, "pinned")
	}
	if !s.IsVisible {
		flags = append(flags, "hidden")
	}
	if s.DockEdge != "" && s.DockEdge != shelf.EdgeNone {
		flags = append(flags, "docked "+string(s.DockEdge))
	}

	line := titleStyle.Render(s.ID) + fmt.Sprintf("  %d items  (%.0f, %.0f)", len(s.Items), s.Position.X, s.Position.Y)
	if len(flags) > 0 {
		line += dimStyle.Render("  " + strings.Join(flags, ", "))
	}
	return line
}

func renderShelf(s shelf.Snapshot) string {
	body := shelfLine(s)
	if len(s.Items) > 0 {
		body += "\n" + renderItems(s.Items)
	}
	return boxStyle.Render(body)
}

func renderItems(items []shelf.Item) string {
	if len(items) == 0 {
		return dimStyle.Render("no items")
	}
	lines := make([]string, 0, len(items))
	for _, it := range items {
		name := it.Name
		if it.Kind == shelf.KindFolder {
			name += "/"
		}
		lines = append(lines, fmt.Sprintf("%s  %s  %s", dimStyle.Render(it.ID), name, dimStyle.Render(humanSize(it.SizeBytes))))
	}
	return strings.Join(lines, "\n")
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
