package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/scionmmu/mmuctl/internal/panel"
)

func renderHeader(s panel.Snapshot, theme Theme, width int) string {
	innerWidth := width - 4
	if innerWidth < 20 {
		innerWidth = 20
	}

	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" MMU PANEL  %s", theme.Highlight.Render(s.Address))
	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 2
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	state := theme.StatusIdle.Render("UNKNOWN")
	progress := ""
	if s.Printer != nil {
		state = stateStyle(s.Printer.State, theme).Render(strings.ToUpper(s.Printer.State))
		progress = fmt.Sprintf("  Layer: %d", s.Printer.CurrentLayer)
		if s.Printer.TotalLayers > 0 {
			progress += fmt.Sprintf("/%d", s.Printer.TotalLayers)
		}
		progress += fmt.Sprintf("  %.1f%%", s.Printer.PercentComplete)
	}

	polling := theme.StatusIdle.Render("off")
	if s.Polling {
		polling = theme.StatusOK.Render("on")
	}
	failures := theme.Dim.Render("0")
	if s.Failures > 0 {
		failures = theme.StatusFailed.Render(fmt.Sprintf("%d", s.Failures))
	}
	statsLine := fmt.Sprintf(" Printer: %s%s  Polling: %s  Failures: %s", state, progress, polling, failures)

	activity := theme.Dim.Render(" Idle")
	if s.Busy {
		activity = theme.StatusRunning.Render(fmt.Sprintf(" Running %s", s.Action))
		if s.Automated {
			activity += theme.Highlight.Render(" (multi-material)")
		}
	}
	if !s.LastUpdate.IsZero() {
		activity += theme.Dim.Render(fmt.Sprintf("  last update %s ago", time.Since(s.LastUpdate).Round(time.Second)))
	}

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activity)
	return theme.Border.Width(innerWidth).Render(content)
}

func stateStyle(state string, theme Theme) lipgloss.Style {
	switch state {
	case "printing", "ready", "idle", "complete", "completed":
		return theme.StatusOK
	case "paused", "pausing", "busy":
		return theme.StatusRunning
	case "error", "stopped", "offline":
		return theme.StatusFailed
	default:
		return theme.StatusIdle
	}
}
