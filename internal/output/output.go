// Package output provides styled terminal output helpers (success, error,
// warning, sync status tables) using lipgloss.
package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/taskmirror/internal/model"
	"github.com/marcus/taskmirror/internal/store"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	statusStyles = map[model.Status]lipgloss.Style{
		model.StatusActive:               lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		model.StatusArchivedInDownstream: lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
	}
)

// Success prints a green confirmation line.
func Success(format string, args ...any) {
	fmt.Println(successStyle.Render("✓ " + fmt.Sprintf(format, args...)))
}

// Error prints a red error line.
func Error(format string, args ...any) {
	fmt.Println(errorStyle.Render("✗ " + fmt.Sprintf(format, args...)))
}

// Warning prints a yellow warning line.
func Warning(format string, args ...any) {
	fmt.Println(warningStyle.Render("! " + fmt.Sprintf(format, args...)))
}

// Info prints a dimmed informational line.
func Info(format string, args ...any) {
	fmt.Println(subtleStyle.Render(fmt.Sprintf(format, args...)))
}

// RenderStatus formats the mirrored tasks and dead letters for the status
// command.
func RenderStatus(tasks []model.Task, letters []store.DeadLetter) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("Mirrored tasks (%d)", len(tasks))))
	b.WriteString("\n")
	if len(tasks) == 0 {
		b.WriteString(subtleStyle.Render("  nothing mirrored yet"))
		b.WriteString("\n")
	}
	for _, t := range tasks {
		style, ok := statusStyles[t.Status]
		if !ok {
			style = subtleStyle
		}
		b.WriteString(fmt.Sprintf("  %s  %s  %s",
			style.Render(string(t.Status)), t.UpstreamID, t.Title))
		if t.DownstreamID != "" {
			b.WriteString(subtleStyle.Render("  → " + t.DownstreamID))
		}
		b.WriteString(subtleStyle.Render(fmt.Sprintf("  v%d", t.Version)))
		b.WriteString("\n")
	}

	if len(letters) > 0 {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render(fmt.Sprintf("Failed entities (%d)", len(letters))))
		b.WriteString("\n")
		for _, dl := range letters {
			b.WriteString(errorStyle.Render("  " + dl.CanonicalID))
			b.WriteString("  " + dl.Error)
			if !dl.FailedAt.IsZero() {
				b.WriteString(subtleStyle.Render("  " + dl.FailedAt.Format(time.RFC3339)))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
