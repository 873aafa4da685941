package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/webrelay/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch {
	case strings.HasSuffix(e.Type, ".completed"):
		typeStyle = theme.StatusOK
	case strings.HasSuffix(e.Type, ".failed"), strings.HasSuffix(e.Type, ".timed_out"):
		typeStyle = theme.StatusFailed
	case strings.HasSuffix(e.Type, ".started"):
		typeStyle = theme.StatusRunning
	case strings.HasPrefix(e.Type, "integrity"):
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-20s", e.Type))
	desc := extractEventDesc(e)

	return fmt.Sprintf("%s %s %s", ts, typeName, desc)
}

func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string

	if id, ok := data["request_id"].(string); ok {
		parts = append(parts, fmt.Sprintf("[%s]", shortID(id)))
	}

	if url, ok := data["url"].(string); ok && url != "" {
		if len(url) > 50 {
			url = url[:47] + "..."
		}
		parts = append(parts, url)
	}

	if code, ok := data["result_code"].(float64); ok {
		parts = append(parts, fmt.Sprintf("code=%d", int(code)))
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	return strings.Join(parts, " ")
}
