package watch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/webrelay/internal/events"
)

// RequestState tracks one outbound request as events about it arrive.
type RequestState struct {
	ID         string
	URL        string
	Method     string
	State      string
	ResultCode int
	StartTime  time.Time
	EndTime    time.Time
}

func newRequestTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Method", Width: 7},
			{Title: "URL", Width: 42},
			{Title: "ID", Width: 10},
			{Title: "Code", Width: 6},
			{Title: "Duration", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return t
}

// updateRequestState folds one broker event into the tracked request set.
// Returns the request id the event was about, or "".
func updateRequestState(requests map[string]*RequestState, order *[]string, e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	id, _ := data["request_id"].(string)
	if id == "" {
		return ""
	}

	st, ok := requests[id]
	if !ok {
		st = &RequestState{ID: id}
		requests[id] = st
		*order = append([]string{id}, *order...)
		if len(*order) > 100 {
			for _, stale := range (*order)[100:] {
				delete(requests, stale)
			}
			*order = (*order)[:100]
		}
	}

	if url, ok := data["url"].(string); ok && url != "" {
		st.URL = url
	}
	if method, ok := data["method"].(string); ok && method != "" {
		st.Method = method
	}

	switch e.Type {
	case "request.enqueued":
		if st.State == "" {
			st.State = "pending"
		}
	case "request.started":
		st.State = "running"
		st.StartTime = time.Now()
	case "request.completed", "request.failed", "request.timed_out":
		st.State = e.Type[len("request."):]
		st.EndTime = time.Now()
		if code, ok := data["result_code"].(float64); ok {
			st.ResultCode = int(code)
		}
	}

	return id
}

func requestRows(requests map[string]*RequestState, order []string, theme Theme) []table.Row {
	rows := make([]table.Row, 0, len(order))
	for _, id := range order {
		st, ok := requests[id]
		if !ok {
			continue
		}

		statusSym := "○"
		switch st.State {
		case "pending":
			statusSym = theme.StatusQueued.Render("○")
		case "running":
			statusSym = theme.StatusRunning.Render("◉")
		case "completed":
			statusSym = theme.StatusOK.Render("●")
		case "failed":
			statusSym = theme.StatusFailed.Render("∅")
		case "timed_out":
			statusSym = theme.StatusFailed.Render("◑")
		}

		duration := "-"
		if !st.StartTime.IsZero() {
			end := st.EndTime
			if end.IsZero() {
				end = time.Now()
			}
			duration = end.Sub(st.StartTime).Round(time.Millisecond).String()
		}

		code := "-"
		if !st.EndTime.IsZero() {
			code = fmt.Sprintf("%d", st.ResultCode)
		}

		url := st.URL
		if len(url) > 42 {
			url = url[:39] + "..."
		}

		rows = append(rows, table.Row{
			statusSym,
			st.Method,
			url,
			shortID(st.ID),
			code,
			duration,
		})
	}
	return rows
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
