// Package cli holds the pieces shared by the orion-agent and orion-master
// commands: logger setup, terminal rendering and console parsing.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/e7canasta/orion-sync/internal/catalog"
	"github.com/e7canasta/orion-sync/internal/coordinator"
	"github.com/e7canasta/orion-sync/internal/session"
)

// NewLogger builds the JSON process logger and installs it as default.
func NewLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

var stateStyles = map[session.State]lipgloss.Style{
	session.Idle:       lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
	session.Prepared:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
	session.Collecting: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	session.Stopped:    lipgloss.NewStyle().Foreground(lipgloss.Color("135")),
}

// RenderStatus renders one status line: state, session, elapsed, samples.
func RenderStatus(st session.Status) string {
	var b strings.Builder

	b.WriteString(stateStyles[st.State].Render(strings.ToUpper(st.State.String())))
	if st.SessionID != "" {
		b.WriteString(" ")
		b.WriteString(idStyle.Render(st.SessionID))
	}
	if st.State == session.Collecting || st.State == session.Stopped {
		fmt.Fprintf(&b, "  elapsed %s", FormatElapsed(st.Elapsed))
		fmt.Fprintf(&b, "  samples %s", countStyle.Render(fmt.Sprint(st.Samples)))
		fmt.Fprintf(&b, "  offset %+.6fs", st.Offset)
	}
	if st.StopReason != "" {
		fmt.Fprintf(&b, "  (%s)", st.StopReason)
	}
	if st.DeviceError {
		b.WriteString("  ")
		b.WriteString(errStyle.Render("device unavailable"))
	}
	if st.LastError != "" {
		b.WriteString("  ")
		b.WriteString(errStyle.Render(st.LastError))
	}
	return b.String()
}

// FormatElapsed renders d as HH:MM:SS.mmm.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, d/time.Millisecond)
}

// RenderReport renders the per-agent outcome of one fan-out.
func RenderReport(rep coordinator.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s -> %d agent(s)", titleStyle.Render(rep.Command.String()), len(rep.Results))
	for _, res := range rep.Results {
		b.WriteString("\n  ")
		b.WriteString(res.Addr.String())
		b.WriteString(" ")
		if res.Err != nil {
			b.WriteString(errStyle.Render("failed: " + res.Err.Error()))
		} else {
			b.WriteString(okStyle.Render("sent"))
		}
	}
	return b.String()
}

// RenderSessions writes the catalog listing as an aligned table.
func RenderSessions(w io.Writer, entries []catalog.Entry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, headerStyle.Render("No sessions recorded"))
		return err
	}

	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%d session(s)", len(entries))))
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, strings.Join([]string{
		titleStyle.Render("ID"),
		titleStyle.Render("Role"),
		titleStyle.Render("Device"),
		titleStyle.Render("State"),
		titleStyle.Render("Offset"),
		titleStyle.Render("Duration"),
		titleStyle.Render("Samples"),
		titleStyle.Render("Reason"),
		titleStyle.Render("Prepared"),
	}, "\t"))

	for _, e := range entries {
		offset := "-"
		if e.Offset.Valid {
			offset = fmt.Sprintf("%+.6f", e.Offset.Float64)
		}
		duration := "-"
		if e.LocalStart.Valid && e.LocalStop.Valid {
			duration = fmt.Sprintf("%.3fs", e.LocalStop.Float64-e.LocalStart.Float64)
		}
		reason := e.StopReason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintln(tw, strings.Join([]string{
			idStyle.Render(e.ID),
			e.Role,
			e.Device,
			e.State,
			offset,
			duration,
			countStyle.Render(fmt.Sprint(e.Samples)),
			reason,
			dateStyle.Render(e.PreparedAt.Local().Format("2006-01-02 15:04:05")),
		}, "\t"))
	}
	return tw.Flush()
}
