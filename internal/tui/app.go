package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/tactus/internal/models"
)

// App is the live view of a single procedure run.
type App struct {
	title   string
	events  <-chan models.Event
	results <-chan *models.Result
	cancel  context.CancelFunc

	spinner  spinner.Model
	viewport viewport.Model
	lines    []string

	result    *models.Result
	cancelled bool
	started   time.Time

	width  int
	height int
	ready  bool
}

func NewApp(title string, events <-chan models.Event, results <-chan *models.Result, cancel context.CancelFunc) *App {
	s := spinner.New(spinner.WithSpinner(spinner.Dot))
	s.Style = statusRunning
	return &App{
		title:    title,
		events:   events,
		results:  results,
		cancel:   cancel,
		spinner:  s,
		viewport: viewport.New(80, 20),
		started:  time.Now(),
	}
}

// Result is nil until the run finishes.
func (a *App) Result() *models.Result {
	return a.result
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.waitForEvent)
}

type eventMsg models.Event

type streamClosedMsg struct{}

type resultMsg struct {
	result *models.Result
}

func (a *App) waitForEvent() tea.Msg {
	ev, ok := <-a.events
	if !ok {
		return streamClosedMsg{}
	}
	return eventMsg(ev)
}

func (a *App) waitForResult() tea.Msg {
	return resultMsg{result: <-a.results}
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.viewport.Width = msg.Width
		// title, status line and help
		a.viewport.Height = max(msg.Height-6, 3)
		a.ready = true
		a.refresh()
		return a, nil

	case eventMsg:
		a.lines = append(a.lines, formatEvent(models.Event(msg)))
		a.refresh()
		return a, a.waitForEvent

	case streamClosedMsg:
		return a, a.waitForResult

	case resultMsg:
		a.result = msg.result
		if a.cancelled {
			return a, tea.Quit
		}
		return a, nil

	case spinner.TickMsg:
		if a.result != nil {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}

	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	return a, cmd
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		if a.result != nil {
			return a, tea.Quit
		}
		// the run stops at its next interpreter step; quit once the result lands
		a.cancelled = true
		a.cancel()
		return a, nil
	}

	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	return a, cmd
}

func (a *App) refresh() {
	a.viewport.SetContent(strings.Join(a.lines, "\n"))
	a.viewport.GotoBottom()
}

func (a *App) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Tactus") + "  " + dimStyle.Render(a.title) + "\n\n")
	b.WriteString(a.viewport.View() + "\n\n")

	switch {
	case a.result != nil:
		b.WriteString(renderResult(a.result) + "\n")
		b.WriteString(helpStyle.Render("[↑/↓] scroll  [q] quit"))
	case a.cancelled:
		b.WriteString(statusStuck.Render("cancelling...") + "\n")
	default:
		elapsed := formatDuration(time.Since(a.started))
		fmt.Fprintf(&b, "%s running %s\n", a.spinner.View(), dimStyle.Render(elapsed))
		b.WriteString(helpStyle.Render("[↑/↓] scroll  [q] cancel"))
	}
	return b.String()
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusStuck    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	typeStyles = map[models.EventType]lipgloss.Style{
		models.EventExecution: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		models.EventTurn:      lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		models.EventTool:      lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		models.EventLog:       lipgloss.NewStyle().Foreground(lipgloss.Color("250")),
		models.EventHITL:      lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	}

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)
)

func stageStyle(stage models.Stage) lipgloss.Style {
	switch stage {
	case models.StageComplete:
		return statusComplete
	case models.StageError:
		return statusFailed
	case models.StageStart:
		return statusRunning
	}
	return dimStyle
}

// formatEvent renders one log line: time, type, stage, then details.
func formatEvent(ev models.Event) string {
	typ := fmt.Sprintf("%-9s", ev.Type)
	if style, ok := typeStyles[ev.Type]; ok {
		typ = style.Render(typ)
	}
	line := fmt.Sprintf("%s %s %s",
		dimStyle.Render(ev.Timestamp.Format("15:04:05")),
		typ,
		stageStyle(ev.Stage).Render(fmt.Sprintf("%-8s", ev.Stage)),
	)
	if details := formatDetails(ev.Details); details != "" {
		line += " " + details
	}
	return line
}

func formatDetails(details map[string]any) string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, labelStyle.Render(k+"=")+truncate(compact(details[k]), 60))
	}
	return strings.Join(parts, " ")
}

func compact(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func renderResult(res *models.Result) string {
	var b strings.Builder
	if res.Success {
		b.WriteString(statusComplete.Render("✓ succeeded") + "\n")
	} else {
		b.WriteString(statusFailed.Render("✗ failed") + "\n")
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("error:"), res.Error)
	}
	if res.Result != nil {
		data, err := json.MarshalIndent(res.Result, "", "  ")
		if err == nil {
			fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("result:"), data)
		}
	}
	fmt.Fprintf(&b, "%s %d\n", labelStyle.Render("iterations:"), res.Iterations)
	tools := "none"
	if len(res.ToolsUsed) > 0 {
		tools = strings.Join(res.ToolsUsed, ", ")
	}
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("tools used:"), tools)
	fmt.Fprintf(&b, "%s %s", labelStyle.Render("duration:"), formatDuration(res.Duration))
	return panelStyle.Render(b.String())
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
