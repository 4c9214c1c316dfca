package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mpataki/tactus/internal/models"
	"github.com/mpataki/tactus/internal/spec"
	"github.com/mpataki/tactus/internal/storage"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)

	headerCell = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell       = lipgloss.NewStyle().Padding(0, 1)
)

func headerPanel(name string) string {
	return panelStyle.Render(titleStyle.Render("Tactus") + "  " + name)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerCell
			}
			return cell
		})
}

func renderResult(res *models.Result) string {
	var b strings.Builder
	if res.Success {
		b.WriteString(successStyle.Render("✓ Procedure completed") + "\n")
		if res.Result != nil {
			fmt.Fprintf(&b, "\n%s\n%s\n", labelStyle.Render("Result:"), formatValue(res.Result, true))
		}
	} else {
		b.WriteString(errorStyle.Render("✗ Procedure failed") + "\n")
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Error:"), res.Error)
	}

	if len(res.State) > 0 {
		t := newTable("Key", "Value")
		for _, k := range sortedKeys(res.State) {
			t.Row(k, truncate(formatValue(res.State[k], false), 60))
		}
		fmt.Fprintf(&b, "\n%s\n%s\n", labelStyle.Render("Final state:"), t.Render())
	}

	tools := "none"
	if len(res.ToolsUsed) > 0 {
		tools = strings.Join(res.ToolsUsed, ", ")
	}
	fmt.Fprintf(&b, "\n%s %d\n", labelStyle.Render("Iterations:"), res.Iterations)
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Tools used:"), tools)
	fmt.Fprintf(&b, "%s %s", labelStyle.Render("Run:"), dimStyle.Render(res.RunID))
	return b.String()
}

func renderValidation(name string, cfg *models.ProcedureConfig, res *spec.ValidationResult) string {
	var b strings.Builder
	if !res.Valid() {
		b.WriteString(errorStyle.Render("✗ "+name+" is invalid") + "\n")
		for _, e := range res.Errors {
			b.WriteString("  " + errorStyle.Render("error") + " " + e.Error() + "\n")
		}
	} else {
		b.WriteString(successStyle.Render("✓ "+name+" is valid") + "\n")
	}
	for _, w := range res.Warnings {
		b.WriteString("  " + warnStyle.Render("warning") + " " + w.Error() + "\n")
	}
	if cfg == nil || !res.Valid() {
		return strings.TrimRight(b.String(), "\n")
	}

	info := newTable("Field", "Value").
		Row("name", cfg.Name).
		Row("version", orDash(cfg.Version)).
		Row("default provider", orDash(cfg.DefaultProvider)).
		Row("default model", orDash(modelName(cfg.DefaultModel)))
	fmt.Fprintf(&b, "\n%s\n%s\n", labelStyle.Render("Procedure:"), info.Render())

	if len(cfg.Agents) > 0 {
		agents := newTable("Agent", "Provider", "Model", "Tools")
		for i := range cfg.Agents {
			a := &cfg.Agents[i]
			agents.Row(a.Name,
				orDash(cfg.EffectiveProvider(a)),
				orDash(modelName(cfg.EffectiveModel(a))),
				orDash(strings.Join(a.Tools, ", ")))
		}
		fmt.Fprintf(&b, "\n%s\n%s\n", labelStyle.Render("Agents:"), agents.Render())
	}

	if len(cfg.Params) > 0 {
		params := newTable("Param", "Type", "Required", "Default")
		for _, p := range cfg.Params {
			def := "-"
			if p.HasDefault {
				def = formatValue(p.Default, false)
			}
			params.Row(p.Name, orDash(p.Type), yesNo(p.Required), def)
		}
		fmt.Fprintf(&b, "\n%s\n%s\n", labelStyle.Render("Params:"), params.Render())
	}

	if len(cfg.Outputs) > 0 {
		outputs := newTable("Output", "Type", "Required")
		for _, o := range cfg.Outputs {
			outputs.Row(o.Name, orDash(o.Type), yesNo(o.Required))
		}
		fmt.Fprintf(&b, "\n%s\n%s\n", labelStyle.Render("Outputs:"), outputs.Render())
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderProcedures(entries []spec.Entry) string {
	t := newTable("Procedure", "File", "Agents", "Params", "Status")
	for _, e := range entries {
		agents, params := "-", "-"
		if e.Config != nil {
			agents = fmt.Sprint(len(e.Config.Agents))
			params = fmt.Sprint(len(e.Config.Params))
		}
		t.Row(e.Name(), e.Path, agents, params, checkStatus(e.Result))
	}
	return t.Render()
}

func checkStatus(res *spec.ValidationResult) string {
	switch {
	case !res.Valid():
		return errorStyle.Render(fmt.Sprintf("%d error(s)", len(res.Errors)))
	case len(res.Warnings) > 0:
		return warnStyle.Render(fmt.Sprintf("valid, %d warning(s)", len(res.Warnings)))
	}
	return successStyle.Render("valid")
}

func renderRuns(runs []*models.RunRecord) string {
	t := newTable("Run", "Procedure", "Status", "Iterations", "Created")
	for _, r := range runs {
		t.Row(r.RunID, r.Name, statusText(r.Status), fmt.Sprint(r.Iterations), storage.FormatTimeAgo(r.CreatedAt))
	}
	return t.Render()
}

func renderRun(r *models.RunRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("Run"), r.RunID)
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Procedure:"), r.Name)
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Procedure id:"), r.ProcedureID)
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Status:"), statusText(r.Status))
	fmt.Fprintf(&b, "%s %d\n", labelStyle.Render("Iterations:"), r.Iterations)
	if len(r.ToolsUsed) > 0 {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Tools used:"), strings.Join(r.ToolsUsed, ", "))
	}
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Created:"), r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if r.CompletedAt != nil {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Duration:"), r.CompletedAt.Sub(r.CreatedAt).Round(time.Millisecond))
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Error:"), errorStyle.Render(r.Error))
	}
	if r.Result != nil {
		fmt.Fprintf(&b, "%s\n%s\n", labelStyle.Render("Result:"), formatValue(r.Result, true))
	}
	return strings.TrimRight(b.String(), "\n")
}

func statusText(s models.RunStatus) string {
	switch s {
	case models.RunStatusSucceeded:
		return successStyle.Render(string(s))
	case models.RunStatusFailed:
		return errorStyle.Render(string(s))
	}
	return warnStyle.Render(string(s))
}

func formatValue(v any, indent bool) string {
	if s, ok := v.(string); ok {
		return s
	}
	var data []byte
	var err error
	if indent {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func modelName(m *models.ModelSpec) string {
	if m == nil {
		return ""
	}
	return m.Name
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
