package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"qcselect/internal/selection"
	"qcselect/internal/types"
)

var (
	primary     = lipgloss.Color("#101F38")
	accent      = lipgloss.Color("#8BC34A")
	muted       = lipgloss.Color("#6b7280")
	destructive = lipgloss.Color("#e53935")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(accent)
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(primary).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(accent).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(destructive).Bold(true)
)

// table renders static rows with aligned columns.
type table struct {
	title   string
	headers []string
	rows    [][]string
}

func newTable(title string, headers ...string) *table {
	return &table{title: title, headers: headers}
}

func (t *table) addRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) String() string {
	var sb strings.Builder
	if t.title != "" {
		sb.WriteString(titleStyle.Render(t.title))
		sb.WriteString("\n")
	}
	if len(t.rows) == 0 {
		sb.WriteString(mutedStyle.Render("  (none)"))
		sb.WriteString("\n")
		return sb.String()
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}
	// lipgloss Width includes padding
	for i := range widths {
		widths[i] += 2
	}

	sep := mutedStyle.Render("|")
	for i, h := range t.headers {
		sb.WriteString(headerStyle.Width(widths[i]).Render(h))
		if i < len(t.headers)-1 {
			sb.WriteString(sep)
		}
	}
	sb.WriteString("\n")
	for _, row := range t.rows {
		for i := range t.headers {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			sb.WriteString(cellStyle.Width(widths[i]).Render(cell))
			if i < len(t.headers)-1 {
				sb.WriteString(sep)
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderImplementations(impls []types.Implementation) string {
	t := newTable(fmt.Sprintf("Implementations (%d)", len(impls)),
		"ID", "ALGORITHM", "SDK", "LANGUAGE", "SELECTION RULE")
	for _, impl := range impls {
		t.addRow(impl.ID, impl.ImplementedAlgorithmID, impl.SDK, impl.ProgrammingLanguage, impl.SelectionRule)
	}
	return t.String()
}

func renderResources(resources []types.Resource) string {
	t := newTable(fmt.Sprintf("Resources (%d)", len(resources)),
		"ID", "NAME", "QUBITS", "SDKS", "T1", "MAX GATE TIME")
	for _, r := range resources {
		t.addRow(r.ID, r.Name, strconv.Itoa(r.Qubits), strings.Join(r.SupportedSDKs, ","),
			r.T1.String(), r.MaxGateTime.String())
	}
	return t.String()
}

func renderCandidates(algorithmID string, candidates []selection.Candidate) string {
	t := newTable(fmt.Sprintf("Selection for %s (%d candidates)", algorithmID, len(candidates)),
		"IMPLEMENTATION", "SDK", "RESOURCES")
	for _, c := range candidates {
		ids := make([]string, 0, len(c.Resources))
		for _, r := range c.Resources {
			ids = append(ids, r.ID)
		}
		t.addRow(c.Implementation.ID, c.Implementation.SDK, strings.Join(ids, ", "))
	}
	return t.String()
}

func renderBindings(goal string, bindings []types.Binding) string {
	varSet := make(map[string]bool)
	for _, b := range bindings {
		for k := range b {
			varSet[k] = true
		}
	}
	vars := make([]string, 0, len(varSet))
	for k := range varSet {
		vars = append(vars, k)
	}
	sort.Strings(vars)

	if len(vars) == 0 {
		if len(bindings) > 0 {
			return successStyle.Render("true") + mutedStyle.Render("  "+goal) + "\n"
		}
		return errorStyle.Render("false") + mutedStyle.Render("  "+goal) + "\n"
	}

	t := newTable(fmt.Sprintf("%s (%d solutions)", goal, len(bindings)), vars...)
	for _, b := range bindings {
		row := make([]string, len(vars))
		for i, v := range vars {
			row[i] = fmt.Sprint(b[v])
		}
		t.addRow(row...)
	}
	return t.String()
}

func renderOutput(out map[string]string) string {
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	t := newTable("Execution output", "KEY", "VALUE")
	for _, k := range keys {
		t.addRow(k, out[k])
	}
	return t.String()
}

func renderBool(ok bool, label string) string {
	if ok {
		return successStyle.Render("✓ ") + label + "\n"
	}
	return errorStyle.Render("✗ ") + label + "\n"
}
