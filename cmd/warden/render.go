package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/warden/internal/engine"
	"github.com/basket/warden/internal/tasktree"
)

var (
	styleTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleBad   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	styleBox   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printReport(rep *engine.Report) error {
	if a.jsonOut {
		return writeJSON(a.stdout, rep)
	}
	styled := a.interactive()
	out := renderReport(rep, styled)
	if styled {
		out = styleBox.Render(strings.TrimRight(out, "\n")) + "\n"
	}
	_, err := io.WriteString(a.stdout, out)
	return err
}

func statusStyle(s engine.Status) lipgloss.Style {
	switch {
	case s == engine.StatusCompleted:
		return styleOK
	case s.Fatal():
		return styleBad
	}
	return styleWarn
}

func renderReport(rep *engine.Report, styled bool) string {
	paint := func(st lipgloss.Style, s string) string {
		if !styled {
			return s
		}
		return st.Render(s)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", paint(styleTitle, "session"), rep.SessionID)
	fmt.Fprintf(&b, "status:     %s\n", paint(statusStyle(rep.Status), string(rep.Status)))
	fmt.Fprintf(&b, "mode:       %s\n", rep.Mode)
	fmt.Fprintf(&b, "iterations: %d\n", rep.Iterations)
	fmt.Fprintf(&b, "tools run:  %d\n", rep.ToolExecutions)
	fmt.Fprintf(&b, "policy:     %s (%d checks, %d denied)\n", rep.PolicyVersion, rep.Policy.Checks, rep.Policy.Denied)
	if len(rep.Policy.Violations) > 0 {
		kinds := make([]string, 0, len(rep.Policy.Violations))
		for k, n := range rep.Policy.Violations {
			kinds = append(kinds, fmt.Sprintf("%s=%d", k, n))
		}
		sort.Strings(kinds)
		fmt.Fprintf(&b, "violations: %s\n", strings.Join(kinds, " "))
	}
	if v := rep.Violation; v != nil {
		fmt.Fprintf(&b, "%s %s violation by %s at iteration %d: %s\n",
			paint(styleBad, "aborted:"), v.Kind, v.Tool, v.Iteration, v.Error)
	}
	if f := rep.Failure; f != nil {
		line := f.Reason
		if f.ErrorClass != "" {
			line = fmt.Sprintf("[%s] %s", f.ErrorClass, line)
		}
		if f.NodeTitle != "" {
			line += fmt.Sprintf(" (node %q)", f.NodeTitle)
		}
		fmt.Fprintf(&b, "%s %s\n", paint(styleBad, "failure:"), line)
	}
	if rep.Notice != "" {
		fmt.Fprintf(&b, "%s %s\n", paint(styleWarn, "notice:"), rep.Notice)
	} else if rep.Final != "" {
		fmt.Fprintf(&b, "\n%s\n", rep.Final)
	}
	if rep.Tree != nil && len(rep.Tree.Nodes) > 0 {
		fmt.Fprintf(&b, "\n%s\n%s", paint(styleTitle, "task tree"), renderTree(rep.Tree, styled))
	}
	return b.String()
}

var statusIcons = map[tasktree.Status]string{
	tasktree.StatusPending:    "○",
	tasktree.StatusInProgress: "◐",
	tasktree.StatusCompleted:  "●",
	tasktree.StatusFailed:     "✗",
	tasktree.StatusBlocked:    "⊘",
}

// renderTree falls back to the plain outline when output is not a terminal.
func renderTree(snap *tasktree.Snapshot, styled bool) string {
	if !styled {
		return snap.Render()
	}
	byID := make(map[string]*tasktree.Node, len(snap.Nodes))
	for i := range snap.Nodes {
		byID[snap.Nodes[i].ID] = &snap.Nodes[i]
	}
	var b strings.Builder
	var walk func(n *tasktree.Node)
	walk = func(n *tasktree.Node) {
		st := styleDim
		switch n.Status {
		case tasktree.StatusCompleted:
			st = styleOK
		case tasktree.StatusFailed:
			st = styleBad
		case tasktree.StatusBlocked, tasktree.StatusInProgress:
			st = styleWarn
		}
		b.WriteString(strings.Repeat("  ", n.Depth))
		b.WriteString(st.Render(statusIcons[n.Status]))
		b.WriteString(" " + n.Title)
		if tool := n.Tool(); tool != "" {
			b.WriteString(styleDim.Render(" " + tool))
		}
		if n.Result != nil && !n.Result.Success {
			b.WriteString(styleBad.Render(" " + n.Result.Error))
		} else if n.Reason != "" {
			b.WriteString(styleDim.Render(" " + n.Reason))
		}
		b.WriteByte('\n')
		for _, cid := range n.Children {
			if c, ok := byID[cid]; ok {
				walk(c)
			}
		}
	}
	for i := range snap.Nodes {
		if snap.Nodes[i].ParentID == "" {
			walk(&snap.Nodes[i])
		}
	}
	return b.String()
}
