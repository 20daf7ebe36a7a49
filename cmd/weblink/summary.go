package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/wippyai/weblink/weblink"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB")).
			Width(12)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	removedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7D56F4")).
			Padding(0, 1)
)

type summaryView struct {
	Title   string
	Outputs []string
	Cached  bool
	weblink.Summary
}

// terminalWidth returns the width of w when it is a terminal, else 0.
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}

func renderSummary(w io.Writer, v summaryView) {
	fmt.Fprintln(w, summaryText(v, terminalWidth(w)))
}

func summaryText(v summaryView, width int) string {
	var b strings.Builder

	title := titleStyle.Render("weblink") + " " + v.Title
	if v.Cached {
		title += " " + helpStyle.Render("(cached)")
	}
	b.WriteString(title)
	b.WriteString("\n\n")

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(value)
		b.WriteString("\n")
	}

	row("entry", valueStyle.Render(v.Entry))
	row("size", fmt.Sprintf("%d -> %d bytes", v.InputSize, v.OutputSize))
	row("functions", counts(v.Before.Funcs, v.After.Funcs))
	row("imports", counts(v.Before.Imports, v.After.Imports))
	row("globals", counts(v.Before.Globals, v.After.Globals))
	row("types", counts(v.Before.Types, v.After.Types))
	if len(v.Added) > 0 {
		row("exported", valueStyle.Render(strings.Join(v.Added, ", ")))
	}
	if len(v.Removed) > 0 {
		row("replaced", removedStyle.Render(strings.Join(v.Removed, ", ")))
	}
	if len(v.Fragments) > 0 {
		row("glue", strings.Join(v.Fragments, ", "))
	}
	if v.GrowSites > 0 {
		row("grow sites", fmt.Sprint(v.GrowSites))
	}
	if len(v.Intrinsics) > 0 {
		row("intrinsics", strings.Join(v.Intrinsics, ", "))
	}
	for _, out := range v.Outputs {
		row("wrote", out)
	}

	box := boxStyle
	if width > 4 {
		box = box.MaxWidth(width)
	}
	return box.Render(strings.TrimRight(b.String(), "\n"))
}

func counts(before, after int) string {
	s := fmt.Sprintf("%d -> %d", before, after)
	if after < before {
		return s + " " + removedStyle.Render(fmt.Sprintf("(-%d)", before-after))
	}
	return s
}
