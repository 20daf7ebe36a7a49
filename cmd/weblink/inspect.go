package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wippyai/weblink/errors"
	"github.com/wippyai/weblink/symbol"
	"github.com/wippyai/weblink/wasm"
	"github.com/wippyai/weblink/weblink"
)

func newInspectCmd(a *app) *cobra.Command {
	var interactive bool
	cmd := &cobra.Command{
		Use:   "inspect <in.wasm>",
		Short: "Transform a module in memory and show the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, cached, err := a.transform(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			sections, err := inspectSections(res)
			if err != nil {
				return err
			}
			if interactive {
				if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
					return errors.InvalidInput(errors.PhaseConfig, "interactive mode requires a terminal")
				}
				return runInteractive(args[0], sections)
			}

			out := cmd.OutOrStdout()
			renderSummary(out, summaryView{Title: args[0], Cached: cached, Summary: res.Summary})
			printSections(out, sections)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "browse the result in a terminal viewer")
	return cmd
}

// section is one tab of the inspector.
type section struct {
	name  string
	items []item
}

type item struct {
	title  string
	detail string
}

// inspectSections describes the transformed module and its glue.
func inspectSections(res *weblink.Result) ([]section, error) {
	m, err := wasm.ParseModule(res.Module)
	if err != nil {
		return nil, err
	}
	return []section{
		{name: "functions", items: functionItems(m)},
		{name: "imports", items: importItems(m)},
		{name: "exports", items: exportItems(m)},
		{name: "glue", items: glueItems(res)},
	}, nil
}

func funcLabel(m *wasm.Module, idx uint32) string {
	if name, ok := m.FuncName(idx); ok {
		return symbol.New(name).Display()
	}
	return fmt.Sprintf("func[%d]", idx)
}

func functionItems(m *wasm.Module) []item {
	n := uint32(m.NumFuncs())
	imported := uint32(m.NumImportedFuncs())
	items := make([]item, 0, n)
	for i := uint32(0); i < n; i++ {
		sig := "?"
		if ft := m.FuncType(i); ft != nil {
			sig = ft.String()
		}

		var d strings.Builder
		fmt.Fprintf(&d, "index:     %d\nsignature: %s\n", i, sig)
		if i < imported {
			imp, _, _ := m.FuncImport(i)
			fmt.Fprintf(&d, "imported:  %s.%s\n", imp.Module, imp.Name)
		} else {
			body := m.Code[i-imported]
			fmt.Fprintf(&d, "body:      %d bytes\n", len(body.Code))
			var callees []string
			seen := map[uint32]bool{}
			_ = wasm.VisitRefs(body.Code, func(kind wasm.RefKind, idx uint32) {
				if kind == wasm.RefFunc && !seen[idx] {
					seen[idx] = true
					callees = append(callees, funcLabel(m, idx))
				}
			})
			if len(callees) > 0 {
				fmt.Fprintf(&d, "refers to: %s\n", strings.Join(callees, ", "))
			}
		}
		items = append(items, item{
			title:  fmt.Sprintf("%-4d %s %s", i, funcLabel(m, i), sig),
			detail: d.String(),
		})
	}
	return items
}

func importItems(m *wasm.Module) []item {
	items := make([]item, 0, len(m.Imports))
	for _, imp := range m.Imports {
		title := fmt.Sprintf("%s.%s (%s)", imp.Module, imp.Name, kindName(imp.Desc.Kind))
		detail := title + "\n"
		if imp.Desc.Kind == wasm.KindFunc && int(imp.Desc.TypeIdx) < len(m.Types) {
			detail += "signature: " + m.Types[imp.Desc.TypeIdx].String() + "\n"
		}
		items = append(items, item{title: title, detail: detail})
	}
	return items
}

func exportItems(m *wasm.Module) []item {
	items := make([]item, 0, len(m.Exports))
	for _, e := range m.Exports {
		title := fmt.Sprintf("%s -> %s %d", e.Name, kindName(e.Kind), e.Idx)
		detail := title + "\n"
		if e.Kind == wasm.KindFunc {
			detail += "function: " + funcLabel(m, e.Idx) + "\n"
		}
		items = append(items, item{title: title, detail: detail})
	}
	return items
}

func glueItems(res *weblink.Result) []item {
	items := []item{{title: "(loader)", detail: res.Glue}}
	for _, b := range res.Summary.Fragments {
		items = append(items, item{title: b, detail: glueExcerpt(res.Glue, b)})
	}
	return items
}

// glueExcerpt returns the lines of glue defining binding.
func glueExcerpt(glue, binding string) string {
	lines := strings.Split(glue, "\n")
	for i, line := range lines {
		if !strings.HasPrefix(strings.TrimSpace(line), binding+":") {
			continue
		}
		if strings.HasSuffix(line, ",") {
			return strings.TrimSpace(line)
		}
		indent := len(line) - len(strings.TrimLeft(line, " "))
		end := i + 1
		for end < len(lines) {
			l := lines[end]
			end++
			if len(l)-len(strings.TrimLeft(l, " ")) == indent && strings.TrimSpace(l) != "" {
				break
			}
		}
		return strings.Join(lines[i:end], "\n")
	}
	return binding + " not found in glue"
}

func kindName(k byte) string {
	switch k {
	case wasm.KindFunc:
		return "func"
	case wasm.KindTable:
		return "table"
	case wasm.KindMemory:
		return "memory"
	case wasm.KindGlobal:
		return "global"
	}
	return fmt.Sprintf("kind(%d)", k)
}

func printSections(w io.Writer, sections []section) {
	for _, s := range sections {
		if s.name == "glue" {
			continue
		}
		fmt.Fprintf(w, "\n%s\n", labelStyle.UnsetWidth().Bold(true).Render(s.name))
		for _, it := range s.items {
			fmt.Fprintf(w, "  %s\n", it.title)
		}
	}
}
