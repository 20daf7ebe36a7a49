// Package exports selects the entry point and normalizes the export
// section and table layout the loader relies on.
package exports

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/wippyai/weblink/errors"
	"github.com/wippyai/weblink/symbol"
	"github.com/wippyai/weblink/wasm"
)

const (
	// EntryName is the export the loader calls.
	EntryName = "main"

	// TableExportName is the export name of table 0.
	TableExportName = "__indirect_function_table"

	// MemoryExportName is the export name of memory 0.
	MemoryExportName = "memory"
)

// Request carries the caller's entry point choice. An empty Entry selects
// the default resolution order.
type Request struct {
	Entry string
}

// Outcome describes what Normalize changed.
type Outcome struct {
	Entry    uint32 // function index of the entry point
	Symbol   string // name the entry was resolved by
	Retained []string
	Removed  []string
	Added    []string
	TableMin uint32 // table 0 minimum after layout, 0 without a table
}

// Resolve returns the function index of the entry point.
//
// A requested symbol matches a function export of that name first, then a
// function whose name-section name equals it raw or demangled. Without a
// request the single function export wins, else an export named main.
func Resolve(m *wasm.Module, requested string) (idx uint32, name string, err error) {
	var candidates []string
	for _, e := range m.Exports {
		if e.Kind == wasm.KindFunc {
			candidates = append(candidates, e.Name)
		}
	}

	if requested != "" {
		for _, e := range m.Exports {
			if e.Kind == wasm.KindFunc && e.Name == requested {
				return e.Idx, e.Name, nil
			}
		}
		if m.Names != nil {
			for _, n := range m.Names.Functions {
				if n.Name == requested || symbol.Demangle(n.Name) == requested {
					return n.Index, requested, nil
				}
			}
		}
		return 0, "", errors.MissingEntryPoint(requested, candidates)
	}

	if len(candidates) == 1 {
		for _, e := range m.Exports {
			if e.Kind == wasm.KindFunc {
				return e.Idx, e.Name, nil
			}
		}
	}
	for _, e := range m.Exports {
		if e.Kind == wasm.KindFunc && e.Name == EntryName {
			return e.Idx, e.Name, nil
		}
	}
	return 0, "", errors.MissingEntryPoint("", candidates)
}

// Normalize resolves the entry point and rewrites the exports so that main
// targets it, table 0 and memory 0 are exported under fixed names, and
// every active element segment fits its table.
func Normalize(m *wasm.Module, req Request) (Outcome, error) {
	var out Outcome

	entry, sym, err := Resolve(m, req.Entry)
	if err != nil {
		return out, err
	}
	out.Entry = entry
	out.Symbol = sym

	before := make([]string, 0, len(m.Exports))
	for _, e := range m.Exports {
		before = append(before, e.Name)
	}

	ensure(m, &out, wasm.Export{Name: EntryName, Kind: wasm.KindFunc, Idx: entry})
	if m.NumTables() > 0 {
		ensure(m, &out, wasm.Export{Name: TableExportName, Kind: wasm.KindTable, Idx: 0})
	}
	if m.NumMemories() > 0 && !exportsKind(m, wasm.KindMemory, 0) {
		ensure(m, &out, wasm.Export{Name: MemoryExportName, Kind: wasm.KindMemory, Idx: 0})
	}

	for _, name := range before {
		if !slices.Contains(out.Removed, name) {
			out.Retained = append(out.Retained, name)
		}
	}

	if err := layoutTables(m); err != nil {
		return out, err
	}
	if t := table(m, 0); t != nil {
		out.TableMin = t.Limits.Min
	}
	return out, nil
}

// DropStaleEntry removes an export named main that does not target entry
// and reports whether it did. Dropping it before reachability analysis
// lets the code it kept alive be collected in the same run.
func DropStaleEntry(m *wasm.Module, entry uint32) bool {
	i := m.FindExport(EntryName)
	if i < 0 {
		return false
	}
	if e := m.Exports[i]; e.Kind == wasm.KindFunc && e.Idx == entry {
		return false
	}
	m.Exports = slices.Delete(m.Exports, i, i+1)
	return true
}

// ensure makes want the only export with its name, recording changes.
func ensure(m *wasm.Module, out *Outcome, want wasm.Export) {
	if i := m.FindExport(want.Name); i >= 0 {
		if m.Exports[i] == want {
			return
		}
		m.Exports = slices.Delete(m.Exports, i, i+1)
		out.Removed = append(out.Removed, want.Name)
	}
	m.Exports = append(m.Exports, want)
	out.Added = append(out.Added, want.Name)
}

func exportsKind(m *wasm.Module, kind byte, idx uint32) bool {
	for _, e := range m.Exports {
		if e.Kind == kind && e.Idx == idx {
			return true
		}
	}
	return false
}

// table returns the type of table idx, imported or defined.
func table(m *wasm.Module, idx uint32) *wasm.TableType {
	n := uint32(0)
	for i := range m.Imports {
		if m.Imports[i].Desc.Kind != wasm.KindTable {
			continue
		}
		if n == idx {
			return m.Imports[i].Desc.Table
		}
		n++
	}
	local := idx - n
	if idx < n || int(local) >= len(m.Tables) {
		return nil
	}
	return &m.Tables[local]
}

// layoutTables grows table minimums so that every active segment with a
// constant offset fits. Segments whose offset reads a global are placed by
// the engine at instantiation and are left alone.
func layoutTables(m *wasm.Module) error {
	numFuncs := uint32(m.NumFuncs())
	for i := range m.Elements {
		e := &m.Elements[i]
		path := []string{"element", strconv.Itoa(i)}

		for _, f := range e.FuncRefs() {
			if f >= numFuncs {
				return errors.BadIndex(errors.PhaseExports, path, "function", f, numFuncs)
			}
		}
		if !e.Active() {
			continue
		}

		t := table(m, e.TableIdx)
		if t == nil {
			return errors.BadIndex(errors.PhaseExports, path, "table", e.TableIdx, uint32(m.NumTables()))
		}
		off, ok := wasm.ConstI32(e.Offset)
		if !ok {
			continue
		}
		if off < 0 {
			return errors.New(errors.PhaseExports, errors.KindBadIndex).
				Path(path...).
				Value(off).
				Detail("negative table offset %d", off).
				Build()
		}
		end := uint64(off) + uint64(e.Len())
		if t.Limits.Max != nil && end > uint64(*t.Limits.Max) {
			return errors.New(errors.PhaseExports, errors.KindBadIndex).
				Path(path...).
				Value(end).
				Detail("segment ends at slot %d beyond table maximum %d", end, *t.Limits.Max).
				Build()
		}
		if end > uint64(^uint32(0)) {
			return errors.InvalidModule(errors.PhaseExports, fmt.Sprintf("element %d ends at slot %d", i, end))
		}
		if uint32(end) > t.Limits.Min {
			t.Limits.Min = uint32(end)
		}
	}
	return nil
}
