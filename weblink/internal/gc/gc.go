// Package gc removes functions, globals and types that cannot be reached
// from a module's roots.
//
// Roots are export targets, the start function, every function listed in
// an element segment, globals used by segment offsets, and caller-supplied
// extra functions. Tables, memories, data and element segments are never
// removed. Survivors keep their relative order and receive contiguous
// indices; the whole index map is computed before the module is touched.
package gc

import (
	"fmt"

	"github.com/wippyai/weblink/errors"
	"github.com/wippyai/weblink/wasm"
)

// Set is the result of one reachability analysis.
type Set struct {
	Funcs   []bool
	Globals []bool
	Types   []bool

	FuncMap   wasm.IndexMap
	GlobalMap wasm.IndexMap
	TypeMap   wasm.IndexMap
}

// Removed returns how many functions, globals and types the set drops.
func (s *Set) Removed() (funcs, globals, types int) {
	return len(s.FuncMap) - s.FuncMap.Len(),
		len(s.GlobalMap) - s.GlobalMap.Len(),
		len(s.TypeMap) - s.TypeMap.Len()
}

// Empty reports whether applying the set changes nothing.
func (s *Set) Empty() bool {
	f, g, t := s.Removed()
	return f == 0 && g == 0 && t == 0
}

type walker struct {
	m       *wasm.Module
	set     *Set
	funcs   []uint32
	globals []uint32
}

func (w *walker) markFunc(idx uint32) {
	if int(idx) < len(w.set.Funcs) && !w.set.Funcs[idx] {
		w.set.Funcs[idx] = true
		w.funcs = append(w.funcs, idx)
	}
}

func (w *walker) markGlobal(idx uint32) {
	if int(idx) < len(w.set.Globals) && !w.set.Globals[idx] {
		w.set.Globals[idx] = true
		w.globals = append(w.globals, idx)
	}
}

func (w *walker) markType(idx uint32) {
	if int(idx) < len(w.set.Types) {
		w.set.Types[idx] = true
	}
}

func (w *walker) visit(kind wasm.RefKind, idx uint32) {
	switch kind {
	case wasm.RefFunc:
		w.markFunc(idx)
	case wasm.RefGlobal:
		w.markGlobal(idx)
	case wasm.RefType:
		w.markType(idx)
	}
}

func (w *walker) visitExpr(expr []byte, what string) error {
	if err := wasm.VisitRefs(expr, w.visit); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

// Analyze computes the reachable set of m. extraRoots are function indices
// that must survive in addition to the module's own roots.
func Analyze(m *wasm.Module, extraRoots []uint32) (*Set, error) {
	w := &walker{
		m: m,
		set: &Set{
			Funcs:   make([]bool, m.NumFuncs()),
			Globals: make([]bool, m.NumGlobals()),
			Types:   make([]bool, len(m.Types)),
		},
	}

	for _, exp := range m.Exports {
		switch exp.Kind {
		case wasm.KindFunc:
			w.markFunc(exp.Idx)
		case wasm.KindGlobal:
			w.markGlobal(exp.Idx)
		case wasm.KindTable, wasm.KindMemory:
		}
	}
	if m.Start != nil {
		w.markFunc(*m.Start)
	}
	for i := range m.Elements {
		e := &m.Elements[i]
		if e.Active() {
			if err := w.visitExpr(e.Offset, fmt.Sprintf("element %d offset", i)); err != nil {
				return nil, err
			}
		}
		for _, idx := range e.FuncIdxs {
			w.markFunc(idx)
		}
		for j, expr := range e.Exprs {
			if err := w.visitExpr(expr, fmt.Sprintf("element %d entry %d", i, j)); err != nil {
				return nil, err
			}
		}
	}
	for i := range m.Data {
		if m.Data[i].Flags != 1 {
			if err := w.visitExpr(m.Data[i].Offset, fmt.Sprintf("data %d offset", i)); err != nil {
				return nil, err
			}
		}
	}
	for _, idx := range extraRoots {
		if int(idx) >= m.NumFuncs() {
			return nil, errors.BadIndex(errors.PhaseReachability, []string{"root"}, "function", idx, uint32(m.NumFuncs()))
		}
		w.markFunc(idx)
	}

	numImportedFuncs := uint32(m.NumImportedFuncs())
	numImportedGlobals := uint32(m.NumImportedGlobals())
	for len(w.funcs) > 0 || len(w.globals) > 0 {
		if len(w.globals) > 0 {
			g := w.globals[0]
			w.globals = w.globals[1:]
			if g >= numImportedGlobals {
				init := m.Globals[g-numImportedGlobals].Init
				if err := w.visitExpr(init, fmt.Sprintf("global %d", g)); err != nil {
					return nil, err
				}
			}
			continue
		}

		f := w.funcs[0]
		w.funcs = w.funcs[1:]
		typeIdx, _ := m.FuncTypeIdx(f)
		w.markType(typeIdx)
		if f >= numImportedFuncs {
			if err := w.visitExpr(m.Code[f-numImportedFuncs].Code, fmt.Sprintf("function %d", f)); err != nil {
				return nil, err
			}
		}
	}

	s := w.set
	s.FuncMap = wasm.Compact(len(s.Funcs), func(i uint32) bool { return s.Funcs[i] })
	s.GlobalMap = wasm.Compact(len(s.Globals), func(i uint32) bool { return s.Globals[i] })
	s.TypeMap = wasm.Compact(len(s.Types), func(i uint32) bool { return s.Types[i] })
	return s, nil
}

// Apply rewrites m through the set's index maps in one step.
func Apply(m *wasm.Module, s *Set) error {
	if s.Empty() {
		return nil
	}
	err := m.Remap(wasm.Remapping{
		Funcs:   s.FuncMap,
		Globals: s.GlobalMap,
		Types:   s.TypeMap,
	})
	if err != nil {
		return errors.InPhase(errors.PhaseReachability, err)
	}
	return nil
}

// Run analyzes and applies in one call.
func Run(m *wasm.Module, extraRoots []uint32) (*Set, error) {
	s, err := Analyze(m, extraRoots)
	if err != nil {
		return nil, errors.InPhase(errors.PhaseReachability, err)
	}
	if err := Apply(m, s); err != nil {
		return nil, err
	}
	return s, nil
}
