// Package grow redirects every memory growth site through a trampoline
// that notifies the glue after a successful grow, so cached typed-array
// views over the old buffer can be refreshed.
package grow

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/wippyai/weblink/errors"
	"github.com/wippyai/weblink/weblink/internal/glue"
	"github.com/wippyai/weblink/wasm"
)

const (
	// ImportModule and ImportName identify a grow import: a host function
	// with the signature of memory.grow.
	ImportModule = "env"
	ImportName   = "__web_memory_grow"

	// HookName is the glue import called after every successful grow.
	HookName = "__web_on_grow"

	// TrampolineName names the trampoline wrapping memory.grow.
	TrampolineName = "__web_grow_trampoline"

	// ImportTrampolineName names the trampoline wrapping the grow import.
	ImportTrampolineName = "__web_grow_import_trampoline"
)

var (
	growType = wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}}
	hookType = wasm.FuncType{}

	trampolineLocals = []wasm.LocalEntry{{Count: 1, ValType: wasm.ValI32}}
)

// HookFragment is the glue binding satisfying the hook import.
var HookFragment = glue.Fragment{
	Binding: HookName,
	Source:  glue.Module,
	Field:   HookName,
	Code:    "function() {\n    __web_refresh_views();\n}",
}

// Outcome describes what Intercept changed.
type Outcome struct {
	Fragments []glue.Fragment
	Sites     int

	// Trampoline wraps memory.grow and ImportTrampoline wraps the grow
	// import. Each is meaningful only when its Has flag is set.
	Trampoline          uint32
	ImportTrampoline    uint32
	HasTrampoline       bool
	HasImportTrampoline bool

	Injected  bool // a trampoline was added by this run
	HookAdded bool
}

type primitive struct {
	importIdx uint32
	isImport  bool
}

func (p primitive) name() string {
	if p.isImport {
		return ImportTrampolineName
	}
	return TrampolineName
}

// trampolineBody returns the code of the trampoline around p. The failure
// sentinel -1 is returned unchanged and skips the hook.
func trampolineBody(p primitive, hook uint32) []byte {
	grow := wasm.Instruction{Opcode: wasm.OpMemoryGrow, Imm: wasm.MemoryIdxImm{}}
	if p.isImport {
		grow = wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: p.importIdx}}
	}
	return wasm.EncodeInstructions([]wasm.Instruction{
		{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 0}},
		grow,
		{Opcode: wasm.OpLocalTee, Imm: wasm.LocalImm{LocalIdx: 1}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: -1}},
		{Opcode: wasm.OpI32Ne},
		{Opcode: wasm.OpIf, Imm: wasm.BlockImm{Type: wasm.BlockTypeVoid}},
		{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: hook}},
		{Opcode: wasm.OpEnd},
		{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 1}},
		{Opcode: wasm.OpEnd},
	})
}

// Intercept routes every memory growth through a trampoline that calls the
// hook on success. memory.grow instructions go through a trampoline that
// executes memory.grow; every reference to the grow import (calls,
// ref.func, element entries, exports) goes through a second trampoline
// that calls the import. A module without grow sites is returned
// untouched.
func Intercept(m *wasm.Module) (Outcome, error) {
	var out Outcome

	imp, hasImport := m.FindImport(ImportModule, ImportName)
	if hasImport {
		if ft := m.FuncType(imp); ft == nil || !ft.Equal(growType) {
			return out, errors.InvalidModule(errors.PhaseGrow,
				fmt.Sprintf("%s.%s has signature %s, want %s", ImportModule, ImportName, ft, growType))
		}
	}

	hook, hasHook := m.FindImport(glue.Module, HookName)
	if hasHook {
		if ft := m.FuncType(hook); ft == nil || !ft.Equal(hookType) {
			return out, errors.InvalidModule(errors.PhaseGrow,
				fmt.Sprintf("%s.%s has signature %s, want %s", glue.Module, HookName, ft, hookType))
		}
	}

	native := primitive{}
	if hasHook {
		out.Trampoline, out.HasTrampoline = findTrampoline(m, native, hook)
		if hasImport {
			out.ImportTrampoline, out.HasImportTrampoline = findTrampoline(m, primitive{importIdx: imp, isImport: true}, hook)
		}
	}

	growSites, err := countGrowSites(m, out.Trampoline, out.HasTrampoline)
	if err != nil {
		return out, errors.InPhase(errors.PhaseGrow, err)
	}
	importRefs := 0
	if hasImport {
		if importRefs, err = countImportRefs(m, imp, out.ImportTrampoline, out.HasImportTrampoline); err != nil {
			return out, errors.InPhase(errors.PhaseGrow, err)
		}
	}
	out.Sites = growSites + importRefs
	if out.Sites == 0 {
		return out, nil
	}

	if !hasHook {
		hook, err = m.AddImport(glue.Module, HookName, m.AddType(hookType))
		if err != nil {
			return out, errors.InPhase(errors.PhaseGrow, err)
		}
		out.HookAdded = true
		out.Fragments = append(out.Fragments, HookFragment)
		// the hook is a function import, so it precedes every defined
		// function; the grow import comes before it
		imp, _ = m.FindImport(ImportModule, ImportName)
	}

	if growSites > 0 {
		if !out.HasTrampoline {
			out.Trampoline = addTrampoline(m, native, hook)
			out.HasTrampoline = true
			out.Injected = true
		}
		if err := redirectGrow(m, out.Trampoline); err != nil {
			return out, errors.InPhase(errors.PhaseGrow, err)
		}
	}

	if importRefs > 0 {
		if !out.HasImportTrampoline {
			out.ImportTrampoline = addTrampoline(m, primitive{importIdx: imp, isImport: true}, hook)
			out.HasImportTrampoline = true
			out.Injected = true
		}
		if err := redirectImport(m, imp, out.ImportTrampoline); err != nil {
			return out, errors.InPhase(errors.PhaseGrow, err)
		}
	}
	return out, nil
}

func addTrampoline(m *wasm.Module, p primitive, hook uint32) uint32 {
	idx := m.AddFunction(m.AddType(growType), slices.Clone(trampolineLocals), trampolineBody(p, hook))
	m.SetFuncName(idx, p.name())
	return idx
}

// findTrampoline returns a defined function that is byte-for-byte the
// trampoline this package would inject around p.
func findTrampoline(m *wasm.Module, p primitive, hook uint32) (uint32, bool) {
	want := trampolineBody(p, hook)
	numImported := uint32(m.NumImportedFuncs())
	for i := range m.Code {
		ft := &m.Types[m.Funcs[i]]
		if !ft.Equal(growType) || !slices.Equal(m.Code[i].Locals, trampolineLocals) {
			continue
		}
		if bytes.Equal(m.Code[i].Code, want) {
			return numImported + uint32(i), true
		}
	}
	return 0, false
}

// countGrowSites counts memory.grow instructions outside the trampoline.
func countGrowSites(m *wasm.Module, tramp uint32, hasTramp bool) (int, error) {
	numImported := uint32(m.NumImportedFuncs())
	n := 0
	for i := range m.Code {
		idx := numImported + uint32(i)
		if hasTramp && idx == tramp {
			continue
		}
		instrs, err := wasm.DecodeInstructions(m.Code[i].Code)
		if err != nil {
			return 0, fmt.Errorf("function %d: %w", idx, err)
		}
		for j := range instrs {
			if instrs[j].Opcode == wasm.OpMemoryGrow {
				n++
			}
		}
	}
	return n, nil
}

// countImportRefs counts references to the grow import outside the import
// trampoline: direct calls and ref.func in code, global initializers,
// element entries and exports.
func countImportRefs(m *wasm.Module, imp, tramp uint32, hasTramp bool) (int, error) {
	n := 0
	visit := func(kind wasm.RefKind, idx uint32) {
		if kind == wasm.RefFunc && idx == imp {
			n++
		}
	}

	numImported := uint32(m.NumImportedFuncs())
	for i := range m.Code {
		idx := numImported + uint32(i)
		if hasTramp && idx == tramp {
			continue
		}
		if err := wasm.VisitRefs(m.Code[i].Code, visit); err != nil {
			return 0, fmt.Errorf("function %d: %w", idx, err)
		}
	}
	for i := range m.Globals {
		if err := wasm.VisitRefs(m.Globals[i].Init, visit); err != nil {
			return 0, fmt.Errorf("global %d: %w", i, err)
		}
	}
	for i := range m.Elements {
		for _, f := range m.Elements[i].FuncRefs() {
			visit(wasm.RefFunc, f)
		}
	}
	for _, e := range m.Exports {
		if e.Kind == wasm.KindFunc {
			visit(wasm.RefFunc, e.Idx)
		}
	}
	return n, nil
}

// redirectGrow replaces memory.grow in every function except the
// trampoline with a call to it. Both pop one i32 and push one i32, so the
// stack shape is preserved.
func redirectGrow(m *wasm.Module, tramp uint32) error {
	numImported := uint32(m.NumImportedFuncs())
	for i := range m.Code {
		idx := numImported + uint32(i)
		if idx == tramp {
			continue
		}
		instrs, err := wasm.DecodeInstructions(m.Code[i].Code)
		if err != nil {
			return fmt.Errorf("function %d: %w", idx, err)
		}
		changed := false
		for j := range instrs {
			if instrs[j].Opcode != wasm.OpMemoryGrow {
				continue
			}
			instrs[j] = wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: tramp}}
			changed = true
		}
		if changed {
			m.Code[i].Code = wasm.EncodeInstructions(instrs)
		}
	}
	return nil
}

// redirectImport sends every reference to the grow import to the import
// trampoline in one remap. The trampoline keeps calling the import.
func redirectImport(m *wasm.Module, imp, tramp uint32) error {
	local := tramp - uint32(m.NumImportedFuncs())
	keep := m.Code[local].Code
	if err := m.Remap(wasm.Remapping{Redirect: map[uint32]uint32{imp: tramp}}); err != nil {
		return err
	}
	m.Code[local].Code = keep
	return nil
}
