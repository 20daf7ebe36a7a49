package wasm

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/wippyai/weblink/errors"
)

// Removed marks an entity that a Remapping deletes.
const Removed = ^uint32(0)

// IndexMap maps old indices of one index space to new ones. A nil map is
// the identity.
type IndexMap []uint32

// Compact builds the stable compaction map over n entries: kept entries
// receive contiguous indices in their original relative order, the rest
// map to Removed.
func Compact(n int, keep func(idx uint32) bool) IndexMap {
	m := make(IndexMap, n)
	next := uint32(0)
	for i := range m {
		if keep(uint32(i)) {
			m[i] = next
			next++
		} else {
			m[i] = Removed
		}
	}
	return m
}

// Lookup returns the new index for old. ok is false when old is removed
// or outside the map.
func (im IndexMap) Lookup(old uint32) (uint32, bool) {
	if im == nil {
		return old, true
	}
	if int(old) >= len(im) || im[old] == Removed {
		return 0, false
	}
	return im[old], true
}

// Kept reports whether old survives the mapping.
func (im IndexMap) Kept(old uint32) bool {
	_, ok := im.Lookup(old)
	return ok
}

// Len returns the number of surviving entries.
func (im IndexMap) Len() int {
	n := 0
	for _, v := range im {
		if v != Removed {
			n++
		}
	}
	return n
}

// Inverse returns the new-to-old mapping of the survivors.
func (im IndexMap) Inverse() []uint32 {
	out := make([]uint32, im.Len())
	for old, v := range im {
		if v != Removed {
			out[v] = uint32(old)
		}
	}
	return out
}

// Identity reports whether the map changes nothing.
func (im IndexMap) Identity() bool {
	for i, v := range im {
		if v != uint32(i) {
			return false
		}
	}
	return true
}

// Remapping describes one atomic rewrite of the function, global and type
// index spaces. Each map must be nil or a stable compaction (see Compact)
// of its full index space.
type Remapping struct {
	Funcs   IndexMap
	Globals IndexMap
	Types   IndexMap

	// Redirect sends references to one old function index to another old
	// function index before Funcs is applied. It lets a removed function be
	// replaced by a surviving one in a single step.
	Redirect map[uint32]uint32
}

func (r *Remapping) fn(old uint32) (uint32, bool) {
	if to, ok := r.Redirect[old]; ok {
		old = to
	}
	return r.Funcs.Lookup(old)
}

// RefKind identifies the index space of a reference in code.
type RefKind uint8

const (
	RefFunc RefKind = iota
	RefGlobal
	RefType
)

func (k RefKind) String() string {
	switch k {
	case RefFunc:
		return "function"
	case RefGlobal:
		return "global"
	case RefType:
		return "type"
	}
	return "unknown"
}

// Remap applies r to the module: entities mapped to Removed are deleted and
// every reference (code bodies, imports, exports, start, elements, global
// initializers, data offsets, the name section) is rewritten. All rewritten
// values are computed before the module is touched, so on error the module
// is unchanged. A reference to a removed entity is a bad_index error.
func (m *Module) Remap(r Remapping) error {
	if err := m.checkCompaction("function", r.Funcs, m.NumFuncs()); err != nil {
		return err
	}
	if err := m.checkCompaction("global", r.Globals, m.NumGlobals()); err != nil {
		return err
	}
	if err := m.checkCompaction("type", r.Types, len(m.Types)); err != nil {
		return err
	}
	for from, to := range r.Redirect {
		if int(from) >= m.NumFuncs() || !r.Funcs.Kept(to) {
			return errors.New("", errors.KindBadIndex).
				Path("redirect", strconv.FormatUint(uint64(from), 10)).
				Detail("redirect target %d is removed or out of bounds", to).
				Build()
		}
	}

	if err := m.rewriteRefs(&r); err != nil {
		return err
	}
	m.compact(&r)
	return nil
}

func (m *Module) checkCompaction(space string, im IndexMap, n int) error {
	if im == nil {
		return nil
	}
	if len(im) != n {
		return errors.New("", errors.KindInvalidModule).
			Detail("%s map covers %d entries, index space has %d", space, len(im), n).
			Build()
	}
	next := uint32(0)
	for i, v := range im {
		if v == Removed {
			continue
		}
		if v != next {
			return errors.New("", errors.KindInvalidModule).
				Detail("%s map is not a stable compaction at index %d", space, i).
				Build()
		}
		next++
	}
	return nil
}

// pending holds rewritten values until every rewrite has succeeded.
type pending struct {
	code     map[int][]byte
	globals  map[int][]byte
	elemOff  map[int][]byte
	elemExpr map[int][][]byte
	elemIdx  map[int][]uint32
	dataOff  map[int][]byte
	exports  []Export
	start    *uint32
	names    *Names
}

// rewriteRefs rewrites every reference through r without deleting any
// entity. Bodies and initializers of removed entities are skipped.
func (m *Module) rewriteRefs(r *Remapping) error {
	p := pending{
		code:     make(map[int][]byte),
		globals:  make(map[int][]byte),
		elemOff:  make(map[int][]byte),
		elemExpr: make(map[int][][]byte),
		elemIdx:  make(map[int][]uint32),
		dataOff:  make(map[int][]byte),
	}

	numImportedFuncs := m.NumImportedFuncs()
	numImportedGlobals := m.NumImportedGlobals()

	mapper := func(path ...string) func(RefKind, uint32) (uint32, error) {
		return func(kind RefKind, idx uint32) (uint32, error) {
			var (
				n  uint32
				ok bool
			)
			switch kind {
			case RefFunc:
				n, ok = r.fn(idx)
			case RefGlobal:
				n, ok = r.Globals.Lookup(idx)
			case RefType:
				n, ok = r.Types.Lookup(idx)
			}
			if !ok {
				return 0, removedRef(path, kind, idx)
			}
			return n, nil
		}
	}

	for i := range m.Code {
		if !r.Funcs.Kept(uint32(numImportedFuncs + i)) {
			continue
		}
		code, err := MapRefs(m.Code[i].Code, mapper("code", strconv.Itoa(numImportedFuncs+i)))
		if err != nil {
			return err
		}
		p.code[i] = code
	}

	for i := range m.Globals {
		if !r.Globals.Kept(uint32(numImportedGlobals + i)) {
			continue
		}
		init, err := MapRefs(m.Globals[i].Init, mapper("global", strconv.Itoa(numImportedGlobals+i)))
		if err != nil {
			return err
		}
		p.globals[i] = init
	}

	for i := range m.Elements {
		e := &m.Elements[i]
		path := []string{"element", strconv.Itoa(i)}
		if e.Active() {
			off, err := MapRefs(e.Offset, mapper(path...))
			if err != nil {
				return err
			}
			p.elemOff[i] = off
		}
		if e.Flags&0x04 == 0 {
			idxs := make([]uint32, len(e.FuncIdxs))
			for j, f := range e.FuncIdxs {
				n, ok := r.fn(f)
				if !ok {
					return removedRef(path, RefFunc, f)
				}
				idxs[j] = n
			}
			p.elemIdx[i] = idxs
		} else {
			exprs := make([][]byte, len(e.Exprs))
			for j, expr := range e.Exprs {
				out, err := MapRefs(expr, mapper(path...))
				if err != nil {
					return err
				}
				exprs[j] = out
			}
			p.elemExpr[i] = exprs
		}
	}

	for i := range m.Data {
		if m.Data[i].Flags == 1 {
			continue
		}
		off, err := MapRefs(m.Data[i].Offset, mapper("data", strconv.Itoa(i)))
		if err != nil {
			return err
		}
		p.dataOff[i] = off
	}

	p.exports = make([]Export, len(m.Exports))
	for i, exp := range m.Exports {
		var (
			n  = exp.Idx
			ok = true
		)
		switch exp.Kind {
		case KindFunc:
			n, ok = r.fn(exp.Idx)
		case KindGlobal:
			n, ok = r.Globals.Lookup(exp.Idx)
		case KindTable, KindMemory:
		}
		if !ok {
			kind := RefFunc
			if exp.Kind == KindGlobal {
				kind = RefGlobal
			}
			return removedRef([]string{"export", exp.Name}, kind, exp.Idx)
		}
		exp.Idx = n
		p.exports[i] = exp
	}

	if m.Start != nil {
		n, ok := r.fn(*m.Start)
		if !ok {
			return removedRef([]string{"start"}, RefFunc, *m.Start)
		}
		p.start = &n
	}

	if m.Names != nil {
		p.names = m.Names.remap(r)
	}

	// Type references of surviving functions. These cannot fail once the
	// type map is a compaction that keeps every type still in use.
	importTypes := make([]uint32, len(m.Imports))
	funcIdx := uint32(0)
	for i := range m.Imports {
		imp := &m.Imports[i]
		if imp.Desc.Kind != KindFunc {
			continue
		}
		if r.Funcs.Kept(funcIdx) {
			n, ok := r.Types.Lookup(imp.Desc.TypeIdx)
			if !ok {
				return removedRef([]string{"import", imp.Module, imp.Name}, RefType, imp.Desc.TypeIdx)
			}
			importTypes[i] = n
		}
		funcIdx++
	}
	funcTypes := make([]uint32, len(m.Funcs))
	for i, t := range m.Funcs {
		if !r.Funcs.Kept(uint32(numImportedFuncs + i)) {
			continue
		}
		n, ok := r.Types.Lookup(t)
		if !ok {
			return removedRef([]string{"function", strconv.Itoa(numImportedFuncs + i)}, RefType, t)
		}
		funcTypes[i] = n
	}

	// Commit.
	for i, code := range p.code {
		m.Code[i].Code = code
	}
	for i, init := range p.globals {
		m.Globals[i].Init = init
	}
	for i, off := range p.elemOff {
		m.Elements[i].Offset = off
	}
	for i, idxs := range p.elemIdx {
		m.Elements[i].FuncIdxs = idxs
	}
	for i, exprs := range p.elemExpr {
		m.Elements[i].Exprs = exprs
	}
	for i, off := range p.dataOff {
		m.Data[i].Offset = off
	}
	if len(m.Exports) > 0 {
		m.Exports = p.exports
	}
	m.Start = p.start
	if p.names != nil {
		m.Names = p.names
	}
	funcIdx = 0
	for i := range m.Imports {
		if m.Imports[i].Desc.Kind != KindFunc {
			continue
		}
		if r.Funcs.Kept(funcIdx) {
			m.Imports[i].Desc.TypeIdx = importTypes[i]
		}
		funcIdx++
	}
	for i := range m.Funcs {
		if r.Funcs.Kept(uint32(numImportedFuncs + i)) {
			m.Funcs[i] = funcTypes[i]
		}
	}
	return nil
}

// compact deletes every entity r maps to Removed. References must already
// be rewritten.
func (m *Module) compact(r *Remapping) {
	numImportedFuncs := m.NumImportedFuncs()
	numImportedGlobals := m.NumImportedGlobals()

	funcIdx, globalIdx := uint32(0), uint32(0)
	m.Imports = slices.DeleteFunc(m.Imports, func(imp Import) bool {
		switch imp.Desc.Kind {
		case KindFunc:
			funcIdx++
			return !r.Funcs.Kept(funcIdx - 1)
		case KindGlobal:
			globalIdx++
			return !r.Globals.Kept(globalIdx - 1)
		case KindTable, KindMemory:
		}
		return false
	})

	if r.Funcs != nil {
		funcs := m.Funcs[:0]
		code := m.Code[:0]
		for i := range m.Funcs {
			if r.Funcs.Kept(uint32(numImportedFuncs + i)) {
				funcs = append(funcs, m.Funcs[i])
				code = append(code, m.Code[i])
			}
		}
		m.Funcs = funcs
		m.Code = code
	}

	if r.Globals != nil {
		globals := m.Globals[:0]
		for i := range m.Globals {
			if r.Globals.Kept(uint32(numImportedGlobals + i)) {
				globals = append(globals, m.Globals[i])
			}
		}
		m.Globals = globals
	}

	if r.Types != nil {
		types := m.Types[:0]
		for i := range m.Types {
			if r.Types.Kept(uint32(i)) {
				types = append(types, m.Types[i])
			}
		}
		m.Types = types
	}
}

func removedRef(path []string, kind RefKind, idx uint32) error {
	return errors.New("", errors.KindBadIndex).
		Path(path...).
		Value(idx).
		Detail("reference to removed %s %d", kind, idx).
		Build()
}

// MapRefs rewrites the function, global and type indices referenced by an
// instruction sequence (a code body or a constant expression). The input
// slice is returned unchanged when fn maps every index to itself.
func MapRefs(code []byte, fn func(kind RefKind, idx uint32) (uint32, error)) ([]byte, error) {
	instrs, err := DecodeInstructions(code)
	if err != nil {
		return nil, fmt.Errorf("decode instructions: %w", err)
	}
	changed := false
	for i := range instrs {
		c, err := mapInstrRefs(&instrs[i], fn)
		if err != nil {
			return nil, err
		}
		changed = changed || c
	}
	if !changed {
		return code, nil
	}
	return EncodeInstructions(instrs), nil
}

// VisitRefs calls visit for every function, global and type index
// referenced by an instruction sequence.
func VisitRefs(code []byte, visit func(kind RefKind, idx uint32)) error {
	instrs, err := DecodeInstructions(code)
	if err != nil {
		return fmt.Errorf("decode instructions: %w", err)
	}
	for i := range instrs {
		_, _ = mapInstrRefs(&instrs[i], func(kind RefKind, idx uint32) (uint32, error) {
			visit(kind, idx)
			return idx, nil
		})
	}
	return nil
}

func mapInstrRefs(in *Instruction, fn func(RefKind, uint32) (uint32, error)) (bool, error) {
	switch imm := in.Imm.(type) {
	case CallImm:
		n, err := fn(RefFunc, imm.FuncIdx)
		if err != nil || n == imm.FuncIdx {
			return false, err
		}
		in.Imm = CallImm{FuncIdx: n}
	case RefFuncImm:
		n, err := fn(RefFunc, imm.FuncIdx)
		if err != nil || n == imm.FuncIdx {
			return false, err
		}
		in.Imm = RefFuncImm{FuncIdx: n}
	case GlobalImm:
		n, err := fn(RefGlobal, imm.GlobalIdx)
		if err != nil || n == imm.GlobalIdx {
			return false, err
		}
		in.Imm = GlobalImm{GlobalIdx: n}
	case CallIndirectImm:
		n, err := fn(RefType, imm.TypeIdx)
		if err != nil || n == imm.TypeIdx {
			return false, err
		}
		in.Imm = CallIndirectImm{TypeIdx: n, TableIdx: imm.TableIdx}
	case BlockImm:
		if imm.Type < 0 {
			return false, nil
		}
		n, err := fn(RefType, uint32(imm.Type))
		if err != nil || n == uint32(imm.Type) {
			return false, err
		}
		in.Imm = BlockImm{Type: int32(n)}
	default:
		return false, nil
	}
	return true, nil
}

// remap returns a copy of the name section rewritten through r. Entries
// for removed entities are dropped.
func (n *Names) remap(r *Remapping) *Names {
	out := &Names{Module: n.Module, Other: n.Other}
	out.Functions = remapNaming(n.Functions, r.Funcs)
	out.Locals = remapIndirect(n.Locals, r.Funcs)
	out.Labels = remapIndirect(n.Labels, r.Funcs)
	out.Types = remapNaming(n.Types, r.Types)
	out.Globals = remapNaming(n.Globals, r.Globals)
	return out
}

func remapNaming(in []Naming, im IndexMap) []Naming {
	if in == nil {
		return nil
	}
	out := make([]Naming, 0, len(in))
	for _, nm := range in {
		if idx, ok := im.Lookup(nm.Index); ok {
			out = append(out, Naming{Index: idx, Name: nm.Name})
		}
	}
	slices.SortStableFunc(out, func(a, b Naming) int { return cmpU32(a.Index, b.Index) })
	return out
}

func remapIndirect(in []IndirectNaming, im IndexMap) []IndirectNaming {
	if in == nil {
		return nil
	}
	out := make([]IndirectNaming, 0, len(in))
	for _, nm := range in {
		if idx, ok := im.Lookup(nm.Index); ok {
			out = append(out, IndirectNaming{Index: idx, Names: nm.Names})
		}
	}
	slices.SortStableFunc(out, func(a, b IndirectNaming) int { return cmpU32(a.Index, b.Index) })
	return out
}

func cmpU32(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
