package wasm

import "slices"

// Module represents a parsed WebAssembly module.
//
// Index spaces follow the binary format: imported entities come first,
// followed by those defined in the module. Every index stored anywhere in
// a Module is in bounds after ParseModule; passes that remove or reorder
// entities must go through Remap.
type Module struct {
	Types    []FuncType
	Imports  []Import
	Funcs    []uint32 // type indices of defined functions
	Tables   []TableType
	Memories []MemoryType // at most one, counting imports
	Globals  []Global
	Exports  []Export
	Start    *uint32
	Elements []Element
	Code     []FuncBody
	Data     []DataSegment

	// DataCount holds the count from the DataCount section (ID 12).
	DataCount *uint32

	// Names is the decoded "name" custom section, nil when absent.
	Names *Names

	// CustomSections holds every other custom section verbatim, in input
	// order. The snippet section is decoded into Import.Snippet instead.
	CustomSections []CustomSection
}

// ValType represents a WebAssembly value type.
type ValType byte

// String returns the text format name of the type.
func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValV128:
		return "v128"
	case ValFuncRef:
		return "funcref"
	case ValExtern:
		return "externref"
	default:
		return "unknown"
	}
}

func validValType(b byte) bool {
	switch ValType(b) {
	case ValI32, ValI64, ValF32, ValF64, ValV128, ValFuncRef, ValExtern:
		return true
	}
	return false
}

// FuncType represents a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether two signatures are identical.
func (f FuncType) Equal(o FuncType) bool {
	return slices.Equal(f.Params, o.Params) && slices.Equal(f.Results, o.Results)
}

// String renders the signature as (params)->(results).
func (f FuncType) String() string {
	s := "("
	for i, p := range f.Params {
		if i > 0 {
			s += ","
		}
		s += p.String()
	}
	s += ")->("
	for i, r := range f.Results {
		if i > 0 {
			s += ","
		}
		s += r.String()
	}
	return s + ")"
}

// Import represents an import entry.
type Import struct {
	// Snippet is an inline JavaScript body attached to a function import,
	// carried in the weblink.snippets custom section. Nil for genuine host
	// imports.
	Snippet *Snippet
	Module  string
	Name    string
	Desc    ImportDesc
}

// ImportDesc is a tagged variant over the four import kinds. Exactly the
// field matching Kind is meaningful.
type ImportDesc struct {
	Table   *TableType
	Memory  *MemoryType
	Global  *GlobalType
	TypeIdx uint32 // KindFunc
	Kind    byte
}

// Snippet is an inline JavaScript function body bound to an import.
type Snippet struct {
	// Params names the JavaScript parameters. Empty means $0..$n-1.
	Params []string
	Code   string
}

// TableType describes a table.
type TableType struct {
	Limits   Limits
	ElemType ValType // ValFuncRef or ValExtern
}

// MemoryType describes linear memory.
type MemoryType struct {
	Limits Limits
}

// Limits holds min/max bounds for tables and memories.
type Limits struct {
	Max    *uint32
	Min    uint32
	Shared bool
}

// GlobalType describes a global variable.
type GlobalType struct {
	ValType ValType
	Mutable bool
}

// Global is a defined global with its constant initializer.
type Global struct {
	Init []byte // constant expression including the trailing end
	Type GlobalType
}

// Export represents an export entry.
type Export struct {
	Name string
	Kind byte
	Idx  uint32
}

// Element represents an element segment. Flags follow the binary format:
//   - bit 0: passive or declarative
//   - bit 1: explicit table index (active) or declarative (passive)
//   - bit 2: entries are constant expressions rather than function indices
type Element struct {
	Offset   []byte   // active segments only
	FuncIdxs []uint32 // flags without bit 2
	Exprs    [][]byte // flags with bit 2
	Flags    uint32
	TableIdx uint32
	ElemKind byte    // 0x00 (funcref) for flags 1, 2, 3
	Type     ValType // reference type for flags 5, 6, 7
}

// Active reports whether the segment initializes a table at instantiation.
func (e *Element) Active() bool {
	return e.Flags&0x01 == 0
}

// FuncRefs returns the function indices referenced by the segment entries.
func (e *Element) FuncRefs() []uint32 {
	if e.Flags&0x04 == 0 {
		return e.FuncIdxs
	}
	var out []uint32
	for _, expr := range e.Exprs {
		if idx, ok := constRefFunc(expr); ok {
			out = append(out, idx)
		}
	}
	return out
}

// Len returns the number of entries in the segment.
func (e *Element) Len() int {
	if e.Flags&0x04 == 0 {
		return len(e.FuncIdxs)
	}
	return len(e.Exprs)
}

// LocalEntry is a run of locals sharing a type.
type LocalEntry struct {
	Count   uint32
	ValType ValType
}

// FuncBody is the code of a defined function. Code excludes the local
// declarations and includes the final end opcode.
type FuncBody struct {
	Locals []LocalEntry
	Code   []byte
}

// DataSegment represents a data segment.
// Flags determine the format:
//   - 0: active, memIdx=0, offset expr, vec(byte)
//   - 1: passive, vec(byte)
//   - 2: active, memIdx, offset expr, vec(byte)
type DataSegment struct {
	Offset []byte
	Init   []byte
	Flags  uint32
	MemIdx uint32
}

// CustomSection holds a named custom section's data.
type CustomSection struct {
	Name string
	Data []byte
}

// Names is the decoded name section. Subsections whose index space passes
// may rewrite are decoded; the rest are kept verbatim.
type Names struct {
	Module    *string
	Functions []Naming
	Locals    []IndirectNaming
	Labels    []IndirectNaming
	Types     []Naming
	Globals   []Naming
	Other     []NameSubsection
}

// Naming associates an index with a name.
type Naming struct {
	Name  string
	Index uint32
}

// IndirectNaming is a per-function name map (locals, labels).
type IndirectNaming struct {
	Names []Naming
	Index uint32
}

// NameSubsection is an undecoded name subsection.
type NameSubsection struct {
	Data []byte
	ID   byte
}
