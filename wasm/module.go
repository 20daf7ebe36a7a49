package wasm

import (
	"fmt"
	"slices"
)

// NumImportedFuncs returns the number of imported functions
func (m *Module) NumImportedFuncs() int {
	return m.countImports(KindFunc)
}

// NumImportedGlobals returns the number of imported globals
func (m *Module) NumImportedGlobals() int {
	return m.countImports(KindGlobal)
}

// NumImportedTables returns the number of imported tables
func (m *Module) NumImportedTables() int {
	return m.countImports(KindTable)
}

// NumImportedMemories returns the number of imported memories
func (m *Module) NumImportedMemories() int {
	return m.countImports(KindMemory)
}

func (m *Module) countImports(kind byte) int {
	count := 0
	for i := range m.Imports {
		if m.Imports[i].Desc.Kind == kind {
			count++
		}
	}
	return count
}

// NumFuncs returns the size of the function index space.
func (m *Module) NumFuncs() int {
	return m.NumImportedFuncs() + len(m.Funcs)
}

// NumGlobals returns the size of the global index space.
func (m *Module) NumGlobals() int {
	return m.NumImportedGlobals() + len(m.Globals)
}

// NumTables returns the size of the table index space.
func (m *Module) NumTables() int {
	return m.NumImportedTables() + len(m.Tables)
}

// NumMemories returns the size of the memory index space.
func (m *Module) NumMemories() int {
	return m.NumImportedMemories() + len(m.Memories)
}

// FuncTypeIdx returns the type index of a function.
func (m *Module) FuncTypeIdx(funcIdx uint32) (uint32, bool) {
	n := uint32(0)
	for i := range m.Imports {
		if m.Imports[i].Desc.Kind != KindFunc {
			continue
		}
		if n == funcIdx {
			return m.Imports[i].Desc.TypeIdx, true
		}
		n++
	}
	local := funcIdx - n
	if funcIdx < n || int(local) >= len(m.Funcs) {
		return 0, false
	}
	return m.Funcs[local], true
}

// FuncType returns the signature of a function by its index, or nil.
func (m *Module) FuncType(funcIdx uint32) *FuncType {
	typeIdx, ok := m.FuncTypeIdx(funcIdx)
	if !ok || int(typeIdx) >= len(m.Types) {
		return nil
	}
	return &m.Types[typeIdx]
}

// FuncImport returns the import declaring function funcIdx and its position
// in Imports. ok is false for defined functions.
func (m *Module) FuncImport(funcIdx uint32) (imp *Import, pos int, ok bool) {
	n := uint32(0)
	for i := range m.Imports {
		if m.Imports[i].Desc.Kind != KindFunc {
			continue
		}
		if n == funcIdx {
			return &m.Imports[i], i, true
		}
		n++
	}
	return nil, -1, false
}

// GlobalType returns the type of a global by its index.
func (m *Module) GlobalType(globalIdx uint32) (GlobalType, bool) {
	n := uint32(0)
	for i := range m.Imports {
		if m.Imports[i].Desc.Kind != KindGlobal {
			continue
		}
		if n == globalIdx {
			return *m.Imports[i].Desc.Global, true
		}
		n++
	}
	local := globalIdx - n
	if globalIdx < n || int(local) >= len(m.Globals) {
		return GlobalType{}, false
	}
	return m.Globals[local].Type, true
}

// AddType adds a function type and returns its index, reusing existing if equal
func (m *Module) AddType(ft FuncType) uint32 {
	for i := range m.Types {
		if m.Types[i].Equal(ft) {
			return uint32(i)
		}
	}
	m.Types = append(m.Types, FuncType{
		Params:  slices.Clone(ft.Params),
		Results: slices.Clone(ft.Results),
	})
	return uint32(len(m.Types) - 1)
}

// AddFunction appends a defined function and returns its index.
// code must end with the end opcode.
func (m *Module) AddFunction(typeIdx uint32, locals []LocalEntry, code []byte) uint32 {
	m.Funcs = append(m.Funcs, typeIdx)
	m.Code = append(m.Code, FuncBody{Locals: locals, Code: code})
	return uint32(m.NumFuncs() - 1)
}

// AddImport adds a function import and returns its function index. The
// import is placed after the last function import, so every defined
// function shifts up by one and all references to them are rewritten.
func (m *Module) AddImport(module, name string, typeIdx uint32) (uint32, error) {
	if int(typeIdx) >= len(m.Types) {
		return 0, fmt.Errorf("add import %s.%s: type index %d out of bounds (length %d)",
			module, name, typeIdx, len(m.Types))
	}

	numImported := m.NumImportedFuncs()
	funcMap := make(IndexMap, m.NumFuncs())
	for i := range funcMap {
		if i < numImported {
			funcMap[i] = uint32(i)
		} else {
			funcMap[i] = uint32(i + 1)
		}
	}
	if err := m.rewriteRefs(&Remapping{Funcs: funcMap}); err != nil {
		return 0, fmt.Errorf("add import %s.%s: %w", module, name, err)
	}

	pos := 0
	for i := range m.Imports {
		if m.Imports[i].Desc.Kind == KindFunc {
			pos = i + 1
		}
	}
	imp := Import{Module: module, Name: name, Desc: ImportDesc{Kind: KindFunc, TypeIdx: typeIdx}}
	m.Imports = slices.Insert(m.Imports, pos, imp)
	return uint32(numImported), nil
}

// FindImport returns the function index of the import module.name.
func (m *Module) FindImport(module, name string) (uint32, bool) {
	n := uint32(0)
	for i := range m.Imports {
		imp := &m.Imports[i]
		if imp.Desc.Kind != KindFunc {
			continue
		}
		if imp.Module == module && imp.Name == name {
			return n, true
		}
		n++
	}
	return 0, false
}

// FindExport returns the position in Exports of the export with the given
// name, or -1.
func (m *Module) FindExport(name string) int {
	for i := range m.Exports {
		if m.Exports[i].Name == name {
			return i
		}
	}
	return -1
}

// FuncName returns the name-section name of a function.
func (m *Module) FuncName(funcIdx uint32) (string, bool) {
	if m.Names == nil {
		return "", false
	}
	for _, n := range m.Names.Functions {
		if n.Index == funcIdx {
			return n.Name, true
		}
	}
	return "", false
}
