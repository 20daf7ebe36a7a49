// Package wasm parses, rewrites and encodes WebAssembly binary modules.
//
// The decoder covers the MVP binary format plus the extensions commonly
// emitted by compilers targeting wasm32: multi-value, bulk memory,
// reference types, non-trapping float-to-int conversions, sign extension,
// tail calls and extended constant expressions. Exception handling, GC,
// SIMD, threads, memory64 and multiple memories are rejected with an
// unsupported error.
//
// # Parsing
//
//	data, _ := os.ReadFile("app.wasm")
//	m, err := wasm.ParseModule(data)
//	if err != nil {
//	    var e *errors.Error
//	    if stderrors.As(err, &e) {
//	        fmt.Println(e.Kind, e.Offset)
//	    }
//	}
//
// Every index in a parsed module is in bounds. Instruction bodies are kept
// as raw bytes and decoded on demand with DecodeInstructions.
//
// # Encoding
//
//	out := m.Encode()
//
// Encoding is deterministic: known sections are written in canonical
// order, followed by the name section, other custom sections in their
// original order, and the snippet section. Encoding a parsed module and
// parsing the result yields the same module.
//
// # Rewriting
//
// Remap applies index changes atomically across the function, global and
// type index spaces: code bodies, constant expressions, element and data
// segments, exports, the start function and the name section. Removed
// entities are dropped and the survivors keep their relative order.
//
//	keep := wasm.Compact(m.NumFuncs(), func(i uint32) bool { return live[i] })
//	err := m.Remap(wasm.Remapping{Funcs: keep})
//
// AddImport inserts a function import and shifts every defined function
// up by one. AddType, AddFunction and SetFuncName grow the module in
// place.
//
// # Snippets
//
// The weblink.snippets custom section attaches inline JavaScript bodies to
// function imports. The decoder moves each entry onto Import.Snippet and
// the encoder regenerates the section from those fields.
package wasm
