package wasm_test

import (
	"bytes"

	"github.com/wippyai/weblink/wasm"
)

var header = []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

// binaryModule concatenates the header and the given raw sections.
func binaryModule(sections ...[]byte) []byte {
	out := bytes.Clone(header)
	for _, s := range sections {
		out = append(out, s...)
	}
	return out
}

// section frames payload as a section with the given id.
func section(id byte, payload ...byte) []byte {
	out := []byte{id}
	out = append(out, wasm.EncodeLEB128u(uint32(len(payload)))...)
	return append(out, payload...)
}

func body(instrs ...wasm.Instruction) []byte {
	instrs = append(instrs, wasm.Instruction{Opcode: wasm.OpEnd})
	return wasm.EncodeInstructions(instrs)
}

func call(idx uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: idx}}
}

func i32Const(v int32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: v}}
}

func globalGet(idx uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: idx}}
}

func drop() wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpDrop}
}

func constExpr(v int32) []byte {
	return body(i32Const(v))
}

func u32(v uint32) *uint32 { return &v }

// sampleModule builds a module with one imported function and three
// defined functions:
//
//	0 env.log   (i32)->()
//	1 main      ()->()     exported, calls 3 and 0
//	2 dead      ()->()
//	3 helper    ()->(i32)  in the table
func sampleModule() *wasm.Module {
	return &wasm.Module{
		Types: []wasm.FuncType{
			{Params: []wasm.ValType{wasm.ValI32}},
			{},
			{Results: []wasm.ValType{wasm.ValI32}},
		},
		Imports: []wasm.Import{
			{Module: "env", Name: "log", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}},
		},
		Funcs:    []uint32{1, 1, 2},
		Tables:   []wasm.TableType{{ElemType: wasm.ValFuncRef, Limits: wasm.Limits{Min: 1, Max: u32(1)}}},
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		Globals: []wasm.Global{
			{Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true}, Init: constExpr(1024)},
		},
		Exports: []wasm.Export{
			{Name: "main", Kind: wasm.KindFunc, Idx: 1},
			{Name: "memory", Kind: wasm.KindMemory, Idx: 0},
		},
		Elements: []wasm.Element{
			{Offset: constExpr(0), FuncIdxs: []uint32{3}},
		},
		Code: []wasm.FuncBody{
			{Code: body(call(3), call(0))},
			{Code: body(globalGet(0), drop())},
			{Code: body(i32Const(7))},
		},
		Data: []wasm.DataSegment{
			{Offset: constExpr(16), Init: []byte("hello")},
		},
		Names: &wasm.Names{
			Functions: []wasm.Naming{
				{Index: 0, Name: "log"},
				{Index: 1, Name: "main"},
				{Index: 2, Name: "dead"},
				{Index: 3, Name: "helper"},
			},
		},
	}
}
