package wasm

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/wippyai/weblink/wasm/internal/binary"
)

// Instruction decoding errors. Truncated input surfaces as
// io.ErrUnexpectedEOF.
var (
	ErrUnknownOpcode     = errors.New("unknown opcode")
	ErrUnsupportedOpcode = errors.New("unsupported opcode")
)

// Instruction represents a decoded WebAssembly instruction
type Instruction struct {
	Imm    interface{}
	Opcode byte
}

// BlockImm holds the block type for block, loop and if.
type BlockImm struct {
	Type int32 // Block type: -64=void, -1=i32, -2=i64, -3=f32, -4=f64, >=0=type index
}

// BranchImm holds the label index for br and br_if instructions.
type BranchImm struct {
	LabelIdx uint32
}

// BrTableImm holds the label table for br_table instruction.
type BrTableImm struct {
	Labels  []uint32
	Default uint32
}

// CallImm holds the function index for call and return_call.
type CallImm struct {
	FuncIdx uint32
}

// CallIndirectImm holds type and table indices for call_indirect instruction.
type CallIndirectImm struct {
	TypeIdx  uint32
	TableIdx uint32
}

// LocalImm holds the local index for local.get, local.set, local.tee.
type LocalImm struct {
	LocalIdx uint32
}

// GlobalImm holds the global index for global.get and global.set.
type GlobalImm struct {
	GlobalIdx uint32
}

// MemoryImm holds memory access parameters for load and store instructions.
type MemoryImm struct {
	Offset uint32
	Align  uint32
}

// MemoryIdxImm holds memory index for memory.size, memory.grow
type MemoryIdxImm struct {
	MemIdx uint32
}

// I32Imm holds the constant value for i32.const instruction.
type I32Imm struct {
	Value int32
}

// I64Imm holds the constant value for i64.const instruction.
type I64Imm struct {
	Value int64
}

// F32Imm holds the constant value for f32.const instruction.
type F32Imm struct {
	Value float32
}

// F64Imm holds the constant value for f64.const instruction.
type F64Imm struct {
	Value float64
}

// MiscImm holds the sub-opcode and immediates for 0xFC prefix instructions
type MiscImm struct {
	Operands  []uint32
	SubOpcode uint32
}

// TableImm holds table index for table.get/table.set
type TableImm struct {
	TableIdx uint32
}

// RefNullImm holds the heap type for ref.null
type RefNullImm struct {
	HeapType ValType // ValFuncRef or ValExtern
}

// RefFuncImm holds the function index for ref.func
type RefFuncImm struct {
	FuncIdx uint32
}

// SelectTypeImm holds value types for typed select
type SelectTypeImm struct {
	Types []ValType
}

// DecodeInstructions decodes a sequence of instructions from raw bytes
func DecodeInstructions(code []byte) ([]Instruction, error) {
	return decodeInstructions(binary.NewReader(code, 0))
}

func decodeInstructions(r *binary.Reader) ([]Instruction, error) {
	instrs := make([]Instruction, 0, r.Len()/2)
	for !r.Done() {
		instr, err := decodeInstruction(r)
		if err != nil {
			return nil, err
		}
		instrs = append(instrs, instr)
	}
	return instrs, nil
}

func decodeInstruction(r *binary.Reader) (Instruction, error) {
	op, err := r.ReadByte()
	if err != nil {
		return Instruction{}, err
	}
	instr := Instruction{Opcode: op}

	switch {
	case op >= opNumericFirst && op <= opNumericLast:
		return instr, nil
	case op >= 0x28 && op <= OpI64Store32:
		align, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		if align&0x40 != 0 {
			return instr, fmt.Errorf("%w: multi-memory memarg", ErrUnsupportedOpcode)
		}
		offset, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = MemoryImm{Align: align, Offset: offset}
		return instr, nil
	}

	switch op {
	case OpUnreachable, OpNop, OpElse, OpEnd, OpReturn, OpDrop, OpSelect, OpRefIsNull:
		// No immediate

	case OpBlock, OpLoop, OpIf:
		bt, err := readBlockType(r)
		if err != nil {
			return instr, err
		}
		instr.Imm = BlockImm{Type: bt}

	case OpBr, OpBrIf:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = BranchImm{LabelIdx: idx}

	case OpBrTable:
		count, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		if int(count) > r.Len() {
			return instr, errTruncated
		}
		labels := make([]uint32, count)
		for i := range labels {
			if labels[i], err = r.ReadU32(); err != nil {
				return instr, err
			}
		}
		def, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = BrTableImm{Labels: labels, Default: def}

	case OpCall, OpReturnCall:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = CallImm{FuncIdx: idx}

	case OpCallIndirect, OpReturnCallIndirect:
		typeIdx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		tableIdx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = CallIndirectImm{TypeIdx: typeIdx, TableIdx: tableIdx}

	case OpLocalGet, OpLocalSet, OpLocalTee:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = LocalImm{LocalIdx: idx}

	case OpGlobalGet, OpGlobalSet:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = GlobalImm{GlobalIdx: idx}

	case OpTableGet, OpTableSet:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = TableImm{TableIdx: idx}

	case OpMemorySize, OpMemoryGrow:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = MemoryIdxImm{MemIdx: idx}

	case OpI32Const:
		v, err := r.ReadS32()
		if err != nil {
			return instr, err
		}
		instr.Imm = I32Imm{Value: v}

	case OpI64Const:
		v, err := r.ReadS64()
		if err != nil {
			return instr, err
		}
		instr.Imm = I64Imm{Value: v}

	case OpF32Const:
		b, err := r.ReadBytes(4)
		if err != nil {
			return instr, err
		}
		instr.Imm = F32Imm{Value: math.Float32frombits(le32(b))}

	case OpF64Const:
		b, err := r.ReadBytes(8)
		if err != nil {
			return instr, err
		}
		instr.Imm = F64Imm{Value: math.Float64frombits(uint64(le32(b)) | uint64(le32(b[4:]))<<32)}

	case OpRefNull:
		t, err := r.ReadByte()
		if err != nil {
			return instr, err
		}
		if ValType(t) != ValFuncRef && ValType(t) != ValExtern {
			return instr, fmt.Errorf("%w: ref.null heap type 0x%02x", ErrUnsupportedOpcode, t)
		}
		instr.Imm = RefNullImm{HeapType: ValType(t)}

	case OpRefFunc:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = RefFuncImm{FuncIdx: idx}

	case OpSelectType:
		count, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		if int(count) > r.Len() {
			return instr, errTruncated
		}
		types := make([]ValType, count)
		for i := range types {
			t, err := r.ReadByte()
			if err != nil {
				return instr, err
			}
			if !validValType(t) {
				return instr, fmt.Errorf("%w: select value type 0x%02x", ErrUnsupportedOpcode, t)
			}
			types[i] = ValType(t)
		}
		instr.Imm = SelectTypeImm{Types: types}

	case OpPrefixMisc:
		imm, err := decodeMiscImmediate(r)
		if err != nil {
			return instr, err
		}
		instr.Imm = imm

	case 0x06, 0x07, 0x08, 0x09, 0x0A, 0x18, 0x19, 0x1F:
		return instr, fmt.Errorf("%w: exception handling opcode 0x%02x", ErrUnsupportedOpcode, op)
	case 0x14, 0x15, 0xD3, 0xD4, 0xD5, 0xD6, OpPrefixGC:
		return instr, fmt.Errorf("%w: gc or typed reference opcode 0x%02x", ErrUnsupportedOpcode, op)
	case OpPrefixSIMD:
		return instr, fmt.Errorf("%w: simd opcode", ErrUnsupportedOpcode)
	case OpPrefixAtomic:
		return instr, fmt.Errorf("%w: atomic opcode", ErrUnsupportedOpcode)

	default:
		return instr, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, op)
	}
	return instr, nil
}

func decodeMiscImmediate(r *binary.Reader) (MiscImm, error) {
	sub, err := r.ReadU32()
	if err != nil {
		return MiscImm{}, err
	}
	imm := MiscImm{SubOpcode: sub}

	var operands int
	switch sub {
	case 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, MiscI64TruncSatF64U:
		operands = 0
	case MiscDataDrop, MiscMemoryFill, MiscElemDrop, MiscTableGrow, MiscTableSize, MiscTableFill:
		operands = 1
	case MiscMemoryInit, MiscMemoryCopy, MiscTableInit, MiscTableCopy:
		operands = 2
	default:
		return imm, fmt.Errorf("%w: 0xfc 0x%02x", ErrUnknownOpcode, sub)
	}
	if operands > 0 {
		imm.Operands = make([]uint32, operands)
		for i := range imm.Operands {
			if imm.Operands[i], err = r.ReadU32(); err != nil {
				return imm, err
			}
		}
	}
	return imm, nil
}

func readBlockType(r *binary.Reader) (int32, error) {
	v, err := r.ReadS64()
	if err != nil {
		return 0, err
	}
	switch {
	case v >= 0:
		if v > math.MaxInt32 {
			return 0, binary.ErrOverflow
		}
	case v == int64(BlockTypeVoid), v >= int64(BlockTypeV128),
		v == int64(ValFuncRef)-0x80, v == int64(ValExtern)-0x80:
	default:
		return 0, fmt.Errorf("%w: block type %d", ErrUnsupportedOpcode, v)
	}
	return int32(v), nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// EncodeInstructionTo writes a single instruction to the provided buffer.
func EncodeInstructionTo(buf *bytes.Buffer, instr *Instruction) {
	buf.WriteByte(instr.Opcode)

	switch imm := instr.Imm.(type) {
	case nil:
	case BlockImm:
		WriteLEB128s(buf, imm.Type)
	case BranchImm:
		WriteLEB128u(buf, imm.LabelIdx)
	case BrTableImm:
		WriteLEB128u(buf, uint32(len(imm.Labels)))
		for _, l := range imm.Labels {
			WriteLEB128u(buf, l)
		}
		WriteLEB128u(buf, imm.Default)
	case CallImm:
		WriteLEB128u(buf, imm.FuncIdx)
	case CallIndirectImm:
		WriteLEB128u(buf, imm.TypeIdx)
		WriteLEB128u(buf, imm.TableIdx)
	case LocalImm:
		WriteLEB128u(buf, imm.LocalIdx)
	case GlobalImm:
		WriteLEB128u(buf, imm.GlobalIdx)
	case TableImm:
		WriteLEB128u(buf, imm.TableIdx)
	case MemoryImm:
		WriteLEB128u(buf, imm.Align)
		WriteLEB128u(buf, imm.Offset)
	case MemoryIdxImm:
		WriteLEB128u(buf, imm.MemIdx)
	case I32Imm:
		WriteLEB128s(buf, imm.Value)
	case I64Imm:
		WriteLEB128s64(buf, imm.Value)
	case F32Imm:
		WriteFloat32(buf, imm.Value)
	case F64Imm:
		WriteFloat64(buf, imm.Value)
	case RefNullImm:
		buf.WriteByte(byte(imm.HeapType))
	case RefFuncImm:
		WriteLEB128u(buf, imm.FuncIdx)
	case SelectTypeImm:
		WriteLEB128u(buf, uint32(len(imm.Types)))
		for _, t := range imm.Types {
			buf.WriteByte(byte(t))
		}
	case MiscImm:
		WriteLEB128u(buf, imm.SubOpcode)
		for _, op := range imm.Operands {
			WriteLEB128u(buf, op)
		}
	}
}

// EncodeInstructionsTo writes multiple instructions to the provided buffer.
func EncodeInstructionsTo(buf *bytes.Buffer, instrs []Instruction) {
	for i := range instrs {
		EncodeInstructionTo(buf, &instrs[i])
	}
}

// EncodeInstructions encodes instructions to bytes
func EncodeInstructions(instrs []Instruction) []byte {
	var buf bytes.Buffer
	buf.Grow(len(instrs) * 3)
	EncodeInstructionsTo(&buf, instrs)
	return buf.Bytes()
}

// constRefFunc returns the function index of a "ref.func idx; end"
// constant expression.
func constRefFunc(expr []byte) (uint32, bool) {
	instrs, err := DecodeInstructions(expr)
	if err != nil || len(instrs) != 2 || instrs[0].Opcode != OpRefFunc {
		return 0, false
	}
	return instrs[0].Imm.(RefFuncImm).FuncIdx, true
}

// ConstI32 returns the value of an "i32.const v; end" constant expression.
func ConstI32(expr []byte) (int32, bool) {
	instrs, err := DecodeInstructions(expr)
	if err != nil || len(instrs) != 2 || instrs[0].Opcode != OpI32Const || instrs[1].Opcode != OpEnd {
		return 0, false
	}
	return instrs[0].Imm.(I32Imm).Value, true
}
