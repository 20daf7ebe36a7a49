package wasm

import (
	"fmt"
	"strconv"

	"github.com/wippyai/weblink/errors"
	"github.com/wippyai/weblink/wasm/internal/binary"
)

// checkCode decodes a function body and checks every index it references
// against the index spaces known so far. Control structure must be
// balanced and the body must close with its final end.
func (d *decoder) checkCode(r *binary.Reader, funcIdx int, numLocals uint32) error {
	m := d.m
	path := []string{"code", strconv.Itoa(funcIdx)}
	numFuncs := m.NumFuncs()
	numGlobals := m.NumGlobals()
	numTables := m.NumTables()
	numMemories := m.NumMemories()

	check := func(off int, space string, idx uint32, length int) error {
		if int(idx) >= length {
			return badIndex(path, off, space, idx, length)
		}
		return nil
	}

	depth := 0
	for {
		off := r.Offset()
		instr, err := decodeInstruction(r)
		if err != nil {
			return err
		}

		switch imm := instr.Imm.(type) {
		case BlockImm:
			depth++
			if imm.Type >= 0 {
				err = check(off, "type", uint32(imm.Type), len(m.Types))
			}
		case CallImm:
			err = check(off, "function", imm.FuncIdx, numFuncs)
		case RefFuncImm:
			err = check(off, "function", imm.FuncIdx, numFuncs)
		case CallIndirectImm:
			if err = check(off, "type", imm.TypeIdx, len(m.Types)); err == nil {
				err = check(off, "table", imm.TableIdx, numTables)
			}
		case GlobalImm:
			err = check(off, "global", imm.GlobalIdx, numGlobals)
		case LocalImm:
			err = check(off, "local", imm.LocalIdx, int(numLocals))
		case TableImm:
			err = check(off, "table", imm.TableIdx, numTables)
		case MemoryImm:
			err = check(off, "memory", 0, numMemories)
		case MemoryIdxImm:
			err = check(off, "memory", imm.MemIdx, numMemories)
		case MiscImm:
			err = d.checkMisc(off, path, imm)
		}
		if err != nil {
			return err
		}

		if instr.Opcode == OpEnd {
			if depth == 0 {
				if !r.Done() {
					return fmt.Errorf("function %d has %d bytes after its final end", funcIdx, r.Len())
				}
				return nil
			}
			depth--
		}
		if r.Done() {
			return errors.Truncated("code", r.Offset(), nil)
		}
	}
}

type idxCheck struct {
	space  string
	idx    uint32
	length int
}

func (d *decoder) checkMisc(off int, path []string, imm MiscImm) error {
	m := d.m
	numData := -1
	if m.DataCount != nil {
		numData = int(*m.DataCount)
	}

	var checks []idxCheck
	add := func(space string, idx uint32, length int) {
		checks = append(checks, idxCheck{space: space, idx: idx, length: length})
	}

	switch imm.SubOpcode {
	case MiscMemoryInit:
		if numData < 0 {
			return fmt.Errorf("memory.init requires a data count section")
		}
		add("data", imm.Operands[0], numData)
		add("memory", imm.Operands[1], m.NumMemories())
	case MiscDataDrop:
		if numData < 0 {
			return fmt.Errorf("data.drop requires a data count section")
		}
		add("data", imm.Operands[0], numData)
	case MiscMemoryCopy:
		add("memory", imm.Operands[0], m.NumMemories())
		add("memory", imm.Operands[1], m.NumMemories())
	case MiscMemoryFill:
		add("memory", imm.Operands[0], m.NumMemories())
	case MiscTableInit:
		add("element", imm.Operands[0], len(m.Elements))
		add("table", imm.Operands[1], m.NumTables())
	case MiscElemDrop:
		add("element", imm.Operands[0], len(m.Elements))
	case MiscTableCopy:
		add("table", imm.Operands[0], m.NumTables())
		add("table", imm.Operands[1], m.NumTables())
	case MiscTableGrow, MiscTableSize, MiscTableFill:
		add("table", imm.Operands[0], m.NumTables())
	}
	for _, c := range checks {
		if int(c.idx) >= c.length {
			return badIndex(path, off, c.space, c.idx, c.length)
		}
	}
	return nil
}

// checkNames verifies that the decoded name section refers to existing
// functions, types and globals.
func (m *Module) checkNames(n *Names) error {
	check := func(sub string, entries []Naming, space string, length int) error {
		for _, e := range entries {
			if int(e.Index) >= length {
				return errors.BadIndex(errors.PhaseParse, []string{NameSectionName, sub}, space, e.Index, uint32(length))
			}
		}
		return nil
	}
	if err := check("functions", n.Functions, "function", m.NumFuncs()); err != nil {
		return err
	}
	for _, sub := range [][]IndirectNaming{n.Locals, n.Labels} {
		for _, e := range sub {
			if int(e.Index) >= m.NumFuncs() {
				return errors.BadIndex(errors.PhaseParse, []string{NameSectionName, "locals"}, "function", e.Index, uint32(m.NumFuncs()))
			}
		}
	}
	if err := check("types", n.Types, "type", len(m.Types)); err != nil {
		return err
	}
	return check("globals", n.Globals, "global", m.NumGlobals())
}
