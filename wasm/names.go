package wasm

import (
	"bytes"
	"fmt"

	"github.com/wippyai/weblink/wasm/internal/binary"
)

func parseNames(r *binary.Reader) (*Names, error) {
	n := &Names{}
	last := -1
	for !r.Done() {
		id, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if int(id) <= last {
			return nil, fmt.Errorf("name subsection %d out of order or duplicated", id)
		}
		last = int(id)
		size, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		sr, err := r.Sub(int(size))
		if err != nil {
			return nil, err
		}

		switch id {
		case NameSubModule:
			name, err := sr.ReadName()
			if err != nil {
				return nil, err
			}
			n.Module = &name
		case NameSubFunction:
			n.Functions, err = readNameMap(sr)
		case NameSubLocal:
			n.Locals, err = readIndirectNameMap(sr)
		case NameSubLabel:
			n.Labels, err = readIndirectNameMap(sr)
		case NameSubType:
			n.Types, err = readNameMap(sr)
		case NameSubGlobal:
			n.Globals, err = readNameMap(sr)
		default:
			n.Other = append(n.Other, NameSubsection{ID: id, Data: bytes.Clone(sr.ReadRemaining())})
		}
		if err != nil {
			return nil, err
		}
		if !sr.Done() {
			return nil, fmt.Errorf("name subsection %d size mismatch", id)
		}
	}
	return n, nil
}

func readNameMap(r *binary.Reader) ([]Naming, error) {
	count, err := readCount(r)
	if err != nil {
		return nil, err
	}
	out := make([]Naming, count)
	for i := range out {
		if out[i].Index, err = r.ReadU32(); err != nil {
			return nil, err
		}
		if out[i].Name, err = r.ReadName(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func readIndirectNameMap(r *binary.Reader) ([]IndirectNaming, error) {
	count, err := readCount(r)
	if err != nil {
		return nil, err
	}
	out := make([]IndirectNaming, count)
	for i := range out {
		if out[i].Index, err = r.ReadU32(); err != nil {
			return nil, err
		}
		if out[i].Names, err = readNameMap(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (n *Names) encode() []byte {
	w := binary.NewWriter()
	w.WriteName(NameSectionName)

	sub := func(id byte, body func(*binary.Writer)) {
		sw := binary.NewWriter()
		body(sw)
		w.Byte(id)
		w.WriteBlob(sw.Bytes())
	}
	nameMap := func(entries []Naming) func(*binary.Writer) {
		return func(sw *binary.Writer) { writeNameMap(sw, entries) }
	}
	indirect := func(entries []IndirectNaming) func(*binary.Writer) {
		return func(sw *binary.Writer) {
			sw.WriteU32(uint32(len(entries)))
			for _, e := range entries {
				sw.WriteU32(e.Index)
				writeNameMap(sw, e.Names)
			}
		}
	}

	other := 0
	flushOther := func(below byte) {
		for other < len(n.Other) && n.Other[other].ID < below {
			o := n.Other[other]
			sub(o.ID, func(sw *binary.Writer) { sw.WriteBytes(o.Data) })
			other++
		}
	}

	if n.Module != nil {
		sub(NameSubModule, func(sw *binary.Writer) { sw.WriteName(*n.Module) })
	}
	if n.Functions != nil {
		flushOther(NameSubFunction)
		sub(NameSubFunction, nameMap(n.Functions))
	}
	if n.Locals != nil {
		flushOther(NameSubLocal)
		sub(NameSubLocal, indirect(n.Locals))
	}
	if n.Labels != nil {
		flushOther(NameSubLabel)
		sub(NameSubLabel, indirect(n.Labels))
	}
	if n.Types != nil {
		flushOther(NameSubType)
		sub(NameSubType, nameMap(n.Types))
	}
	if n.Globals != nil {
		flushOther(NameSubGlobal)
		sub(NameSubGlobal, nameMap(n.Globals))
	}
	flushOther(0xFF)
	if other < len(n.Other) {
		o := n.Other[other]
		sub(o.ID, func(sw *binary.Writer) { sw.WriteBytes(o.Data) })
	}
	return w.Bytes()
}

func writeNameMap(w *binary.Writer, entries []Naming) {
	w.WriteU32(uint32(len(entries)))
	for _, e := range entries {
		w.WriteU32(e.Index)
		w.WriteName(e.Name)
	}
}

// SetFuncName records a name-section name for a function, creating the
// section if needed.
func (m *Module) SetFuncName(funcIdx uint32, name string) {
	if m.Names == nil {
		m.Names = &Names{}
	}
	for i := range m.Names.Functions {
		if m.Names.Functions[i].Index == funcIdx {
			m.Names.Functions[i].Name = name
			return
		}
	}
	fns := append(m.Names.Functions, Naming{Index: funcIdx, Name: name})
	for i := len(fns) - 1; i > 0 && fns[i-1].Index > fns[i].Index; i-- {
		fns[i-1], fns[i] = fns[i], fns[i-1]
	}
	m.Names.Functions = fns
}
