package wasm

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"strconv"

	"github.com/wippyai/weblink/errors"
	"github.com/wippyai/weblink/wasm/internal/binary"
)

var errTruncated = io.ErrUnexpectedEOF

// maxLocals bounds the number of locals declared by one function.
const maxLocals = 50000

// decoder carries parse state that does not belong in the Module.
type decoder struct {
	m        *Module
	snippets []snippetEntry
	names    *binary.Reader
	seen     map[string]bool
}

type snippetEntry struct {
	snippet *Snippet
	funcIdx uint32
	offset  int
}

// ParseModule parses a WebAssembly binary module. Every index in the
// result is in bounds. Failures are *errors.Error values in phase parse
// with one of the codec kinds.
func ParseModule(data []byte) (*Module, error) {
	r := binary.NewReader(data, 0)

	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, errors.Truncated("header", r.Offset(), err)
	}
	if magic != Magic {
		return nil, errors.MalformedHeader("header", 0, "bad magic number")
	}
	version, err := r.ReadU32LE()
	if err != nil {
		return nil, errors.Truncated("header", r.Offset(), err)
	}
	if version != Version {
		return nil, errors.Unsupported("header", 4, fmt.Sprintf("binary version %d", version))
	}

	d := &decoder{m: &Module{}, seen: make(map[string]bool)}

	var lastOrder int
	for !r.Done() {
		headerOff := r.Offset()
		id, _ := r.ReadByte()
		name := sectionName(id)

		if id == SectionTag {
			return nil, errors.Unsupported(name, headerOff, "tag section (exception handling)")
		}
		if id != SectionCustom {
			order := sectionOrder(id)
			if order == 0 {
				return nil, errors.MalformedHeader("", headerOff, fmt.Sprintf("unknown section id %d", id))
			}
			if order <= lastOrder {
				return nil, errors.MalformedHeader(name, headerOff, "section out of order or duplicated")
			}
			lastOrder = order
		}

		size, err := r.ReadU32()
		if err != nil {
			return nil, codecError(name, r.Offset(), err)
		}
		sr, err := r.Sub(int(size))
		if err != nil {
			e := errors.Truncated(name, r.Offset(), err)
			e.Detail = fmt.Sprintf("section declares %d bytes, %d remain", size, r.Len())
			return nil, e
		}

		if err := d.parseSection(id, sr); err != nil {
			return nil, codecError(name, sr.Offset(), err)
		}
		if !sr.Done() {
			return nil, errors.MalformedHeader(name, sr.Offset(),
				fmt.Sprintf("section size mismatch: %d trailing bytes", sr.Len()))
		}
	}

	if err := d.finish(); err != nil {
		return nil, err
	}
	return d.m, nil
}

func (d *decoder) parseSection(id byte, r *binary.Reader) error {
	switch id {
	case SectionCustom:
		return d.parseCustomSection(r)
	case SectionType:
		return d.parseTypeSection(r)
	case SectionImport:
		return d.parseImportSection(r)
	case SectionFunction:
		return d.parseFunctionSection(r)
	case SectionTable:
		return d.parseTableSection(r)
	case SectionMemory:
		return d.parseMemorySection(r)
	case SectionGlobal:
		return d.parseGlobalSection(r)
	case SectionExport:
		return d.parseExportSection(r)
	case SectionStart:
		return d.parseStartSection(r)
	case SectionElement:
		return d.parseElementSection(r)
	case SectionDataCount:
		return d.parseDataCountSection(r)
	case SectionCode:
		return d.parseCodeSection(r)
	case SectionData:
		return d.parseDataSection(r)
	}
	return fmt.Errorf("unknown section id %d", id)
}

// finish runs the checks that need the whole module.
func (d *decoder) finish() error {
	m := d.m
	if len(m.Funcs) != len(m.Code) {
		return errors.MalformedHeader("code", -1,
			fmt.Sprintf("function section declares %d functions, code section has %d bodies", len(m.Funcs), len(m.Code)))
	}
	if m.DataCount != nil && int(*m.DataCount) != len(m.Data) {
		return errors.MalformedHeader("data", -1,
			fmt.Sprintf("data count %d does not match %d segments", *m.DataCount, len(m.Data)))
	}

	if d.names != nil {
		names, err := parseNames(d.names)
		if err != nil {
			return codecError(NameSectionName, d.names.Offset(), err)
		}
		if err := m.checkNames(names); err != nil {
			return err
		}
		m.Names = names
	}

	for _, e := range d.snippets {
		imp, _, ok := m.FuncImport(e.funcIdx)
		if !ok {
			return errors.New(errors.PhaseParse, errors.KindBadIndex).
				Path(SnippetSectionName).
				Offset(e.offset).
				Value(e.funcIdx).
				Detail("snippet targets function %d, which is not an imported function (%d imported)",
					e.funcIdx, m.NumImportedFuncs()).
				Build()
		}
		if imp.Snippet != nil {
			return errors.MalformedHeader(SnippetSectionName, e.offset,
				fmt.Sprintf("duplicate snippet for import %s.%s", imp.Module, imp.Name))
		}
		imp.Snippet = e.snippet
	}
	return nil
}

// codecError classifies a low-level decoding failure.
func codecError(section string, offset int, err error) error {
	var e *errors.Error
	switch {
	case stderrors.As(err, &e):
		return err
	case stderrors.Is(err, io.ErrUnexpectedEOF), stderrors.Is(err, io.EOF):
		return errors.Truncated(section, offset, nil)
	case stderrors.Is(err, ErrUnsupportedOpcode):
		return errors.Unsupported(section, offset, err.Error())
	default:
		return errors.MalformedHeader(section, offset, err.Error())
	}
}

func badIndex(path []string, offset int, space string, idx uint32, length int) error {
	e := errors.BadIndex(errors.PhaseParse, path, space, idx, uint32(length))
	e.Offset = offset
	return e
}

func unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrUnsupportedOpcode}, args...)...)
}

// sectionOrder returns the canonical position of a known section, or 0.
func sectionOrder(id byte) int {
	switch id {
	case SectionType:
		return 1
	case SectionImport:
		return 2
	case SectionFunction:
		return 3
	case SectionTable:
		return 4
	case SectionMemory:
		return 5
	case SectionGlobal:
		return 6
	case SectionExport:
		return 7
	case SectionStart:
		return 8
	case SectionElement:
		return 9
	case SectionDataCount:
		return 10
	case SectionCode:
		return 11
	case SectionData:
		return 12
	}
	return 0
}

func sectionName(id byte) string {
	switch id {
	case SectionCustom:
		return "custom"
	case SectionType:
		return "type"
	case SectionImport:
		return "import"
	case SectionFunction:
		return "function"
	case SectionTable:
		return "table"
	case SectionMemory:
		return "memory"
	case SectionGlobal:
		return "global"
	case SectionExport:
		return "export"
	case SectionStart:
		return "start"
	case SectionElement:
		return "element"
	case SectionCode:
		return "code"
	case SectionData:
		return "data"
	case SectionDataCount:
		return "datacount"
	case SectionTag:
		return "tag"
	}
	return "section " + strconv.Itoa(int(id))
}

// readCount reads a vector length and rejects counts that cannot fit in
// the remaining bytes (every element takes at least one byte).
func readCount(r *binary.Reader) (int, error) {
	n, err := r.ReadU32()
	if err != nil {
		return 0, err
	}
	if int(n) > r.Len() {
		return 0, errTruncated
	}
	return int(n), nil
}

func (d *decoder) parseCustomSection(r *binary.Reader) error {
	name, err := r.ReadName()
	if err != nil {
		return err
	}
	switch name {
	case NameSectionName, SnippetSectionName:
		if d.seen[name] {
			return fmt.Errorf("duplicate %q custom section", name)
		}
		d.seen[name] = true
	}

	switch name {
	case NameSectionName:
		// Decoded in finish, once the function index space is known.
		sub, err := r.Sub(r.Len())
		if err != nil {
			return err
		}
		d.names = sub
	case SnippetSectionName:
		return d.parseSnippets(r)
	default:
		d.m.CustomSections = append(d.m.CustomSections, CustomSection{
			Name: name,
			Data: bytes.Clone(r.ReadRemaining()),
		})
	}
	return nil
}

func (d *decoder) parseTypeSection(r *binary.Reader) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	d.m.Types = make([]FuncType, count)
	for i := range d.m.Types {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		switch form {
		case FuncTypeByte:
		case 0x4E, 0x50, 0x4F, 0x5F, 0x5E:
			return unsupported("gc type form 0x%02x", form)
		default:
			return fmt.Errorf("expected function type (0x60), got 0x%02x", form)
		}
		params, err := readValTypes(r)
		if err != nil {
			return err
		}
		results, err := readValTypes(r)
		if err != nil {
			return err
		}
		d.m.Types[i] = FuncType{Params: params, Results: results}
	}
	return nil
}

func readValTypes(r *binary.Reader) ([]ValType, error) {
	count, err := readCount(r)
	if err != nil {
		return nil, err
	}
	types := make([]ValType, count)
	for i := range types {
		if types[i], err = readValType(r); err != nil {
			return nil, err
		}
	}
	return types, nil
}

func readValType(r *binary.Reader) (ValType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if validValType(b) {
		return ValType(b), nil
	}
	if b >= 0x63 && b <= 0x74 {
		return 0, unsupported("gc reference type 0x%02x", b)
	}
	return 0, fmt.Errorf("invalid value type 0x%02x", b)
}

func (d *decoder) parseImportSection(r *binary.Reader) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	d.m.Imports = make([]Import, count)
	for i := range d.m.Imports {
		module, err := r.ReadName()
		if err != nil {
			return err
		}
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		kindOff := r.Offset()
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}

		imp := Import{Module: module, Name: name, Desc: ImportDesc{Kind: kind}}
		switch kind {
		case KindFunc:
			off := r.Offset()
			if imp.Desc.TypeIdx, err = r.ReadU32(); err != nil {
				return err
			}
			if int(imp.Desc.TypeIdx) >= len(d.m.Types) {
				return badIndex([]string{"import", module, name}, off, "type", imp.Desc.TypeIdx, len(d.m.Types))
			}
		case KindTable:
			table, err := readTableType(r)
			if err != nil {
				return err
			}
			imp.Desc.Table = &table
		case KindMemory:
			memory, err := readMemoryType(r)
			if err != nil {
				return err
			}
			imp.Desc.Memory = &memory
		case KindGlobal:
			global, err := readGlobalType(r)
			if err != nil {
				return err
			}
			imp.Desc.Global = &global
		case kindTag:
			return errors.Unsupported("import", kindOff, "tag import (exception handling)")
		default:
			return fmt.Errorf("unknown import kind 0x%02x", kind)
		}
		d.m.Imports[i] = imp
	}
	if d.m.NumImportedMemories() > 1 {
		return unsupported("multiple memories")
	}
	return nil
}

func (d *decoder) parseFunctionSection(r *binary.Reader) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	d.m.Funcs = make([]uint32, count)
	for i := range d.m.Funcs {
		off := r.Offset()
		if d.m.Funcs[i], err = r.ReadU32(); err != nil {
			return err
		}
		if int(d.m.Funcs[i]) >= len(d.m.Types) {
			return badIndex([]string{"function", strconv.Itoa(i)}, off, "type", d.m.Funcs[i], len(d.m.Types))
		}
	}
	return nil
}

func (d *decoder) parseTableSection(r *binary.Reader) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	d.m.Tables = make([]TableType, count)
	for i := range d.m.Tables {
		if d.m.Tables[i], err = readTableType(r); err != nil {
			return err
		}
	}
	return nil
}

func (d *decoder) parseMemorySection(r *binary.Reader) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	if d.m.NumImportedMemories()+count > 1 {
		return unsupported("multiple memories")
	}
	d.m.Memories = make([]MemoryType, count)
	for i := range d.m.Memories {
		if d.m.Memories[i], err = readMemoryType(r); err != nil {
			return err
		}
	}
	return nil
}

func (d *decoder) parseGlobalSection(r *binary.Reader) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	numImported := d.m.NumImportedGlobals()
	d.m.Globals = make([]Global, count)
	for i := range d.m.Globals {
		gt, err := readGlobalType(r)
		if err != nil {
			return err
		}
		path := []string{"global", strconv.Itoa(numImported + i)}
		init, err := d.readConstExpr(r, path, numImported+i)
		if err != nil {
			return err
		}
		d.m.Globals[i] = Global{Type: gt, Init: init}
	}
	return nil
}

func (d *decoder) parseExportSection(r *binary.Reader) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	d.m.Exports = make([]Export, count)
	names := make(map[string]bool, count)
	for i := range d.m.Exports {
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		if names[name] {
			return fmt.Errorf("duplicate export name %q", name)
		}
		names[name] = true

		kindOff := r.Offset()
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		off := r.Offset()
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}

		var space string
		var length int
		switch kind {
		case KindFunc:
			space, length = "function", d.m.NumFuncs()
		case KindTable:
			space, length = "table", d.m.NumTables()
		case KindMemory:
			space, length = "memory", d.m.NumMemories()
		case KindGlobal:
			space, length = "global", d.m.NumGlobals()
		case kindTag:
			return errors.Unsupported("export", kindOff, "tag export (exception handling)")
		default:
			return fmt.Errorf("invalid export kind 0x%02x", kind)
		}
		if int(idx) >= length {
			return badIndex([]string{"export", name}, off, space, idx, length)
		}
		d.m.Exports[i] = Export{Name: name, Kind: kind, Idx: idx}
	}
	return nil
}

func (d *decoder) parseStartSection(r *binary.Reader) error {
	off := r.Offset()
	idx, err := r.ReadU32()
	if err != nil {
		return err
	}
	if int(idx) >= d.m.NumFuncs() {
		return badIndex([]string{"start"}, off, "function", idx, d.m.NumFuncs())
	}
	d.m.Start = &idx
	return nil
}

func (d *decoder) parseElementSection(r *binary.Reader) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	d.m.Elements = make([]Element, count)
	for i := range d.m.Elements {
		path := []string{"element", strconv.Itoa(i)}
		flags, err := r.ReadU32()
		if err != nil {
			return err
		}
		if flags > 7 {
			return fmt.Errorf("invalid element segment flags %d", flags)
		}
		elem := Element{Flags: flags}
		active := flags&0x01 == 0
		usesExprs := flags&0x04 != 0

		if active && flags&0x02 != 0 {
			off := r.Offset()
			if elem.TableIdx, err = r.ReadU32(); err != nil {
				return err
			}
			if int(elem.TableIdx) >= d.m.NumTables() {
				return badIndex(path, off, "table", elem.TableIdx, d.m.NumTables())
			}
		} else if active && d.m.NumTables() == 0 {
			return badIndex(path, r.Offset(), "table", 0, 0)
		}
		if active {
			if elem.Offset, err = d.readConstExpr(r, path, d.m.NumGlobals()); err != nil {
				return err
			}
		}

		if flags&0x03 != 0 {
			b, err := r.ReadByte()
			if err != nil {
				return err
			}
			if usesExprs {
				switch ValType(b) {
				case ValFuncRef, ValExtern:
					elem.Type = ValType(b)
				default:
					if b >= 0x63 && b <= 0x74 {
						return unsupported("gc element type 0x%02x", b)
					}
					return fmt.Errorf("invalid element reference type 0x%02x", b)
				}
			} else {
				if b != 0x00 {
					return fmt.Errorf("invalid element kind 0x%02x", b)
				}
				elem.ElemKind = b
			}
		}

		n, err := readCount(r)
		if err != nil {
			return err
		}
		if usesExprs {
			elem.Exprs = make([][]byte, n)
			for j := range elem.Exprs {
				if elem.Exprs[j], err = d.readConstExpr(r, path, d.m.NumGlobals()); err != nil {
					return err
				}
			}
		} else {
			elem.FuncIdxs = make([]uint32, n)
			for j := range elem.FuncIdxs {
				off := r.Offset()
				if elem.FuncIdxs[j], err = r.ReadU32(); err != nil {
					return err
				}
				if int(elem.FuncIdxs[j]) >= d.m.NumFuncs() {
					return badIndex(path, off, "function", elem.FuncIdxs[j], d.m.NumFuncs())
				}
			}
		}
		d.m.Elements[i] = elem
	}
	return nil
}

func (d *decoder) parseDataCountSection(r *binary.Reader) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	d.m.DataCount = &count
	return nil
}

func (d *decoder) parseCodeSection(r *binary.Reader) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	if count != len(d.m.Funcs) {
		return fmt.Errorf("function section declares %d functions, code section has %d bodies", len(d.m.Funcs), count)
	}
	numImported := d.m.NumImportedFuncs()
	d.m.Code = make([]FuncBody, count)
	for i := range d.m.Code {
		size, err := r.ReadU32()
		if err != nil {
			return err
		}
		br, err := r.Sub(int(size))
		if err != nil {
			return err
		}

		entries, err := readCount(br)
		if err != nil {
			return err
		}
		var locals []LocalEntry
		total := uint64(len(d.m.Types[d.m.Funcs[i]].Params))
		for j := 0; j < entries; j++ {
			n, err := br.ReadU32()
			if err != nil {
				return err
			}
			t, err := readValType(br)
			if err != nil {
				return err
			}
			total += uint64(n)
			if total > maxLocals {
				return fmt.Errorf("function %d declares too many locals", numImported+i)
			}
			locals = append(locals, LocalEntry{Count: n, ValType: t})
		}

		codeStart := br.Mark()
		if err := d.checkCode(br, numImported+i, uint32(total)); err != nil {
			return err
		}
		d.m.Code[i] = FuncBody{Locals: locals, Code: bytes.Clone(br.Since(codeStart))}
	}
	return nil
}

func (d *decoder) parseDataSection(r *binary.Reader) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	d.m.Data = make([]DataSegment, count)
	for i := range d.m.Data {
		path := []string{"data", strconv.Itoa(i)}
		flags, err := r.ReadU32()
		if err != nil {
			return err
		}
		if flags > 2 {
			return fmt.Errorf("invalid data segment flags %d", flags)
		}
		seg := DataSegment{Flags: flags}
		if flags == 2 {
			off := r.Offset()
			if seg.MemIdx, err = r.ReadU32(); err != nil {
				return err
			}
			if int(seg.MemIdx) >= d.m.NumMemories() {
				return badIndex(path, off, "memory", seg.MemIdx, d.m.NumMemories())
			}
		} else if flags == 0 && d.m.NumMemories() == 0 {
			return badIndex(path, r.Offset(), "memory", 0, 0)
		}
		if flags != 1 {
			if seg.Offset, err = d.readConstExpr(r, path, d.m.NumGlobals()); err != nil {
				return err
			}
		}
		n, err := r.ReadU32()
		if err != nil {
			return err
		}
		init, err := r.ReadBytes(int(n))
		if err != nil {
			return err
		}
		seg.Init = bytes.Clone(init)
		d.m.Data[i] = seg
	}
	return nil
}

// readConstExpr reads a constant expression up to and including its end
// opcode. Global references must be below maxGlobal.
func (d *decoder) readConstExpr(r *binary.Reader, path []string, maxGlobal int) ([]byte, error) {
	start := r.Mark()
	for {
		off := r.Offset()
		instr, err := decodeInstruction(r)
		if err != nil {
			return nil, err
		}
		switch instr.Opcode {
		case OpEnd:
			return bytes.Clone(r.Since(start)), nil
		case OpI32Const, OpI64Const, OpF32Const, OpF64Const, OpRefNull,
			OpI32Add, OpI32Sub, OpI32Mul, OpI64Add, OpI64Sub, OpI64Mul:
		case OpGlobalGet:
			idx := instr.Imm.(GlobalImm).GlobalIdx
			if int(idx) >= maxGlobal {
				return nil, badIndex(path, off, "global", idx, maxGlobal)
			}
		case OpRefFunc:
			idx := instr.Imm.(RefFuncImm).FuncIdx
			if int(idx) >= d.m.NumFuncs() {
				return nil, badIndex(path, off, "function", idx, d.m.NumFuncs())
			}
		default:
			return nil, fmt.Errorf("opcode 0x%02x is not allowed in a constant expression", instr.Opcode)
		}
	}
}

func readLimits(r *binary.Reader) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	if flags&LimitsMemory64 != 0 {
		return Limits{}, unsupported("64-bit limits")
	}
	if flags > LimitsHasMax|LimitsShared {
		return Limits{}, fmt.Errorf("invalid limits flags 0x%02x", flags)
	}
	l := Limits{Shared: flags&LimitsShared != 0}
	if l.Min, err = r.ReadU32(); err != nil {
		return Limits{}, err
	}
	if flags&LimitsHasMax != 0 {
		maxVal, err := r.ReadU32()
		if err != nil {
			return Limits{}, err
		}
		if l.Min > maxVal {
			return Limits{}, fmt.Errorf("limits min %d exceeds max %d", l.Min, maxVal)
		}
		l.Max = &maxVal
	}
	return l, nil
}

func readTableType(r *binary.Reader) (TableType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return TableType{}, err
	}
	switch {
	case ValType(b) == ValFuncRef, ValType(b) == ValExtern:
	case b == 0x40:
		return TableType{}, unsupported("table with initializer expression")
	case b >= 0x63 && b <= 0x74:
		return TableType{}, unsupported("gc table element type 0x%02x", b)
	default:
		return TableType{}, fmt.Errorf("invalid table element type 0x%02x", b)
	}
	limits, err := readLimits(r)
	if err != nil {
		return TableType{}, err
	}
	if limits.Shared {
		return TableType{}, fmt.Errorf("tables cannot be shared")
	}
	return TableType{ElemType: ValType(b), Limits: limits}, nil
}

func readMemoryType(r *binary.Reader) (MemoryType, error) {
	limits, err := readLimits(r)
	if err != nil {
		return MemoryType{}, err
	}
	return MemoryType{Limits: limits}, nil
}

func readGlobalType(r *binary.Reader) (GlobalType, error) {
	t, err := readValType(r)
	if err != nil {
		return GlobalType{}, err
	}
	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	if mut > 1 {
		return GlobalType{}, fmt.Errorf("invalid global mutability 0x%02x", mut)
	}
	return GlobalType{ValType: t, Mutable: mut == 1}, nil
}
