package exports

import (
	stderrors "errors"
	"slices"
	"testing"

	"github.com/wippyai/weblink/errors"
	"github.com/wippyai/weblink/wasm"
)

var end = []byte{wasm.OpEnd}

func i32Const(v int32) []byte {
	return wasm.EncodeInstructions([]wasm.Instruction{
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: v}},
		{Opcode: wasm.OpEnd},
	})
}

func module(n int, exports ...wasm.Export) *wasm.Module {
	m := &wasm.Module{Types: []wasm.FuncType{{}}, Exports: exports}
	for i := 0; i < n; i++ {
		m.Funcs = append(m.Funcs, 0)
		m.Code = append(m.Code, wasm.FuncBody{Code: end})
	}
	return m
}

func fn(name string, idx uint32) wasm.Export {
	return wasm.Export{Name: name, Kind: wasm.KindFunc, Idx: idx}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		m         *wasm.Module
		requested string
		want      uint32
		wantErr   bool
		wantCands []string
	}{
		{
			name: "single function export",
			m:    module(2, fn("run", 1)),
			want: 1,
		},
		{
			name: "main among several",
			m:    module(3, fn("a", 0), fn("main", 2), fn("b", 1)),
			want: 2,
		},
		{
			name:      "requested export",
			m:         module(3, fn("a", 0), fn("b", 1)),
			requested: "b",
			want:      1,
		},
		{
			name: "requested by name section",
			m: func() *wasm.Module {
				m := module(3, fn("a", 0))
				m.Names = &wasm.Names{Functions: []wasm.Naming{{Index: 2, Name: "start_here"}}}
				return m
			}(),
			requested: "start_here",
			want:      2,
		},
		{
			name: "requested by demangled name",
			m: func() *wasm.Module {
				m := module(2)
				m.Names = &wasm.Names{Functions: []wasm.Naming{{Index: 1, Name: "_ZN4demo5entry17h0123456789abcdefE"}}}
				return m
			}(),
			requested: "demo::entry",
			want:      1,
		},
		{
			name:      "ambiguous without main",
			m:         module(2, fn("a", 0), fn("b", 1)),
			wantErr:   true,
			wantCands: []string{"a", "b"},
		},
		{
			name:      "requested missing",
			m:         module(1, fn("a", 0)),
			requested: "nope",
			wantErr:   true,
			wantCands: []string{"a"},
		},
		{
			name:    "no exports",
			m:       module(1),
			wantErr: true,
		},
		{
			name:    "main is a memory",
			m:       func() *wasm.Module { m := module(1); m.Exports = []wasm.Export{{Name: "main", Kind: wasm.KindMemory}}; return m }(),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := Resolve(tt.m, tt.requested)
			if tt.wantErr {
				var e *errors.Error
				if !stderrors.As(err, &e) || e.Kind != errors.KindMissingEntryPoint {
					t.Fatalf("error = %v, want missing_entry_point", err)
				}
				if !slices.Equal(e.Candidates, tt.wantCands) {
					t.Errorf("candidates = %v, want %v", e.Candidates, tt.wantCands)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tt.want {
				t.Errorf("entry = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNormalizeAddsMain(t *testing.T) {
	m := module(2, fn("run", 1))
	out, err := Normalize(m, Request{})
	if err != nil {
		t.Fatal(err)
	}
	i := m.FindExport(EntryName)
	if i < 0 || m.Exports[i].Idx != 1 || m.Exports[i].Kind != wasm.KindFunc {
		t.Fatalf("exports = %+v", m.Exports)
	}
	if !slices.Equal(out.Added, []string{"main"}) || !slices.Equal(out.Retained, []string{"run"}) {
		t.Errorf("outcome = %+v", out)
	}
}

func TestNormalizeReplacesWrongMain(t *testing.T) {
	m := module(3, fn("main", 0))
	m.Names = &wasm.Names{Functions: []wasm.Naming{{Index: 2, Name: "real"}}}

	out, err := Normalize(m, Request{Entry: "real"})
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, e := range m.Exports {
		if e.Name == EntryName {
			count++
			if e.Idx != 2 {
				t.Errorf("main targets %d, want 2", e.Idx)
			}
		}
	}
	if count != 1 {
		t.Errorf("%d exports named main", count)
	}
	if !slices.Equal(out.Removed, []string{"main"}) || !slices.Equal(out.Added, []string{"main"}) {
		t.Errorf("outcome = %+v", out)
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	m := module(2, fn("run", 1))
	m.Tables = []wasm.TableType{{ElemType: wasm.ValFuncRef, Limits: wasm.Limits{Min: 0}}}
	m.Memories = []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}}
	m.Elements = []wasm.Element{{Offset: i32Const(1), FuncIdxs: []uint32{0, 1}}}

	if _, err := Normalize(m, Request{}); err != nil {
		t.Fatal(err)
	}
	first := slices.Clone(m.Exports)

	out, err := Normalize(m, Request{Entry: "main"})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(m.Exports, first) {
		t.Errorf("exports changed: %+v then %+v", first, m.Exports)
	}
	if len(out.Added) != 0 || len(out.Removed) != 0 {
		t.Errorf("second run changed exports: %+v", out)
	}
}

func TestNormalizeTableAndMemory(t *testing.T) {
	m := module(2, fn("main", 0))
	m.Tables = []wasm.TableType{{ElemType: wasm.ValFuncRef, Limits: wasm.Limits{Min: 1}}}
	m.Memories = []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}}
	m.Elements = []wasm.Element{{Offset: i32Const(2), FuncIdxs: []uint32{0, 1}}}

	out, err := Normalize(m, Request{})
	if err != nil {
		t.Fatal(err)
	}
	if m.Tables[0].Limits.Min != 4 || out.TableMin != 4 {
		t.Errorf("table min = %d, outcome %d, want 4", m.Tables[0].Limits.Min, out.TableMin)
	}
	if i := m.FindExport(TableExportName); i < 0 || m.Exports[i].Kind != wasm.KindTable {
		t.Errorf("table not exported: %+v", m.Exports)
	}
	if i := m.FindExport(MemoryExportName); i < 0 || m.Exports[i].Kind != wasm.KindMemory {
		t.Errorf("memory not exported: %+v", m.Exports)
	}
}

func TestNormalizeKeepsExistingMemoryExport(t *testing.T) {
	m := module(1, fn("main", 0), wasm.Export{Name: "mem", Kind: wasm.KindMemory, Idx: 0})
	m.Memories = []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}}
	if _, err := Normalize(m, Request{}); err != nil {
		t.Fatal(err)
	}
	if m.FindExport(MemoryExportName) >= 0 {
		t.Errorf("memory exported twice: %+v", m.Exports)
	}
}

func TestNormalizeTableErrors(t *testing.T) {
	limit := uint32(2)
	tests := []struct {
		name string
		elem wasm.Element
	}{
		{"beyond maximum", wasm.Element{Offset: i32Const(1), FuncIdxs: []uint32{0, 0}}},
		{"negative offset", wasm.Element{Offset: i32Const(-1), FuncIdxs: []uint32{0}}},
		{"stale function", wasm.Element{Offset: i32Const(0), FuncIdxs: []uint32{9}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := module(1, fn("main", 0))
			m.Tables = []wasm.TableType{{ElemType: wasm.ValFuncRef, Limits: wasm.Limits{Min: 1, Max: &limit}}}
			m.Elements = []wasm.Element{tt.elem}
			_, err := Normalize(m, Request{})
			if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseExports, Kind: errors.KindBadIndex}) {
				t.Errorf("error = %v, want exports bad_index", err)
			}
		})
	}
}
