package gc

import (
	stderrors "errors"
	"math/rand"
	"testing"

	"github.com/wippyai/weblink/errors"
	"github.com/wippyai/weblink/wasm"
)

func body(instrs ...wasm.Instruction) []byte {
	return wasm.EncodeInstructions(append(instrs, wasm.Instruction{Opcode: wasm.OpEnd}))
}

func call(idx uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: idx}}
}

func globalGet(idx uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: idx}}
}

func i32Const(v int32) []byte {
	return body(wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: v}})
}

func TestThreeFunctionScenario(t *testing.T) {
	m := &wasm.Module{
		Types:   []wasm.FuncType{{}},
		Funcs:   []uint32{0, 0, 0},
		Exports: []wasm.Export{{Name: "run", Kind: wasm.KindFunc, Idx: 0}},
		Code: []wasm.FuncBody{
			{Code: body(call(1))},
			{Code: body()},
			{Code: body()},
		},
	}

	set, err := Run(m, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(m.Funcs) != 2 {
		t.Fatalf("functions = %d, want 2", len(m.Funcs))
	}
	if m.Exports[0].Idx != 0 {
		t.Errorf("export target = %d, want 0", m.Exports[0].Idx)
	}
	if f, _, _ := set.Removed(); f != 1 {
		t.Errorf("removed functions = %d, want 1", f)
	}
	if set.FuncMap[2] != wasm.Removed {
		t.Errorf("function 2 mapped to %d", set.FuncMap[2])
	}
	for i, b := range m.Code {
		_ = wasm.VisitRefs(b.Code, func(k wasm.RefKind, idx uint32) {
			if k == wasm.RefFunc && idx >= uint32(m.NumFuncs()) {
				t.Errorf("function %d references %d", i, idx)
			}
		})
	}
}

func TestRootsAndCandidates(t *testing.T) {
	m := &wasm.Module{
		Types: []wasm.FuncType{
			{},
			{Params: []wasm.ValType{wasm.ValI32}},
			{Results: []wasm.ValType{wasm.ValF64}},
		},
		Imports: []wasm.Import{
			{Module: "env", Name: "used", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 1}},
			{Module: "env", Name: "unused", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 2}},
			{Module: "env", Name: "g", Desc: wasm.ImportDesc{Kind: wasm.KindGlobal, Global: &wasm.GlobalType{ValType: wasm.ValI32}}},
		},
		Funcs:  []uint32{0, 0, 0, 0},
		Tables: []wasm.TableType{{ElemType: wasm.ValFuncRef, Limits: wasm.Limits{Min: 1}}},
		Globals: []wasm.Global{
			{Type: wasm.GlobalType{ValType: wasm.ValI32}, Init: body(globalGet(0))},
			{Type: wasm.GlobalType{ValType: wasm.ValI32}, Init: i32Const(3)},
		},
		Start:    func() *uint32 { v := uint32(3); return &v }(),
		Elements: []wasm.Element{{Offset: body(globalGet(0)), FuncIdxs: []uint32{4}}},
		Code: []wasm.FuncBody{
			{Code: body(globalGet(1), call(0))}, // 2: extra root
			{Code: body()},                      // 3: start
			{Code: body()},                      // 4: table entry
			{Code: body()},                      // 5: dead
		},
	}
	set, err := Analyze(m, []uint32{2})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	wantFuncs := []bool{true, false, true, true, true, false}
	for i, want := range wantFuncs {
		if set.Funcs[i] != want {
			t.Errorf("function %d live = %v, want %v", i, set.Funcs[i], want)
		}
	}
	wantGlobals := []bool{true, true, false}
	for i, want := range wantGlobals {
		if set.Globals[i] != want {
			t.Errorf("global %d live = %v, want %v", i, set.Globals[i], want)
		}
	}
	if set.Types[2] {
		t.Error("type of the unused import kept")
	}

	if err := Apply(m, set); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(m.Imports) != 2 || m.Imports[1].Name != "g" {
		t.Errorf("imports = %+v", m.Imports)
	}
	if len(m.Types) != 2 || len(m.Globals) != 1 {
		t.Errorf("types=%d globals=%d", len(m.Types), len(m.Globals))
	}
	if *m.Start != 2 || m.Elements[0].FuncIdxs[0] != 3 {
		t.Errorf("start=%d element=%d", *m.Start, m.Elements[0].FuncIdxs[0])
	}
	if _, err := wasm.ParseModule(m.Encode()); err != nil {
		t.Errorf("collected module does not parse: %v", err)
	}
}

func TestExportsAreRoots(t *testing.T) {
	m := &wasm.Module{
		Types:   []wasm.FuncType{{}},
		Funcs:   []uint32{0, 0},
		Globals: []wasm.Global{{Type: wasm.GlobalType{ValType: wasm.ValI32}, Init: i32Const(0)}},
		Exports: []wasm.Export{
			{Name: "lonely", Kind: wasm.KindFunc, Idx: 1},
			{Name: "g", Kind: wasm.KindGlobal, Idx: 0},
		},
		Code: []wasm.FuncBody{{Code: body()}, {Code: body()}},
	}
	if _, err := Run(m, nil); err != nil {
		t.Fatal(err)
	}
	if len(m.Funcs) != 1 || m.Exports[0].Idx != 0 || len(m.Globals) != 1 {
		t.Errorf("funcs=%d export=%d globals=%d", len(m.Funcs), m.Exports[0].Idx, len(m.Globals))
	}
}

func TestRunIsIdempotent(t *testing.T) {
	m := &wasm.Module{
		Types:   []wasm.FuncType{{}},
		Funcs:   []uint32{0, 0},
		Exports: []wasm.Export{{Name: "main", Kind: wasm.KindFunc, Idx: 0}},
		Code:    []wasm.FuncBody{{Code: body()}, {Code: body()}},
	}
	if _, err := Run(m, nil); err != nil {
		t.Fatal(err)
	}
	set, err := Run(m, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !set.Empty() {
		t.Errorf("second run removed %v", set.FuncMap)
	}
}

func TestBadExtraRoot(t *testing.T) {
	m := &wasm.Module{Types: []wasm.FuncType{{}}, Funcs: []uint32{0}, Code: []wasm.FuncBody{{Code: body()}}}
	_, err := Run(m, []uint32{7})
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseReachability, Kind: errors.KindBadIndex}) {
		t.Errorf("error = %v, want gc bad_index", err)
	}
}

// naiveLive recomputes the live function set by iterating to a fixed point
// over the whole module instead of using a worklist.
func naiveLive(m *wasm.Module) []bool {
	live := make([]bool, m.NumFuncs())
	liveGlobals := make([]bool, m.NumGlobals())
	for _, e := range m.Exports {
		if e.Kind == wasm.KindFunc {
			live[e.Idx] = true
		}
		if e.Kind == wasm.KindGlobal {
			liveGlobals[e.Idx] = true
		}
	}
	for _, el := range m.Elements {
		for _, f := range el.FuncRefs() {
			live[f] = true
		}
	}
	numImported := m.NumImportedFuncs()
	numImportedGlobals := m.NumImportedGlobals()
	for changed := true; changed; {
		changed = false
		mark := func(k wasm.RefKind, idx uint32) {
			switch {
			case k == wasm.RefFunc && !live[idx]:
				live[idx] = true
				changed = true
			case k == wasm.RefGlobal && !liveGlobals[idx]:
				liveGlobals[idx] = true
				changed = true
			}
		}
		for i := range m.Code {
			if live[numImported+i] {
				_ = wasm.VisitRefs(m.Code[i].Code, mark)
			}
		}
		for i := range m.Globals {
			if liveGlobals[numImportedGlobals+i] {
				_ = wasm.VisitRefs(m.Globals[i].Init, mark)
			}
		}
	}
	return live
}

func randomModule(rng *rand.Rand) *wasm.Module {
	m := &wasm.Module{Types: []wasm.FuncType{{}}}
	numImports := rng.Intn(3)
	for i := 0; i < numImports; i++ {
		m.Imports = append(m.Imports, wasm.Import{Module: "env", Name: string(rune('a' + i)), Desc: wasm.ImportDesc{Kind: wasm.KindFunc}})
	}
	numDefined := 2 + rng.Intn(10)
	total := numImports + numDefined
	for i := 0; i < numDefined; i++ {
		m.Funcs = append(m.Funcs, 0)
	}
	for i := 0; i < 1+rng.Intn(3); i++ {
		var init []byte
		if rng.Intn(3) == 0 {
			init = body(wasm.Instruction{Opcode: wasm.OpRefFunc, Imm: wasm.RefFuncImm{FuncIdx: uint32(rng.Intn(total))}})
			m.Globals = append(m.Globals, wasm.Global{Type: wasm.GlobalType{ValType: wasm.ValFuncRef}, Init: init})
			continue
		}
		m.Globals = append(m.Globals, wasm.Global{Type: wasm.GlobalType{ValType: wasm.ValI32}, Init: i32Const(1)})
	}
	for i := 0; i < numDefined; i++ {
		var instrs []wasm.Instruction
		for k := 0; k < rng.Intn(4); k++ {
			if rng.Intn(4) == 0 {
				instrs = append(instrs, globalGet(uint32(rng.Intn(len(m.Globals)))), wasm.Instruction{Opcode: wasm.OpDrop})
				continue
			}
			instrs = append(instrs, call(uint32(rng.Intn(total))))
		}
		m.Code = append(m.Code, wasm.FuncBody{Code: body(instrs...)})
	}
	m.Exports = []wasm.Export{{Name: "main", Kind: wasm.KindFunc, Idx: uint32(numImports + rng.Intn(numDefined))}}
	if rng.Intn(2) == 0 {
		m.Tables = []wasm.TableType{{ElemType: wasm.ValFuncRef, Limits: wasm.Limits{Min: 1}}}
		m.Elements = []wasm.Element{{Offset: i32Const(0), FuncIdxs: []uint32{uint32(rng.Intn(total))}}}
	}
	return m
}

func TestDifferentialAgainstNaiveWalk(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for n := 0; n < 300; n++ {
		m := randomModule(rng)
		want := naiveLive(m)

		set, err := Run(m, nil)
		if err != nil {
			t.Fatalf("module %d: Run: %v", n, err)
		}
		retained := set.FuncMap.Inverse()
		if len(retained) != m.NumFuncs() {
			t.Fatalf("module %d: %d retained, module has %d", n, len(retained), m.NumFuncs())
		}
		kept := make([]bool, len(want))
		for _, old := range retained {
			kept[old] = true
		}
		for i := range want {
			if want[i] != kept[i] {
				t.Errorf("module %d: function %d naive=%v gc=%v", n, i, want[i], kept[i])
			}
		}
		if _, err := wasm.ParseModule(m.Encode()); err != nil {
			t.Fatalf("module %d: collected module does not parse: %v", n, err)
		}
	}
}
