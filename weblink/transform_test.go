package weblink

import (
	"bytes"
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/wippyai/weblink/errors"
	"github.com/wippyai/weblink/wasm"
)

func code(instrs ...wasm.Instruction) []byte {
	return wasm.EncodeInstructions(append(instrs, wasm.Instruction{Opcode: wasm.OpEnd}))
}

func call(idx uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: idx}}
}

func i32(v int32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: v}}
}

func f64(v float64) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpF64Const, Imm: wasm.F64Imm{Value: v}}
}

var drop = wasm.Instruction{Opcode: wasm.OpDrop}

func funcImport(module, name string, typeIdx uint32) wasm.Import {
	return wasm.Import{Module: module, Name: name, Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: typeIdx}}
}

// richModule exercises every stage:
//
//	0 env.my_snippet (i32,i32)->i32  snippet "return a+b;"
//	1 env.abort      ()->()
//	2 env.fmod       (f64,f64)->f64
//	3 env.unused     ()->()
//	4 start          ()->() calls 0, 2, grows memory, calls 1
//	5 dead           ()->()
//	6 helper         ()->() in the table
func richModule() *wasm.Module {
	snippetType := wasm.FuncType{
		Params:  []wasm.ValType{wasm.ValI32, wasm.ValI32},
		Results: []wasm.ValType{wasm.ValI32},
	}
	fmodType := wasm.FuncType{
		Params:  []wasm.ValType{wasm.ValF64, wasm.ValF64},
		Results: []wasm.ValType{wasm.ValF64},
	}
	m := &wasm.Module{
		Types: []wasm.FuncType{snippetType, {}, fmodType},
		Imports: []wasm.Import{
			funcImport("env", "my_snippet", 0),
			funcImport("env", "abort", 1),
			funcImport("env", "fmod", 2),
			funcImport("env", "unused", 1),
		},
		Funcs:    []uint32{1, 1, 1},
		Tables:   []wasm.TableType{{ElemType: wasm.ValFuncRef, Limits: wasm.Limits{Min: 1}}},
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		Exports:  []wasm.Export{{Name: "start", Kind: wasm.KindFunc, Idx: 4}},
		Elements: []wasm.Element{{Offset: code(i32(1)), FuncIdxs: []uint32{6}}},
		Code: []wasm.FuncBody{
			{Code: code(
				i32(1), i32(2), call(0), drop,
				f64(5), f64(3), call(2), drop,
				i32(1), wasm.Instruction{Opcode: wasm.OpMemoryGrow, Imm: wasm.MemoryIdxImm{}}, drop,
				call(1),
			)},
			{Code: code()},
			{Code: code()},
		},
		Names: &wasm.Names{Functions: []wasm.Naming{
			{Index: 4, Name: "start"},
			{Index: 5, Name: "dead"},
			{Index: 6, Name: "helper"},
		}},
		CustomSections: []wasm.CustomSection{{Name: "producers", Data: []byte{0x00}}},
	}
	m.Imports[0].Snippet = &wasm.Snippet{Params: []string{"a", "b"}, Code: "return a+b;"}
	return m
}

func transform(t *testing.T, m *wasm.Module, opts Options) *Result {
	t.Helper()
	res, err := Transform(context.Background(), m.Encode(), opts)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	return res
}

func TestTransformSnippetScenario(t *testing.T) {
	m := &wasm.Module{
		Types: []wasm.FuncType{
			{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}},
			{Results: []wasm.ValType{wasm.ValI32}},
		},
		Imports: []wasm.Import{funcImport("env", "my_snippet", 0)},
		Funcs:   []uint32{1},
		Exports: []wasm.Export{{Name: "main", Kind: wasm.KindFunc, Idx: 1}},
		Code:    []wasm.FuncBody{{Code: code(i32(1), i32(2), call(0))}},
	}
	m.Imports[0].Snippet = &wasm.Snippet{Params: []string{"a", "b"}, Code: "return a+b;"}

	res := transform(t, m, Options{})

	out, err := wasm.ParseModule(res.Module)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := out.FindImport("env", "my_snippet"); ok {
		t.Error("output still imports env.my_snippet")
	}
	if n := strings.Count(res.Glue, "// env."); n != 1 {
		t.Errorf("glue has %d fragments, want 1:\n%s", n, res.Glue)
	}
	if !strings.Contains(res.Glue, "__web_env_my_snippet: function(a, b) {") ||
		!strings.Contains(res.Glue, "return a+b;") {
		t.Errorf("glue lacks the addition binding:\n%s", res.Glue)
	}
	if strings.Join(res.Summary.Fragments, ",") != "__web_env_my_snippet" {
		t.Errorf("summary fragments = %v", res.Summary.Fragments)
	}
}

func TestTransformThreeFunctionScenario(t *testing.T) {
	m := &wasm.Module{
		Types:   []wasm.FuncType{{}},
		Funcs:   []uint32{0, 0, 0},
		Exports: []wasm.Export{{Name: "run", Kind: wasm.KindFunc, Idx: 0}},
		Code:    []wasm.FuncBody{{Code: code(call(1))}, {Code: code()}, {Code: code()}},
	}
	res := transform(t, m, Options{})

	if res.Summary.Before.Funcs != 3 || res.Summary.After.Funcs != 2 {
		t.Errorf("funcs %d -> %d, want 3 -> 2", res.Summary.Before.Funcs, res.Summary.After.Funcs)
	}
	out, err := wasm.ParseModule(res.Module)
	if err != nil {
		t.Fatal(err)
	}
	if i := out.FindExport("run"); i < 0 || out.Exports[i].Idx != 0 {
		t.Errorf("exports = %+v", out.Exports)
	}
}

func TestTransformRichModule(t *testing.T) {
	res := transform(t, richModule(), Options{})
	out, err := wasm.ParseModule(res.Module)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := out.FindImport("env", "unused"); ok {
		t.Error("unused import survived")
	}
	if _, ok := out.FindImport("env", "abort"); ok {
		t.Error("abort was not synthesized")
	}
	for _, want := range []string{"__web_env_my_snippet", "__web_on_grow", "__web_env_fmod"} {
		if _, ok := out.FindImport("__web_glue", want); !ok {
			t.Errorf("missing glue import %s", want)
		}
		if !strings.Contains(res.Glue, want+": function(") {
			t.Errorf("glue lacks %s", want)
		}
	}
	for _, name := range []string{"main", "start", "__indirect_function_table", "memory"} {
		if out.FindExport(name) < 0 {
			t.Errorf("missing export %s", name)
		}
	}
	if res.Summary.GrowSites != 1 {
		t.Errorf("grow sites = %d", res.Summary.GrowSites)
	}
	if strings.Join(res.Summary.Intrinsics, ",") != "env.abort,env.fmod" {
		t.Errorf("intrinsics = %v", res.Summary.Intrinsics)
	}
	if name, _ := out.FuncName(out.Exports[out.FindExport("main")].Idx); name != "start" {
		t.Errorf("main targets %q", name)
	}
	for _, n := range out.Names.Functions {
		if n.Name == "dead" {
			t.Error("dead function survived")
		}
	}
	var producers bool
	for _, cs := range out.CustomSections {
		if cs.Name == "producers" && bytes.Equal(cs.Data, []byte{0x00}) {
			producers = true
		}
	}
	if !producers {
		t.Error("unrelated custom section was not preserved")
	}
}

func TestTransformIsIdempotent(t *testing.T) {
	for _, mode := range []Mode{ModeNative, ModeRuntime} {
		t.Run(mode.String(), func(t *testing.T) {
			first := transform(t, richModule(), Options{Mode: mode})
			second, err := Transform(context.Background(), first.Module, Options{Mode: mode})
			if err != nil {
				t.Fatalf("second Transform: %v", err)
			}
			if !bytes.Equal(first.Module, second.Module) {
				t.Error("second run changed the module")
			}
			if first.Glue != second.Glue {
				t.Errorf("second run changed the glue:\n%s\n---\n%s", first.Glue, second.Glue)
			}
		})
	}
}

func TestTransformEntryByName(t *testing.T) {
	m := &wasm.Module{
		Types:   []wasm.FuncType{{}},
		Funcs:   []uint32{0, 0},
		Exports: []wasm.Export{{Name: "main", Kind: wasm.KindFunc, Idx: 0}},
		Code:    []wasm.FuncBody{{Code: code()}, {Code: code()}},
		Names: &wasm.Names{Functions: []wasm.Naming{
			{Index: 0, Name: "old_main"},
			{Index: 1, Name: "_ZN3app5entry17h0123456789abcdefE"},
		}},
	}
	res := transform(t, m, Options{Entry: "app::entry"})

	out, err := wasm.ParseModule(res.Module)
	if err != nil {
		t.Fatal(err)
	}
	mains := 0
	for _, e := range out.Exports {
		if e.Name != "main" {
			continue
		}
		mains++
		if e.Kind != wasm.KindFunc {
			t.Errorf("main has kind %d", e.Kind)
		}
		if name, _ := out.FuncName(e.Idx); name != "_ZN3app5entry17h0123456789abcdefE" {
			t.Errorf("main targets %q", name)
		}
	}
	if mains != 1 {
		t.Errorf("%d exports named main", mains)
	}
	if res.Summary.After.Funcs != 1 {
		t.Errorf("after funcs = %d, want the old main collected", res.Summary.After.Funcs)
	}
	if strings.Join(res.Summary.Removed, ",") != "main" || strings.Join(res.Summary.Added, ",") != "main" {
		t.Errorf("summary removed=%v added=%v", res.Summary.Removed, res.Summary.Added)
	}

	again, err := Transform(context.Background(), res.Module, Options{Entry: "app::entry"})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(again.Module, res.Module) {
		t.Error("second run changed the module")
	}
}

func TestTransformErrors(t *testing.T) {
	valid := (&wasm.Module{
		Types:   []wasm.FuncType{{}},
		Funcs:   []uint32{0},
		Exports: []wasm.Export{{Name: "main", Kind: wasm.KindFunc, Idx: 0}},
		Code:    []wasm.FuncBody{{Code: code()}},
	}).Encode()

	ambiguous := (&wasm.Module{
		Types:   []wasm.FuncType{{}},
		Funcs:   []uint32{0, 0},
		Exports: []wasm.Export{{Name: "a", Kind: wasm.KindFunc, Idx: 0}, {Name: "b", Kind: wasm.KindFunc, Idx: 1}},
		Code:    []wasm.FuncBody{{Code: code()}, {Code: code()}},
	}).Encode()

	unknownIntrinsic := (&wasm.Module{
		Types:   []wasm.FuncType{{}},
		Imports: []wasm.Import{funcImport("__web_intrinsics", "mystery", 0)},
		Funcs:   []uint32{0},
		Exports: []wasm.Export{{Name: "main", Kind: wasm.KindFunc, Idx: 1}},
		Code:    []wasm.FuncBody{{Code: code(call(0))}},
	}).Encode()

	tests := []struct {
		name  string
		input []byte
		opts  Options
		phase errors.Phase
		kind  errors.Kind
	}{
		{"bad magic", []byte("not wasm"), Options{}, errors.PhaseParse, errors.KindMalformedHeader},
		{"missing entry", ambiguous, Options{}, errors.PhaseExports, errors.KindMissingEntryPoint},
		{"unknown requested entry", valid, Options{Entry: "nope"}, errors.PhaseExports, errors.KindMissingEntryPoint},
		{"unknown intrinsic", unknownIntrinsic, Options{}, errors.PhaseIntrinsics, errors.KindUnresolvedIntrinsic},
		{"bad template", valid, Options{Template: "{{.Nope"}, errors.PhaseRender, errors.KindGlueTemplate},
		{"runtime too new", valid, Options{RuntimeVersion: "1.2.0"}, errors.PhaseOptions, errors.KindInvalidInput},
		{"runtime not a version", valid, Options{RuntimeVersion: "latest"}, errors.PhaseOptions, errors.KindInvalidInput},
		{"bad host import", valid, Options{HostImports: []string{"abort"}}, errors.PhaseOptions, errors.KindInvalidInput},
		{"bad mode", valid, Options{Mode: Mode(7)}, errors.PhaseOptions, errors.KindInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Transform(context.Background(), tt.input, tt.opts)
			if res != nil {
				t.Error("failed run returned output")
			}
			var e *errors.Error
			if !stderrors.As(err, &e) {
				t.Fatalf("error = %v (%T), want *errors.Error", err, err)
			}
			if e.Phase != tt.phase || e.Kind != tt.kind {
				t.Errorf("error = %v, want %s %s", err, tt.phase, tt.kind)
			}
		})
	}
}

func TestTransformCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Transform(ctx, richModule().Encode(), Options{})
	if !stderrors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestTransformRuntimeGlue(t *testing.T) {
	res := transform(t, richModule(), Options{Mode: ModeRuntime, RuntimeVersion: "0.7.1"})
	if !strings.Contains(res.Glue, `export const runtimeVersion = "0.7.1";`) {
		t.Errorf("runtime glue:\n%s", res.Glue)
	}
}

func TestTransformCustomTemplate(t *testing.T) {
	res := transform(t, richModule(), Options{
		Template: `{{range .Fragments}}{{.Binding}}
{{end}}`,
	})
	want := "__web_env_my_snippet\n__web_on_grow\n__web_env_fmod\n"
	if res.Glue != want {
		t.Errorf("glue = %q, want %q", res.Glue, want)
	}
}

func TestTransformSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	transform(t, richModule(), Options{})

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	want := []string{
		"weblink.parse", "weblink.gc", "weblink.exports", "weblink.snippets",
		"weblink.grow", "weblink.intrinsics", "weblink.render", "weblink.encode",
		"weblink.transform",
	}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("spans = %v, want %v", names, want)
	}
}
