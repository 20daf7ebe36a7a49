package glue

import (
	"strings"
	"testing"

	"github.com/wippyai/weblink/errors"
	"github.com/wippyai/weblink/wasm"
)

func TestBindingName(t *testing.T) {
	tests := []struct {
		module, field, want string
	}{
		{"env", "my_snippet", "__web_env_my_snippet"},
		{"env", "a-b.c", "__web_env_a_b_c"},
		{"my mod", "$x", "__web_my_mod_$x"},
		{"__web_intrinsics", "fmod", "__web___web_intrinsics_fmod"},
	}
	for _, tt := range tests {
		if got := BindingName(tt.module, tt.field); got != tt.want {
			t.Errorf("BindingName(%q, %q) = %q, want %q", tt.module, tt.field, got, tt.want)
		}
	}
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		t    wasm.ValType
		want string
	}{
		{wasm.ValI32, "x|0"},
		{wasm.ValF32, "Math.fround(x)"},
		{wasm.ValF64, "+x"},
		{wasm.ValI64, "BigInt.asIntN(64, x)"},
		{wasm.ValExtern, "x"},
	}
	for _, tt := range tests {
		if got := Coerce(tt.t, "x"); got != tt.want {
			t.Errorf("Coerce(%s) = %q, want %q", tt.t, got, tt.want)
		}
	}
}

func TestFunction(t *testing.T) {
	ft := &wasm.FuncType{
		Params:  []wasm.ValType{wasm.ValI32, wasm.ValI32},
		Results: []wasm.ValType{wasm.ValI32},
	}
	code, err := Function([]string{"a", "b"}, ft, "return a+b;")
	if err != nil {
		t.Fatal(err)
	}
	want := "function(a, b) {\n" +
		"    a = a|0;\n" +
		"    b = b|0;\n" +
		"    return (() => {\n" +
		"        return a+b;\n" +
		"    })()|0;\n" +
		"}"
	if code != want {
		t.Errorf("Function =\n%s\nwant\n%s", code, want)
	}

	void := &wasm.FuncType{Params: []wasm.ValType{wasm.ValF64}}
	code, err = Function([]string{"$0"}, void, "console.log($0);")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(code, "$0 = +$0;") || strings.Contains(code, "return") {
		t.Errorf("void function = %q", code)
	}

	if _, err := Function([]string{"a"}, ft, ""); err == nil {
		t.Error("Function accepted a parameter count mismatch")
	}
	multi := &wasm.FuncType{Results: []wasm.ValType{wasm.ValI32, wasm.ValI32}}
	if _, err := Function(nil, multi, ""); err == nil {
		t.Error("Function accepted multiple results")
	}
}

func TestParamNames(t *testing.T) {
	ft := &wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValF32}}
	names, err := ParamNames(nil, ft)
	if err != nil || strings.Join(names, ",") != "$0,$1" {
		t.Errorf("ParamNames = %v, %v", names, err)
	}
	if _, err := ParamNames([]string{"x"}, ft); err == nil {
		t.Error("ParamNames accepted a count mismatch")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	m := &wasm.Module{CustomSections: []wasm.CustomSection{{Name: "producers", Data: []byte{0}}}}
	frags := []Fragment{
		{Binding: "__web_env_a", Source: "env", Field: "a", Code: "function() {}"},
		{Binding: "__web_env_b", Source: "env", Field: "b", Code: "function() {}"},
	}
	if err := Record(m, frags); err != nil {
		t.Fatal(err)
	}
	if len(m.CustomSections) != 2 || m.CustomSections[1].Name != SectionName {
		t.Fatalf("custom sections = %+v", m.CustomSections)
	}

	got, err := Recorded(m)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1] != frags[1] {
		t.Errorf("Recorded = %+v", got)
	}

	if err := Record(m, frags[:1]); err != nil {
		t.Fatal(err)
	}
	if len(m.CustomSections) != 2 {
		t.Errorf("re-recording added a section: %+v", m.CustomSections)
	}
	if err := Record(m, nil); err != nil {
		t.Fatal(err)
	}
	if len(m.CustomSections) != 1 {
		t.Errorf("empty record kept the section: %+v", m.CustomSections)
	}
}

func TestRecordedMalformed(t *testing.T) {
	m := &wasm.Module{CustomSections: []wasm.CustomSection{{Name: SectionName, Data: []byte("{")}}}
	if _, err := Recorded(m); err == nil {
		t.Error("Recorded accepted malformed data")
	}
}

func TestRenderNative(t *testing.T) {
	out, err := Render(Params{
		Fragments: []Fragment{{Binding: "__web_env_add", Source: "env", Field: "add", Code: "function(a, b) {\n    return a+b;\n}"}},
		Entry:     "main",
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"// env.add",
		"__web_env_add: function(a, b) {\n            return a+b;\n        },",
		"const __web_glue = {",
		"main: (...args) => instance.exports.main(...args)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("glue does not contain %q:\n%s", want, out)
		}
	}
}

func TestRenderRuntime(t *testing.T) {
	out, err := Render(Params{Entry: "main", Runtime: true, RuntimeVersion: "0.6.2"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `export const runtimeVersion = "0.6.2";`) {
		t.Errorf("runtime glue missing version:\n%s", out)
	}
}

func TestRenderCustomTemplate(t *testing.T) {
	out, err := Render(Params{
		Fragments: []Fragment{{Binding: "x", Source: "env", Field: "x", Code: "f"}},
		Template:  `{{range .Fragments}}{{.Binding}}={{.Code}};{{end}}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out != "x=f;" {
		t.Errorf("custom glue = %q", out)
	}
}

func TestRenderErrors(t *testing.T) {
	tests := []struct {
		name   string
		params Params
	}{
		{
			name: "binding collision",
			params: Params{Fragments: []Fragment{
				{Binding: "__web_env_a_b", Source: "env", Field: "a-b"},
				{Binding: "__web_env_a_b", Source: "env", Field: "a_b"},
			}},
		},
		{
			name:   "template parse",
			params: Params{Template: "{{range}"},
		},
		{
			name:   "template execute",
			params: Params{Template: "{{.Missing}}"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Render(tt.params)
			if !errors.HasKind(err, errors.KindGlueTemplate) {
				t.Errorf("error = %v, want glue_template", err)
			}
		})
	}
}
