// Package glue builds the JavaScript fragments that satisfy rewritten
// imports and renders them into a loader skeleton.
package glue

import (
	"fmt"
	"strings"

	"github.com/wippyai/weblink/wasm"
)

// Module is the import module name under which generated bindings are
// provided to the instance.
const Module = "__web_glue"

// bindingPrefix starts every generated binding name.
const bindingPrefix = "__web_"

// Fragment is one generated binding. It satisfies the import
// Module.Binding, which replaced the original import Source.Field.
type Fragment struct {
	Binding string `json:"binding"`
	Source  string `json:"module"`
	Field   string `json:"field"`
	Code    string `json:"code"`
}

// Origin returns the original import as module.field.
func (f Fragment) Origin() string {
	return f.Source + "." + f.Field
}

// BindingName derives the binding for the import module.field.
func BindingName(module, field string) string {
	return bindingPrefix + Sanitize(module) + "_" + Sanitize(field)
}

// Sanitize maps s onto a JavaScript identifier fragment: every byte outside
// [A-Za-z0-9_$] becomes '_'.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '$':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Coerce wraps expr so it yields a value of type t at the JS boundary.
func Coerce(t wasm.ValType, expr string) string {
	switch t {
	case wasm.ValI32:
		return expr + "|0"
	case wasm.ValF32:
		return "Math.fround(" + expr + ")"
	case wasm.ValF64:
		return "+" + expr
	case wasm.ValI64:
		return "BigInt.asIntN(64, " + expr + ")"
	}
	return expr
}

// ParamNames returns names for the parameters of ft: the given names when
// present, else $0..$n-1.
func ParamNames(names []string, ft *wasm.FuncType) ([]string, error) {
	if len(names) == 0 {
		out := make([]string, len(ft.Params))
		for i := range out {
			out[i] = fmt.Sprintf("$%d", i)
		}
		return out, nil
	}
	if len(names) != len(ft.Params) {
		return nil, fmt.Errorf("%d parameter names for signature %s", len(names), ft)
	}
	return names, nil
}

// Function renders a JavaScript function expression with the given
// parameter names and body. Arguments are coerced to their declared types
// on entry and the body's return value is coerced to the result type.
func Function(params []string, ft *wasm.FuncType, body string) (string, error) {
	if len(params) != len(ft.Params) {
		return "", fmt.Errorf("%d parameter names for signature %s", len(params), ft)
	}
	if len(ft.Results) > 1 {
		return "", fmt.Errorf("signature %s returns more than one value", ft)
	}

	var b strings.Builder
	b.WriteString("function(")
	b.WriteString(strings.Join(params, ", "))
	b.WriteString(") {\n")
	for i, p := range params {
		if c := Coerce(ft.Params[i], p); c != p {
			fmt.Fprintf(&b, "    %s = %s;\n", p, c)
		}
	}

	body = strings.TrimSpace(body)
	if len(ft.Results) == 0 {
		for _, line := range strings.Split(body, "\n") {
			b.WriteString("    ")
			b.WriteString(strings.TrimRight(line, " \t"))
			b.WriteByte('\n')
		}
		b.WriteString("}")
		return b.String(), nil
	}

	var inner strings.Builder
	inner.WriteString("(() => {\n")
	for _, line := range strings.Split(body, "\n") {
		inner.WriteString("        ")
		inner.WriteString(strings.TrimRight(line, " \t"))
		inner.WriteByte('\n')
	}
	inner.WriteString("    })()")
	b.WriteString("    return ")
	b.WriteString(Coerce(ft.Results[0], inner.String()))
	b.WriteString(";\n}")
	return b.String(), nil
}
