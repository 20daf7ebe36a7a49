// Package intrinsics satisfies the runtime intrinsics compiled code imports
// but no host provides, either by synthesizing a defined function or by
// binding the import to a glue fragment.
package intrinsics

import (
	"fmt"

	"github.com/wippyai/weblink/errors"
	"github.com/wippyai/weblink/symbol"
	"github.com/wippyai/weblink/weblink/internal/glue"
	"github.com/wippyai/weblink/wasm"
)

const (
	// EnvModule is the conventional module of C and Rust runtime imports.
	EnvModule = "env"

	// Module is the import module reserved for intrinsics. Every import
	// from it must resolve through the policy table.
	Module = "__web_intrinsics"
)

// Strategy selects how an intrinsic is satisfied.
type Strategy int

const (
	// Trap synthesizes a body that executes unreachable.
	Trap Strategy = iota
	// Zero synthesizes a body that returns zero for every result.
	Zero
	// Glue rebinds the import to a generated JavaScript function.
	Glue
)

func (s Strategy) String() string {
	switch s {
	case Trap:
		return "trap"
	case Zero:
		return "zero"
	case Glue:
		return "glue"
	}
	return "unknown"
}

// Policy is one row of the intrinsic table.
type Policy struct {
	// Signature is required for glue policies. Synthesized policies accept
	// any signature.
	Signature *wasm.FuncType
	Body      string // glue function body, parameters are $0..$n-1
	Strategy  Strategy
}

var (
	i32 = wasm.ValI32
	f32 = wasm.ValF32
	f64 = wasm.ValF64
)

// policies is keyed by raw import name.
var policies = map[string]Policy{
	"abort":          {Strategy: Trap},
	"_Unwind_Resume": {Strategy: Trap},
	"__web_on_alloc": {Strategy: Zero},
	"__web_panic": {
		Strategy:  Glue,
		Signature: &wasm.FuncType{Params: []wasm.ValType{i32, i32}},
		Body:      "throw new Error(__web_utf8($0, $1));",
	},
	"__web_alloc_error": {
		Strategy:  Glue,
		Signature: &wasm.FuncType{Params: []wasm.ValType{i32}},
		Body:      `throw new Error("allocation of " + ($0 >>> 0) + " bytes failed");`,
	},
	"fmod": {
		Strategy:  Glue,
		Signature: &wasm.FuncType{Params: []wasm.ValType{f64, f64}, Results: []wasm.ValType{f64}},
		Body:      "return $0 % $1;",
	},
	"fmodf": {
		Strategy:  Glue,
		Signature: &wasm.FuncType{Params: []wasm.ValType{f32, f32}, Results: []wasm.ValType{f32}},
		Body:      "return $0 % $1;",
	},
}

// Lookup returns the policy for a raw intrinsic name.
func Lookup(name string) (Policy, bool) {
	p, ok := policies[name]
	return p, ok
}

// Outcome lists the intrinsics satisfied by Inject as module.field.
type Outcome struct {
	Synthesized []string
	Bound       []string
}

// Injected returns every satisfied intrinsic, synthesized first.
func (o Outcome) Injected() []string {
	out := make([]string, 0, len(o.Synthesized)+len(o.Bound))
	out = append(out, o.Synthesized...)
	return append(out, o.Bound...)
}

type synthesis struct {
	funcIdx uint32
	name    string
	typeIdx uint32
	body    []byte
}

// Inject satisfies every intrinsic import of m. hostProvided lists imports
// as module.field that the embedder supplies; they are left alone.
// Matching uses raw names; diagnostics show demangled ones.
func Inject(m *wasm.Module, hostProvided []string) ([]glue.Fragment, Outcome, error) {
	var (
		out   Outcome
		frags []glue.Fragment
		synth []synthesis
	)
	host := make(map[string]bool, len(hostProvided))
	for _, h := range hostProvided {
		host[h] = true
	}

	funcIdx := uint32(0)
	for i := range m.Imports {
		imp := &m.Imports[i]
		if imp.Desc.Kind != wasm.KindFunc {
			continue
		}
		idx := funcIdx
		funcIdx++

		if imp.Module != EnvModule && imp.Module != Module {
			continue
		}
		origin := imp.Module + "." + imp.Name
		if host[origin] {
			continue
		}
		p, ok := Lookup(imp.Name)
		if !ok {
			if imp.Module == Module {
				return nil, out, errors.UnresolvedIntrinsic(imp.Module, symbol.Demangle(imp.Name), "no policy for intrinsic")
			}
			continue
		}

		ft := m.FuncType(idx)
		if ft == nil {
			return nil, out, errors.BadIndex(errors.PhaseIntrinsics, []string{"import", origin}, "type", imp.Desc.TypeIdx, uint32(len(m.Types)))
		}
		if p.Signature != nil && !ft.Equal(*p.Signature) {
			return nil, out, errors.UnresolvedIntrinsic(imp.Module, symbol.Demangle(imp.Name),
				fmt.Sprintf("signature %s does not match %s", ft, p.Signature))
		}

		switch p.Strategy {
		case Trap, Zero:
			body, err := synthesize(p.Strategy, ft)
			if err != nil {
				return nil, out, errors.UnresolvedIntrinsic(imp.Module, symbol.Demangle(imp.Name), err.Error())
			}
			synth = append(synth, synthesis{funcIdx: idx, name: imp.Name, typeIdx: imp.Desc.TypeIdx, body: body})
			out.Synthesized = append(out.Synthesized, origin)
		case Glue:
			params, _ := glue.ParamNames(nil, ft)
			code, err := glue.Function(params, ft, p.Body)
			if err != nil {
				return nil, out, errors.UnresolvedIntrinsic(imp.Module, symbol.Demangle(imp.Name), err.Error())
			}
			binding := glue.BindingName(imp.Module, imp.Name)
			frags = append(frags, glue.Fragment{Binding: binding, Source: imp.Module, Field: imp.Name, Code: code})
			imp.Module = glue.Module
			imp.Name = binding
			imp.Snippet = nil
			out.Bound = append(out.Bound, origin)
		}
	}

	if err := apply(m, synth); err != nil {
		return nil, out, errors.InPhase(errors.PhaseIntrinsics, err)
	}
	return frags, out, nil
}

// apply appends one function per synthesized intrinsic and removes the
// imports in a single remap that redirects every use to the new body.
func apply(m *wasm.Module, synth []synthesis) error {
	if len(synth) == 0 {
		return nil
	}
	redirect := make(map[uint32]uint32, len(synth))
	removed := make(map[uint32]bool, len(synth))
	for _, s := range synth {
		redirect[s.funcIdx] = m.AddFunction(s.typeIdx, nil, s.body)
		removed[s.funcIdx] = true
	}

	funcs := wasm.Compact(m.NumFuncs(), func(i uint32) bool { return !removed[i] })
	if err := m.Remap(wasm.Remapping{Funcs: funcs, Redirect: redirect}); err != nil {
		return err
	}
	for _, s := range synth {
		m.SetFuncName(funcs[redirect[s.funcIdx]], s.name)
	}
	return nil
}

// synthesize returns a body for ft under a synthesized strategy.
func synthesize(s Strategy, ft *wasm.FuncType) ([]byte, error) {
	if s == Trap {
		return []byte{wasm.OpUnreachable, wasm.OpEnd}, nil
	}
	instrs := make([]wasm.Instruction, 0, len(ft.Results)+1)
	for _, r := range ft.Results {
		in, err := zero(r)
		if err != nil {
			return nil, err
		}
		instrs = append(instrs, in)
	}
	instrs = append(instrs, wasm.Instruction{Opcode: wasm.OpEnd})
	return wasm.EncodeInstructions(instrs), nil
}

func zero(t wasm.ValType) (wasm.Instruction, error) {
	switch t {
	case wasm.ValI32:
		return wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{}}, nil
	case wasm.ValI64:
		return wasm.Instruction{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{}}, nil
	case wasm.ValF32:
		return wasm.Instruction{Opcode: wasm.OpF32Const, Imm: wasm.F32Imm{}}, nil
	case wasm.ValF64:
		return wasm.Instruction{Opcode: wasm.OpF64Const, Imm: wasm.F64Imm{}}, nil
	case wasm.ValFuncRef, wasm.ValExtern:
		return wasm.Instruction{Opcode: wasm.OpRefNull, Imm: wasm.RefNullImm{HeapType: t}}, nil
	}
	return wasm.Instruction{}, fmt.Errorf("no zero value for %s", t)
}
