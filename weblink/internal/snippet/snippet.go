// Package snippet lifts inline JavaScript attached to function imports into
// glue fragments.
//
// Each import carrying a snippet is re-declared in place as an import from
// the glue module, so function indices do not move. Imports without a
// snippet are host-provided and left untouched.
package snippet

import (
	"strconv"

	"github.com/wippyai/weblink/errors"
	"github.com/wippyai/weblink/weblink/internal/glue"
	"github.com/wippyai/weblink/wasm"
)

// Extract rewrites every snippet-carrying import of m and returns the
// fragments in import declaration order.
func Extract(m *wasm.Module) ([]glue.Fragment, error) {
	var frags []glue.Fragment
	funcIdx := uint32(0)
	for i := range m.Imports {
		imp := &m.Imports[i]
		if imp.Desc.Kind != wasm.KindFunc {
			continue
		}
		idx := funcIdx
		funcIdx++
		if imp.Snippet == nil {
			continue
		}

		path := []string{"import", strconv.Itoa(i)}
		if int(imp.Desc.TypeIdx) >= len(m.Types) {
			return nil, errors.BadIndex(errors.PhaseSnippets, path, "type", imp.Desc.TypeIdx, uint32(len(m.Types)))
		}
		ft := &m.Types[imp.Desc.TypeIdx]

		params, err := glue.ParamNames(imp.Snippet.Params, ft)
		if err != nil {
			return nil, invalid(path, imp, idx, err)
		}
		code, err := glue.Function(params, ft, imp.Snippet.Code)
		if err != nil {
			return nil, invalid(path, imp, idx, err)
		}

		binding := glue.BindingName(imp.Module, imp.Name)
		frags = append(frags, glue.Fragment{
			Binding: binding,
			Source:  imp.Module,
			Field:   imp.Name,
			Code:    code,
		})
		imp.Module = glue.Module
		imp.Name = binding
		imp.Snippet = nil
	}
	return frags, nil
}

func invalid(path []string, imp *wasm.Import, funcIdx uint32, cause error) error {
	return errors.New(errors.PhaseSnippets, errors.KindInvalidModule).
		Path(path...).
		Value(funcIdx).
		Detail("snippet for %s.%s", imp.Module, imp.Name).
		Cause(cause).
		Build()
}
