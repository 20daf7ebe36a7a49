package wasm

import (
	"github.com/wippyai/weblink/wasm/internal/binary"
)

// The weblink.snippets custom section attaches inline JavaScript to
// function imports:
//
//	section := vec(entry)
//	entry   := funcidx:u32 params:vec(name) body:name
//
// funcidx must name an imported function.

func (d *decoder) parseSnippets(r *binary.Reader) error {
	count, err := readCount(r)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		off := r.Offset()
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		n, err := readCount(r)
		if err != nil {
			return err
		}
		var params []string
		if n > 0 {
			params = make([]string, n)
			for j := range params {
				if params[j], err = r.ReadName(); err != nil {
					return err
				}
			}
		}
		code, err := r.ReadName()
		if err != nil {
			return err
		}
		d.snippets = append(d.snippets, snippetEntry{
			funcIdx: idx,
			offset:  off,
			snippet: &Snippet{Params: params, Code: code},
		})
	}
	return nil
}

// encodeSnippets returns the snippet section payload, or nil when no
// import carries a snippet.
func (m *Module) encodeSnippets() []byte {
	w := binary.NewWriter()
	count := 0
	funcIdx := uint32(0)
	for i := range m.Imports {
		imp := &m.Imports[i]
		if imp.Desc.Kind != KindFunc {
			continue
		}
		if imp.Snippet != nil {
			w.WriteU32(funcIdx)
			w.WriteU32(uint32(len(imp.Snippet.Params)))
			for _, p := range imp.Snippet.Params {
				w.WriteName(p)
			}
			w.WriteName(imp.Snippet.Code)
			count++
		}
		funcIdx++
	}
	if count == 0 {
		return nil
	}

	out := binary.NewWriter()
	out.WriteName(SnippetSectionName)
	out.WriteU32(uint32(count))
	out.WriteBytes(w.Bytes())
	return out.Bytes()
}
