package glue

import (
	"encoding/json"
	"fmt"

	"github.com/wippyai/weblink/wasm"
)

// SectionName is the custom section recording every fragment generated
// for a module, so that a later run over the output renders the same glue.
const SectionName = "weblink.glue"

// Recorded returns the fragments stored in the module's glue section.
func Recorded(m *wasm.Module) ([]Fragment, error) {
	for _, cs := range m.CustomSections {
		if cs.Name != SectionName {
			continue
		}
		var frags []Fragment
		if err := json.Unmarshal(cs.Data, &frags); err != nil {
			return nil, fmt.Errorf("decode %s section: %w", SectionName, err)
		}
		return frags, nil
	}
	return nil, nil
}

// Record replaces the module's glue section with frags, keeping the
// section's position. An empty list removes the section.
func Record(m *wasm.Module, frags []Fragment) error {
	pos := -1
	for i, cs := range m.CustomSections {
		if cs.Name == SectionName {
			pos = i
			break
		}
	}
	if len(frags) == 0 {
		if pos >= 0 {
			m.CustomSections = append(m.CustomSections[:pos], m.CustomSections[pos+1:]...)
		}
		return nil
	}

	data, err := json.Marshal(frags)
	if err != nil {
		return fmt.Errorf("encode %s section: %w", SectionName, err)
	}
	cs := wasm.CustomSection{Name: SectionName, Data: data}
	if pos >= 0 {
		m.CustomSections[pos] = cs
	} else {
		m.CustomSections = append(m.CustomSections, cs)
	}
	return nil
}
