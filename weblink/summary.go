package weblink

import "github.com/wippyai/weblink/wasm"

// Counts holds the size of a module's index spaces.
type Counts struct {
	Funcs   int `json:"funcs"`
	Imports int `json:"imports"`
	Globals int `json:"globals"`
	Types   int `json:"types"`
	Exports int `json:"exports"`
}

func countsOf(m *wasm.Module) Counts {
	return Counts{
		Funcs:   m.NumFuncs(),
		Imports: len(m.Imports),
		Globals: m.NumGlobals(),
		Types:   len(m.Types),
		Exports: len(m.Exports),
	}
}

// Summary describes one Transform run for the packaging layer.
type Summary struct {
	InputSize  int    `json:"input_size"`
	OutputSize int    `json:"output_size"`
	Before     Counts `json:"before"`
	After      Counts `json:"after"`

	// Entry is the symbol the entry point was resolved by.
	Entry string `json:"entry"`

	Retained []string `json:"retained_exports"`
	Removed  []string `json:"removed_exports"`
	Added    []string `json:"added_exports"`

	// Fragments lists every glue binding in render order.
	Fragments  []string `json:"fragments"`
	GrowSites  int      `json:"grow_sites"`
	Intrinsics []string `json:"intrinsics"`
}

// Result is the output of Transform.
type Result struct {
	Module  []byte
	Glue    string
	Summary Summary
}
