// Package verify checks that a transformed module is accepted by a
// WebAssembly engine.
package verify

import (
	"context"

	"github.com/tetratelabs/wazero"

	"github.com/wippyai/weblink/errors"
)

// Compile validates data by compiling it with the wazero interpreter. It
// does not instantiate the module, so imports need not be satisfied.
func Compile(ctx context.Context, data []byte) error {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, data)
	if err != nil {
		return errors.Wrap(errors.PhaseVerify, errors.KindInvalidModule, err, "engine rejected module")
	}
	return compiled.Close(ctx)
}
