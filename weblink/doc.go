// Package weblink transforms a linked WebAssembly module into a module and
// JavaScript glue pair that a browser or JS runtime can load directly.
//
// # Pipeline
//
// Transform runs a fixed sequence of stages over one parsed module:
//
//	parse       decode the binary, including snippet and glue sections
//	gc          drop functions, globals and types unreachable from the roots
//	exports     resolve the entry point, export main, the table and memory
//	snippets    turn inline JavaScript on imports into glue bindings
//	grow        route memory growth through a trampoline with a glue hook
//	intrinsics  satisfy runtime intrinsics by synthesis or glue
//	render      render the glue skeleton from every fragment
//	encode      serialize the module
//
// A failing stage stops the run and returns a *errors.Error whose Phase
// names that stage. No partial output is produced.
//
// # Idempotence
//
// Every fragment is recorded in the "weblink.glue" custom section of the
// output, so running Transform over its own output yields the same module
// bytes and the same glue text.
//
// # Observability
//
// Each stage is an OpenTelemetry span on the global tracer provider and a
// debug line on the package logger (see SetLogger). Both are no-ops unless
// the caller installs them.
//
// # Example
//
//	res, err := weblink.Transform(ctx, wasmBytes, weblink.Options{Entry: "main"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	os.WriteFile("app.wasm", res.Module, 0o644)
//	os.WriteFile("app.js", []byte(res.Glue), 0o644)
package weblink
