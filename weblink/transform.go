package weblink

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/wippyai/weblink/errors"
	"github.com/wippyai/weblink/wasm"
	"github.com/wippyai/weblink/weblink/internal/exports"
	"github.com/wippyai/weblink/weblink/internal/gc"
	"github.com/wippyai/weblink/weblink/internal/glue"
	"github.com/wippyai/weblink/weblink/internal/grow"
	"github.com/wippyai/weblink/weblink/internal/intrinsics"
	"github.com/wippyai/weblink/weblink/internal/snippet"
)

const tracerName = "github.com/wippyai/weblink"

// run holds the state threaded through the stages of one Transform call.
type run struct {
	opts     Options
	input    []byte
	module   *wasm.Module
	recorded []glue.Fragment
	frags    []glue.Fragment
	result   Result

	droppedEntry bool // a stale main export was removed before gc
}

type stage struct {
	phase errors.Phase
	fn    func(r *run) error
}

var stages = []stage{
	{errors.PhaseParse, (*run).parse},
	{errors.PhaseReachability, (*run).collect},
	{errors.PhaseExports, (*run).normalize},
	{errors.PhaseSnippets, (*run).extract},
	{errors.PhaseGrow, (*run).intercept},
	{errors.PhaseIntrinsics, (*run).inject},
	{errors.PhaseRender, (*run).render},
	{errors.PhaseEncode, (*run).encode},
}

// Transform runs the pipeline over one module. It is safe to call
// concurrently for independent inputs.
func Transform(ctx context.Context, data []byte, opts Options) (*Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "weblink.transform")
	span.SetAttributes(
		attribute.Int("input.size_bytes", len(data)),
		attribute.String("mode", opts.Mode.String()),
	)
	defer span.End()

	if err := opts.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	r := &run{opts: opts, input: data}
	for _, st := range stages {
		if err := r.stage(ctx, st); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	span.SetAttributes(attribute.Int("output.size_bytes", len(r.result.Module)))
	return &r.result, nil
}

func (r *run) stage(ctx context.Context, st stage) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(st.phase, errors.KindInvalidInput, err, "canceled")
	}

	_, span := otel.Tracer(tracerName).Start(ctx, "weblink."+string(st.phase))
	defer span.End()

	err := st.fn(r)
	if err != nil {
		e := errors.InPhase(st.phase, err)
		span.RecordError(e)
		span.SetStatus(codes.Error, e.Error())
		Logger().Debug("stage failed", zap.String("stage", string(st.phase)), zap.Error(e))
		return e
	}

	if r.module != nil {
		span.SetAttributes(attribute.Int("module.funcs", r.module.NumFuncs()))
		Logger().Debug("stage done",
			zap.String("stage", string(st.phase)),
			zap.Int("funcs", r.module.NumFuncs()),
			zap.Int("imports", len(r.module.Imports)),
			zap.Int("fragments", len(r.frags)))
	}
	return nil
}

func (r *run) parse() error {
	m, err := wasm.ParseModule(r.input)
	if err != nil {
		return err
	}
	recorded, err := glue.Recorded(m)
	if err != nil {
		return errors.Wrap(errors.PhaseParse, errors.KindInvalidModule, err, "glue section")
	}
	r.module = m
	r.recorded = recorded
	r.result.Summary.InputSize = len(r.input)
	r.result.Summary.Before = countsOf(m)
	return nil
}

// collect removes dead code. The entry point is resolved first: a function
// found only through the name section becomes an extra root, and a main
// export the entry replaces stops being one. Resolution failures are
// reported by the exports stage.
func (r *run) collect() error {
	var roots []uint32
	if entry, _, err := exports.Resolve(r.module, r.opts.Entry); err == nil {
		roots = append(roots, entry)
		r.droppedEntry = exports.DropStaleEntry(r.module, entry)
	}
	set, err := gc.Run(r.module, roots)
	if err != nil {
		return err
	}
	funcs, globals, types := set.Removed()
	Logger().Debug("collected",
		zap.Int("funcs", funcs),
		zap.Int("globals", globals),
		zap.Int("types", types))
	return nil
}

func (r *run) normalize() error {
	out, err := exports.Normalize(r.module, exports.Request{Entry: r.opts.Entry})
	if err != nil {
		return err
	}
	s := &r.result.Summary
	s.Entry = out.Symbol
	s.Retained = out.Retained
	s.Removed = out.Removed
	s.Added = out.Added
	if r.droppedEntry {
		s.Removed = append([]string{exports.EntryName}, s.Removed...)
	}
	return nil
}

func (r *run) extract() error {
	frags, err := snippet.Extract(r.module)
	if err != nil {
		return err
	}
	r.frags = append(r.frags, frags...)
	return nil
}

func (r *run) intercept() error {
	out, err := grow.Intercept(r.module)
	if err != nil {
		return err
	}
	r.frags = append(r.frags, out.Fragments...)
	r.result.Summary.GrowSites = out.Sites
	return nil
}

func (r *run) inject() error {
	frags, out, err := intrinsics.Inject(r.module, r.opts.HostImports)
	if err != nil {
		return err
	}
	r.frags = append(r.frags, frags...)
	r.result.Summary.Intrinsics = out.Injected()
	return nil
}

// render combines the fragments recorded by an earlier run that still
// satisfy an import with the ones produced now, records them in the module
// and renders the glue.
func (r *run) render() error {
	var all []glue.Fragment
	for _, f := range r.recorded {
		if _, ok := r.module.FindImport(glue.Module, f.Binding); ok {
			all = append(all, f)
		}
	}
	all = append(all, r.frags...)

	text, err := glue.Render(glue.Params{
		Fragments:      all,
		Entry:          exports.EntryName,
		RuntimeVersion: r.opts.RuntimeVersion,
		Template:       r.opts.Template,
		Runtime:        r.opts.Mode == ModeRuntime,
	})
	if err != nil {
		return err
	}
	if err := glue.Record(r.module, all); err != nil {
		return err
	}

	r.result.Glue = text
	names := make([]string, 0, len(all))
	for _, f := range all {
		names = append(names, f.Binding)
	}
	r.result.Summary.Fragments = names
	return nil
}

func (r *run) encode() error {
	out := r.module.Encode()
	r.result.Module = out
	r.result.Summary.OutputSize = len(out)
	r.result.Summary.After = countsOf(r.module)
	return nil
}
