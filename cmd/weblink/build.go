package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/wippyai/weblink/errors"
	"github.com/wippyai/weblink/internal/cache"
	"github.com/wippyai/weblink/internal/config"
	"github.com/wippyai/weblink/internal/telemetry"
	"github.com/wippyai/weblink/verify"
	"github.com/wippyai/weblink/weblink"
)

type buildFlags struct {
	outDir      string
	entry       string
	mode        string
	template    string
	hostImports []string
	verify      bool
	noCache     bool
}

func newBuildCmd(a *app) *cobra.Command {
	f := &buildFlags{}
	cmd := &cobra.Command{
		Use:   "build <in.wasm>...",
		Short: "Transform modules and write <name>.wasm and <name>.js",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.apply(cmd, a.cfg); err != nil {
				return err
			}
			for _, in := range args {
				if err := a.build(cmd, in); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&f.outDir, "out", "o", "", "output directory")
	cmd.Flags().StringVar(&f.entry, "entry", "", "symbol to export as main")
	cmd.Flags().StringVar(&f.mode, "mode", "", "glue flavor: native or runtime")
	cmd.Flags().StringVar(&f.template, "template", "", "custom glue template file")
	cmd.Flags().StringSliceVar(&f.hostImports, "host-import", nil, "import provided by the host, as module.field")
	cmd.Flags().BoolVar(&f.verify, "verify", false, "compile the output with wazero before writing it")
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "ignore the result cache")
	return cmd
}

// apply overrides configuration with the flags given on the command line.
func (f *buildFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("out") {
		cfg.OutDir = f.outDir
	}
	if flags.Changed("entry") {
		cfg.Entry = f.entry
	}
	if flags.Changed("mode") {
		cfg.Mode = f.mode
	}
	if flags.Changed("template") {
		abs, err := filepath.Abs(f.template)
		if err != nil {
			return errors.Wrap(errors.PhaseConfig, errors.KindIO, err, "template path")
		}
		cfg.Template = abs
	}
	if flags.Changed("host-import") {
		cfg.HostImports = f.hostImports
	}
	if flags.Changed("verify") {
		cfg.Verify = f.verify
	}
	if flags.Changed("no-cache") {
		cfg.NoCache = f.noCache
	}
	return cfg.Validate()
}

func (a *app) build(cmd *cobra.Command, in string) error {
	ctx, span := telemetry.Tracer().Start(cmd.Context(), "weblink.build")
	defer span.End()
	span.SetAttributes(attribute.String("input", in))

	res, cached, err := a.transform(ctx, in)
	if err != nil {
		return err
	}

	if a.cfg.Verify {
		if err := verify.Compile(ctx, res.Module); err != nil {
			return err
		}
	}

	name := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
	if err := os.MkdirAll(a.cfg.OutDir, 0o755); err != nil {
		return errors.Wrap(errors.PhaseEncode, errors.KindIO, err, "failed to create output directory")
	}
	wasmPath := filepath.Join(a.cfg.OutDir, name+".wasm")
	jsPath := filepath.Join(a.cfg.OutDir, name+".js")
	if err := os.WriteFile(wasmPath, res.Module, 0o644); err != nil {
		return errors.Wrap(errors.PhaseEncode, errors.KindIO, err, "failed to write module")
	}
	if err := os.WriteFile(jsPath, []byte(res.Glue), 0o644); err != nil {
		return errors.Wrap(errors.PhaseRender, errors.KindIO, err, "failed to write glue")
	}

	a.log.Info("built",
		zap.String("module", wasmPath),
		zap.String("glue", jsPath),
		zap.Bool("cached", cached))
	renderSummary(cmd.OutOrStdout(), summaryView{
		Title:   name,
		Outputs: []string{wasmPath, jsPath},
		Cached:  cached,
		Summary: res.Summary,
	})
	return nil
}

// prune drops cache entries older than the configured max age.
func (a *app) prune(ctx context.Context, store *cache.Store) {
	maxAge := a.cfg.MaxAge()
	if maxAge <= 0 {
		return
	}
	n, err := store.Prune(ctx, time.Now().Add(-maxAge))
	if err != nil {
		a.log.Warn("cache prune failed", zap.Error(err))
		return
	}
	if n > 0 {
		a.log.Debug("pruned cache", zap.Int64("entries", n), zap.Duration("max_age", maxAge))
	}
}

// transform runs the pipeline over the file at in, consulting the cache
// unless it is disabled.
func (a *app) transform(ctx context.Context, in string) (*weblink.Result, bool, error) {
	data, err := os.ReadFile(in)
	if err != nil {
		return nil, false, errors.Wrap(errors.PhaseParse, errors.KindIO, err, "failed to read "+in)
	}
	opts, err := a.cfg.Options()
	if err != nil {
		return nil, false, err
	}

	var store *cache.Store
	if !a.cfg.NoCache && a.cfg.CachePath != "" {
		store, err = cache.Open(a.cfg.CachePath)
		if err != nil {
			a.log.Warn("cache unavailable", zap.Error(err))
			store = nil
		} else {
			defer store.Close()
			a.prune(ctx, store)
		}
	}

	key := cache.Key(data, opts)
	if store != nil {
		res, err := store.Get(ctx, key)
		if err != nil {
			a.log.Warn("cache read failed", zap.Error(err))
		} else if res != nil {
			return res, true, nil
		}
	}

	res, err := weblink.Transform(ctx, data, opts)
	if err != nil {
		return nil, false, err
	}
	if store != nil {
		if err := store.Put(ctx, key, res); err != nil {
			a.log.Warn("cache write failed", zap.Error(err))
		}
	}
	return res, false, nil
}
