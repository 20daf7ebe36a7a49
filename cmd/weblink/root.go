package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/weblink/internal/config"
	"github.com/wippyai/weblink/internal/telemetry"
	"github.com/wippyai/weblink/weblink"
)

// Version is set at link time.
var Version = "dev"

type app struct {
	projectDir string
	logLevel   string

	cfg      *config.Config
	log      *zap.Logger
	shutdown func()
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "weblink",
		Short:         "Prepare linked WebAssembly modules for the web",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&a.projectDir, "project", "C", ".", "directory holding weblink.json")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newBuildCmd(a), newInspectCmd(a))
	return cmd
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.projectDir)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = a.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a.cfg = cfg

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	a.log = log
	weblink.SetLogger(log)

	a.shutdown, err = telemetry.Init(context.Background(), telemetry.Config{
		Endpoint: cfg.OtelEndpoint,
		Version:  Version,
	})
	if err != nil {
		log.Warn("telemetry disabled", zap.Error(err))
		a.shutdown = func() {}
	}
	return nil
}

func (a *app) teardown() {
	if a.shutdown != nil {
		a.shutdown()
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

// newLogger returns a console logger for debug and a production logger
// otherwise, both writing to stderr.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	var cfg zap.Config
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
