package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/config"
	"github.com/example/liveness-check/internal/imaging"
	"github.com/example/liveness-check/internal/inference"
	"github.com/example/liveness-check/internal/logging"
	"github.com/example/liveness-check/internal/pipeline"
	"github.com/example/liveness-check/internal/quality"
)

type detector interface {
	DetectLiveness(ctx context.Context, img *imaging.Image) (pipeline.Verdict, error)
	CheckImageQuality(ctx context.Context, img *imaging.Image) (quality.Score, error)
	Release() error
}

type pipelineFactory func(cfg pipeline.Config, opts inference.Options, logger *zap.Logger) detector

// app holds the settings shared by all subcommands.
type app struct {
	cfg         config.Config
	newDetector pipelineFactory
	newLogger   func(debug bool) (*zap.Logger, error)
}

func newApp(cfg config.Config) *app {
	return &app{
		cfg:         cfg,
		newDetector: remotePipeline,
		newLogger:   cliLogger,
	}
}

func remotePipeline(cfg pipeline.Config, opts inference.Options, logger *zap.Logger) detector {
	return pipeline.New(cfg, pipeline.Dependencies{
		Logger:         logger,
		FaceDetector:   inference.NewRemoteFaceDetector(opts, logger),
		OcclusionModel: inference.NewOcclusionModel(opts, logger),
		LivenessModel:  inference.NewLivenessModel(opts, logger),
	})
}

// cliLogger keeps stderr quiet unless debug is requested.
func cliLogger(debug bool) (*zap.Logger, error) {
	logger, err := logging.NewLogger(debug)
	if err != nil {
		return nil, err
	}
	if !debug {
		logger = logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel))
	}
	return logger, nil
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "livenessctl",
		Short: "Run face liveness checks on local images",
		Long: `livenessctl decodes local image files and runs them through the liveness
decision pipeline (validation, occlusion check, quality check, liveness
inference) using the configured model host.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfg.Inference.Addr, "inference-addr", a.cfg.Inference.Addr, "Model host address")
	flags.DurationVar(&a.cfg.Inference.DialTimeout, "dial-timeout", a.cfg.Inference.DialTimeout, "Model host dial timeout")
	flags.BoolVar(&a.cfg.Pipeline.Debug, "debug", a.cfg.Pipeline.Debug, "Enable per-stage debug logging")

	root.AddCommand(newCheckCmd(a), newQualityCmd(a), newVersionCmd())
	return root
}

// open builds a logger and a pipeline from the current settings.
func (a *app) open() (detector, *zap.Logger, error) {
	logger, err := a.newLogger(a.cfg.Pipeline.Debug)
	if err != nil {
		return nil, nil, err
	}
	opts := inference.Options{Addr: a.cfg.Inference.Addr, DialTimeout: a.cfg.Inference.DialTimeout}
	return a.newDetector(a.cfg.Pipeline.Pipeline(), opts, logger), logger, nil
}

func closeDetector(d detector, logger *zap.Logger) {
	if err := d.Release(); err != nil {
		logger.Warn("pipeline release incomplete", zap.Error(err))
	}
	_ = logger.Sync()
}

