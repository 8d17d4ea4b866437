package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/liveness-check/internal/imaging"
	"github.com/example/liveness-check/internal/liveness"
	"github.com/example/liveness-check/internal/quality"
)

type checkOutput struct {
	File          string              `json:"file"`
	Prediction    liveness.Prediction `json:"prediction,omitempty"`
	IsLive        bool                `json:"is_live"`
	Confidence    float64             `json:"confidence,omitempty"`
	Quality       *quality.Score      `json:"quality,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
	Error         string              `json:"error,omitempty"`
}

func newCheckCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <file>...",
		Short: "Run the liveness pipeline on one or more images",
		Long: `Run the liveness pipeline on one or more images and print one JSON line per
file, in argument order.

Examples:
  # Check a single selfie
  livenessctl check selfie.jpg

  # Check a directory of captures, four at a time, without the quality gate
  livenessctl check --concurrency 4 --skip-quality captures/*.png`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runCheck(cmd, args, mustGetInt(cmd, "concurrency"))
		},
	}

	cmd.Flags().Int("concurrency", 2, "Number of images checked in parallel")
	cmd.Flags().BoolVar(&a.cfg.Pipeline.SkipQuality, "skip-quality", a.cfg.Pipeline.SkipQuality, "Skip the image quality gate")
	cmd.Flags().BoolVar(&a.cfg.Pipeline.SkipOcclusion, "skip-occlusion", a.cfg.Pipeline.SkipOcclusion, "Skip the occlusion check")
	return cmd
}

func (a *app) runCheck(cmd *cobra.Command, files []string, concurrency int) error {
	det, logger, err := a.open()
	if err != nil {
		return err
	}
	defer closeDetector(det, logger)

	results := make([]checkOutput, len(files))
	bar := newCheckProgressBar(len(files), cmd.ErrOrStderr())

	var g errgroup.Group
	g.SetLimit(max(1, concurrency))
	for i, file := range files {
		g.Go(func() error {
			results[i] = checkFile(cmd.Context(), det, file)
			if bar != nil {
				_ = bar.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(cmd.ErrOrStderr())
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	failed := 0
	for _, res := range results {
		if res.Error != "" {
			failed++
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(files))
	}
	return nil
}

func checkFile(ctx context.Context, det detector, file string) checkOutput {
	out := checkOutput{File: file}

	img, err := readImage(file)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	defer img.Release()

	verdict, err := det.DetectLiveness(ctx, img)
	if err != nil {
		out.Error = err.Error()
		return out
	}

	out.Prediction = verdict.Prediction
	out.IsLive = verdict.Prediction == liveness.Live
	out.Confidence = verdict.Confidence
	out.FailureReason = verdict.FailureReason
	if verdict.Quality != (quality.Score{}) {
		score := verdict.Quality
		out.Quality = &score
	}
	return out
}

func readImage(file string) (*imaging.Image, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return imaging.Decode(data)
}

// newCheckProgressBar returns nil for a single image.
func newCheckProgressBar(count int, w io.Writer) *progressbar.ProgressBar {
	if count < 2 {
		return nil
	}
	return progressbar.NewOptions(count,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Checking images"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
	)
}
