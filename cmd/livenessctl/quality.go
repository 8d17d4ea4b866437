package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/example/liveness-check/internal/quality"
)

func newQualityCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "quality <file>",
		Short: "Score image quality without running liveness inference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			det, logger, err := a.open()
			if err != nil {
				return err
			}
			defer closeDetector(det, logger)

			img, err := readImage(args[0])
			if err != nil {
				return err
			}
			defer img.Release()

			score, err := det.CheckImageQuality(cmd.Context(), img)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(struct {
				File       string        `json:"file"`
				Quality    quality.Score `json:"quality"`
				Acceptable bool          `json:"acceptable"`
			}{File: args[0], Quality: score, Acceptable: score.Acceptable()})
		},
	}
}
