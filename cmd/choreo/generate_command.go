package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/makeasinger/choreo/internal/app"
	"github.com/makeasinger/choreo/internal/corpus"
	"github.com/makeasinger/choreo/internal/generator"
	"github.com/makeasinger/choreo/internal/model"
	"github.com/makeasinger/choreo/internal/vectorindex"
)

func newGenerateCommand(ctx *commandContext) *cobra.Command {
	var (
		corpusPath string
		audioPath  string
		duration   float64
		difficulty string
		energy     string
		style      string
		tempo      float64
		taskID     string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Build a blueprint from the move corpus and print it as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if audioPath == "" {
				return errors.New("--audio is required")
			}
			if corpusPath == "" {
				corpusPath = cfg.Corpus.Path
			}
			if taskID == "" {
				taskID = uuid.New().String()
			}

			logger, err := ctx.logger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			index, err := corpus.LoadIndex(corpusPath, vectorindex.WithRenormalize(cfg.Generator.Renormalize))
			if err != nil {
				return err
			}

			gen := generator.New(index, app.GeneratorConfig(cfg), logger)
			res, err := gen.Generate(cmd.Context(), generator.Request{
				TaskID:        taskID,
				AudioPath:     audioPath,
				AudioDuration: duration,
				Params: model.QueryParameters{
					Difficulty:  model.Difficulty(difficulty),
					Energy:      model.Energy(energy),
					Style:       model.Style(style),
					TargetTempo: tempo,
				},
			})
			if err != nil {
				return err
			}
			if res.Warning != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s (fallback level %s)\n", res.Warning, res.Level)
			}
			return writeJSON(cmd, res.Blueprint)
		},
	}

	cmd.Flags().StringVar(&corpusPath, "corpus", "", "Move corpus JSON file (defaults to corpus.path)")
	cmd.Flags().StringVar(&audioPath, "audio", "", "Storage path of the song audio")
	cmd.Flags().Float64Var(&duration, "duration", 0, "Song duration in seconds")
	cmd.Flags().StringVar(&difficulty, "difficulty", "", "beginner, intermediate or advanced")
	cmd.Flags().StringVar(&energy, "energy", "", "low, medium or high")
	cmd.Flags().StringVar(&style, "style", "", "Dance style filter")
	cmd.Flags().Float64Var(&tempo, "tempo", 0, "Target tempo in BPM")
	cmd.Flags().StringVar(&taskID, "task-id", "", "Task id to embed (random when empty)")
	return cmd
}
