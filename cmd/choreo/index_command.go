package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/makeasinger/choreo/internal/corpus"
)

func newIndexCommand(ctx *commandContext) *cobra.Command {
	var corpusPath string
	var top int

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Load the move corpus and summarise it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if corpusPath == "" {
				cfg, err := ctx.ensureConfig()
				if err != nil {
					return err
				}
				corpusPath = cfg.Corpus.Path
			}

			index, err := corpus.LoadIndex(corpusPath)
			if err != nil {
				return err
			}
			st := corpus.Summarize(index.Moves())

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d moves, %.1fs of footage\n\n", st.Moves, st.TotalDuration)
			fmt.Fprintln(out, countTable("Label", limit(st.Labels, top)))
			fmt.Fprintln(out, countTable("Difficulty", st.Difficulty))
			fmt.Fprintln(out, countTable("Energy", st.Energy))
			fmt.Fprintln(out, countTable("Style", st.Style))
			return nil
		},
	}

	cmd.Flags().StringVar(&corpusPath, "corpus", "", "Move corpus JSON file (defaults to corpus.path)")
	cmd.Flags().IntVar(&top, "top", 20, "Show at most this many labels (0 for all)")
	return cmd
}

func countTable(name string, counts []corpus.Count) string {
	rows := make([][]string, 0, len(counts))
	for _, c := range counts {
		key := c.Key
		if key == "" {
			key = "(none)"
		}
		rows = append(rows, []string{key, strconv.Itoa(c.Moves)})
	}
	return renderTable([]string{name, "Moves"}, rows, []columnAlignment{alignLeft, alignRight})
}

func limit(counts []corpus.Count, n int) []corpus.Count {
	if n > 0 && len(counts) > n {
		return counts[:n]
	}
	return counts
}
