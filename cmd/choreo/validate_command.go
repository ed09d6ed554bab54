package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/makeasinger/choreo/internal/blueprint"
)

func newValidateCommand(ctx *commandContext) *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a blueprint document without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("root") {
				if cfg, err := ctx.ensureConfig(); err == nil && cfg.Storage.Backend == "local" {
					root = cfg.Storage.Root
				}
			}

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read blueprint: %w", err)
			}

			_, verrs := blueprint.NewValidator(root).Validate(raw)
			if len(verrs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Blueprint is valid")
				return nil
			}

			rows := make([][]string, 0, len(verrs))
			for _, v := range verrs {
				rows = append(rows, []string{v.Field, v.Code, v.Message})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Code", "Problem"}, rows, nil))
			return fmt.Errorf("blueprint has %d violation(s)", len(verrs))
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "Directory media paths must stay under (defaults to the local storage root)")
	return cmd
}
