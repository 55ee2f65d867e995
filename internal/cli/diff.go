package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/asynkron/patchroot/pkg/patch"
)

func newDiffCommand(env *environment) *cobra.Command {
	var context int
	cmd := &cobra.Command{
		Use:   "diff OLD NEW",
		Short: "Print a unified diff between two files",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			before, err := os.ReadFile(args[0])
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			after, err := os.ReadFile(args[1])
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			text, err := patch.Unified(args[0], args[1], before, after, context)
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			out, err := env.printer()
			if err != nil {
				return err
			}
			out.diff(text)
			if text != "" {
				// diff(1) convention: differences found.
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&context, "unified", "U", patch.DefaultContextLines, "lines of context")
	cmd.PreRunE = func(*cobra.Command, []string) error {
		if context < 0 {
			return fmt.Errorf("--unified must not be negative")
		}
		return nil
	}
	return cmd
}
