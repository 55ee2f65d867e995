package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/asynkron/patchroot/internal/config"
	"github.com/asynkron/patchroot/internal/workspace"
)

type applyFlags struct {
	file             string
	subdir           string
	dryRun           bool
	asJSON           bool
	fuzz             int
	allowOverwrite   bool
	ignoreWhitespace bool
}

func newApplyCommand(env *environment) *cobra.Command {
	var flags applyFlags
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a unified diff below the write root",
		Long: `Apply a unified diff below the write root.

Every file diff applies or none does: a hunk that no longer matches, a path
outside the root, or a failed write leaves the tree exactly as it was.

Examples:
  git diff | patchroot apply --root ./project
  patchroot apply --file change.diff --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := env.config(func(c *config.Config) {
				if cmd.Flags().Changed("fuzz") {
					c.FuzzLines = flags.fuzz
				}
				if cmd.Flags().Changed("allow-overwrite") {
					c.AllowOverwrite = flags.allowOverwrite
				}
				if cmd.Flags().Changed("ignore-whitespace") {
					c.IgnoreWhitespace = flags.ignoreWhitespace
				}
			})
			if err != nil {
				return err
			}
			body, err := readPatch(cmd.InOrStdin(), flags.file)
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			svc, err := env.service(cfg)
			if err != nil {
				return err
			}
			out, err := env.printer()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			result, applyErr := svc.ApplyPatch(ctx, workspace.Request{Patch: body, Root: flags.subdir, DryRun: flags.dryRun})
			if applyErr == nil && !flags.dryRun {
				// Refresh the embedded snapshot so it describes the patched tree.
				svc.Startup(ctx)
			}
			if flags.asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return &exitError{code: 1, err: err}
				}
			} else if applyErr == nil {
				out.result(result)
			}
			if applyErr != nil {
				out.failure(applyErr)
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&flags.file, "file", "f", "-", "patch file to read, - for stdin")
	cmd.Flags().StringVar(&flags.subdir, "dir", "", "apply below this directory of the write root")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "validate and preview without writing")
	cmd.Flags().BoolVar(&flags.asJSON, "json", false, "print the result as JSON")
	cmd.Flags().IntVar(&flags.fuzz, "fuzz", 0, "lines a hunk may drift from its header position (overrides PATCH_FUZZ)")
	cmd.Flags().BoolVar(&flags.allowOverwrite, "allow-overwrite", false, "let new-file diffs replace existing files")
	cmd.Flags().BoolVar(&flags.ignoreWhitespace, "ignore-whitespace", false, "retry failed hunks ignoring whitespace")
	return cmd
}

func readPatch(stdin io.Reader, file string) (string, error) {
	var (
		data []byte
		err  error
	)
	if file == "" || file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return "", fmt.Errorf("read patch: %w", err)
	}
	return string(data), nil
}
