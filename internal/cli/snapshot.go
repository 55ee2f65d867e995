package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newSnapshotCommand(env *environment) *cobra.Command {
	var (
		buildOnly bool
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Ensure the embedded snapshot of the write root is current",
		Long: `Rebuild the content-addressed snapshot of the write root and persist it
when the tree changed. An unchanged tree is left alone. With --build the
snapshot is only computed and printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := env.config(nil)
			if err != nil {
				return err
			}
			svc, err := env.service(cfg)
			if err != nil {
				return err
			}
			out, err := env.printer()
			if err != nil {
				return err
			}

			if buildOnly {
				snap, err := svc.Build(cmd.Context())
				if err != nil {
					out.failure(err)
					return &exitError{code: 1}
				}
				if asJSON {
					return encodeJSON(cmd, snap)
				}
				out.manifest(snap)
				return nil
			}

			changed, meta, err := svc.EnsureEmbeddedSnapshot(cmd.Context())
			if err != nil {
				out.failure(err)
				return &exitError{code: 1}
			}
			if asJSON {
				return encodeJSON(cmd, struct {
					Changed bool `json:"changed"`
					Meta    any  `json:"meta"`
				}{changed, meta})
			}
			out.snapshot(changed, meta)
			return nil
		},
	}
	cmd.Flags().BoolVar(&buildOnly, "build", false, "compute the snapshot without persisting it")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func encodeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return &exitError{code: 1, err: err}
	}
	return nil
}
