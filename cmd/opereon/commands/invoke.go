package commands

import (
	"github.com/spf13/cobra"
)

func newInvokeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoke <proc>",
		Short: "Run a named proc explicitly",
		Long: `Run an exec, check or probe proc by name against the current revision.
Update procs cannot be invoked this way; they only fire from change sets.`,
		Example: `  # Run the restart-nginx exec proc
  opereon invoke restart-nginx

  # Run an aspect-level check
  opereon invoke hosts.disk-space`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			eng, transport, err := buildEngine(ctx, cfg, store, log)
			if err != nil {
				return err
			}
			defer transport.Close()

			report, err := eng.Invoke(ctx, args[0])
			if err != nil {
				return err
			}
			if err := store.SaveRunReport(ctx, report); err != nil {
				log.Warn().Err(err).Msg("saving run report")
			}
			return printReport(report)
		},
	}
	return cmd
}
