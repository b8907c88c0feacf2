package commands

import (
	"github.com/spf13/cobra"
)

func newCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run every check proc against the current revision",
		Long: `Run all declared check procs. Checks are read-only: they validate that
hosts match the model without mutating anything, and the command exits
non-zero when any validation fails.`,
		Example: `  opereon check`,
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

			report, err := eng.CheckAll(ctx)
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
