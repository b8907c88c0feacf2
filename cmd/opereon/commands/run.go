package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/opereon/opereon/pkg/config"
	"github.com/opereon/opereon/pkg/engine"
	"github.com/opereon/opereon/pkg/stores"
	"github.com/opereon/opereon/pkg/telemetry"
	"github.com/opereon/opereon/pkg/transports/ssh"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process the pending change set",
		Long: `Diff the two most recent revisions and run every update proc whose
watches match the change set. Tasks on one host run in order; distinct
hosts converge concurrently. The resulting run report is stored and
summarized.`,
		Example: `  # Commit, then converge
  opereon commit && opereon run`,
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

			telemetry.StartMetricsServer(cfg.Metrics, log)

			report, err := eng.ProcessChangeSet(ctx)
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

// buildEngine assembles the engine over the store's head revisions and an
// SSH transport.
func buildEngine(ctx context.Context, cfg *config.Config, store *stores.SQLiteStore, log zerolog.Logger) (*engine.Engine, *ssh.Transport, error) {
	transport := ssh.NewTransport(cfg.SSH, cfg.ModelDir, log)
	eng, err := engine.New(ctx, store, transport, log)
	if err != nil {
		_ = transport.Close()
		return nil, nil, err
	}
	if cfg.Engine.HostConcurrency > 0 {
		eng.Executor().HostConcurrency = cfg.Engine.HostConcurrency
	}
	return eng, transport, nil
}

// printReport writes a run summary, or the full report as JSON, and returns
// an error when the run failed so the process exits non-zero.
func printReport(report *engine.RunReport) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		for _, p := range report.Procs {
			fmt.Printf("proc %-30s %s\n", p.Proc, p.Status)
			for _, h := range p.Hosts {
				fmt.Printf("  host %-26s %s\n", h.Host, h.Status)
				if h.Error != "" {
					fmt.Printf("    error: %s\n", h.Error)
				}
			}
			for _, w := range p.Warnings {
				fmt.Printf("  warning: %s\n", w)
			}
		}
		fmt.Printf("run %s: %s (%d procs, %s)\n",
			report.ID, report.Status, len(report.Procs), report.Duration.Round(time.Millisecond))
	}
	if report.Status == engine.StatusFailed {
		return fmt.Errorf("run failed")
	}
	return nil
}
