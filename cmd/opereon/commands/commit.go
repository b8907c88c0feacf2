package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opereon/opereon/pkg/engine"
	"github.com/opereon/opereon/pkg/model"
)

func newCommitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Commit the model directory as a new revision",
		Long: `Load every YAML file of the model repository, validate the resulting
tree and its declarations, and store it as a new revision parented on the
current head. The commit records which files were read, so file watches can
match them later.`,
		Example: `  # Commit the current directory
  opereon commit

  # Commit a specific model repository
  opereon -m ./infra commit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			tree, files, err := model.LoadDir(cfg.ModelDir)
			if err != nil {
				return fmt.Errorf("loading model: %w", err)
			}
			if err := tree.Validate(); err != nil {
				return fmt.Errorf("invalid model: %w", err)
			}
			if _, err := engine.LoadRegistry(tree); err != nil {
				return err
			}

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			id, err := store.CommitRevision(ctx, tree, files)
			if err != nil {
				return err
			}
			log.Info().Str("revision", id).Int("files", len(files)).Msg("model committed")
			fmt.Println(id)
			return nil
		},
	}
	return cmd
}
