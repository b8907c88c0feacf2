package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opereon/opereon/pkg/model"
)

func newDiffCommand() *cobra.Command {
	var (
		fromID string
		toID   string
	)

	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Show the structural diff between two revisions",
		Long: `Diff two committed revisions of the model. Without flags the two most
recent revisions are compared. Each change is printed as an operator (+
added, - removed, * modified) and the model path it applies to.`,
		Example: `  # Diff the two most recent revisions
  opereon diff

  # Diff explicit revisions
  opereon diff --from 1f0c... --to 83ab...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			var oldTree, newTree *model.Tree
			if fromID != "" || toID != "" {
				if fromID == "" || toID == "" {
					return fmt.Errorf("--from and --to must be given together")
				}
				if oldTree, err = store.GetRevision(ctx, fromID); err != nil {
					return err
				}
				if newTree, err = store.GetRevision(ctx, toID); err != nil {
					return err
				}
			} else {
				oldTree, newTree, err = store.CurrentAndPrevious(ctx)
				if err != nil {
					return err
				}
				if oldTree == nil {
					fmt.Println("only one revision exists, nothing to diff")
					return nil
				}
			}

			cs, err := model.Diff(oldTree.Root(), newTree.Root())
			if err != nil {
				return err
			}
			files, err := store.TouchedFiles(ctx, oldTree.RevisionID(), newTree.RevisionID())
			if err != nil {
				return err
			}
			cs.TouchedFiles = files

			if jsonOutput {
				return printChangeSetJSON(cs)
			}
			for _, c := range cs.Changes {
				fmt.Printf("%s %s\n", c.Kind.Op(), c.Path)
			}
			for _, f := range cs.TouchedFiles {
				fmt.Printf("~ %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&fromID, "from", "", "older revision id")
	cmd.Flags().StringVar(&toID, "to", "", "newer revision id")
	return cmd
}

func printChangeSetJSON(cs *model.ChangeSet) error {
	type change struct {
		Op   string `json:"op"`
		Path string `json:"path"`
	}
	out := struct {
		Changes []change `json:"changes"`
		Files   []string `json:"files,omitempty"`
	}{Files: cs.TouchedFiles}
	for _, c := range cs.Changes {
		out.Changes = append(out.Changes, change{Op: c.Kind.Op(), Path: c.Path.String()})
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
