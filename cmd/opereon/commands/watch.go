package commands

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/opereon/opereon/pkg/config"
	"github.com/opereon/opereon/pkg/engine"
	"github.com/opereon/opereon/pkg/model"
	"github.com/opereon/opereon/pkg/stores"
	"github.com/opereon/opereon/pkg/telemetry"
	"github.com/opereon/opereon/pkg/transports/ssh"
)

func newWatchCommand() *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the model directory and converge on every change",
		Long: `Run as a long-lived daemon: watch the model repository for file changes,
commit each settled batch of edits as a new revision and process the
resulting change set. Declared polls tick for the whole lifetime of the
daemon.`,
		Example: `  # Watch with the default settle window
  opereon watch

  # Wait longer for editors that write in bursts
  opereon watch --debounce 2s`,
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

			telemetry.StartMetricsServer(cfg.Metrics, log)
			return watchLoop(ctx, cfg, store, log, debounce)
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "settle window after the last file event")
	return cmd
}

// watchState is the daemon's long-lived engine instance. Each commit
// replaces it, so polls and event handlers always reflect the head revision.
type watchState struct {
	eng       *engine.Engine
	transport *ssh.Transport
}

func (s *watchState) shutdown() {
	if s.eng != nil {
		s.eng.StopPolls()
	}
	if s.transport != nil {
		_ = s.transport.Close()
	}
	s.eng = nil
	s.transport = nil
}

func watchLoop(ctx context.Context, cfg *config.Config, store *stores.SQLiteStore, log zerolog.Logger, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := addDirs(watcher, cfg.ModelDir); err != nil {
		return err
	}
	log.Info().Str("dir", cfg.ModelDir).Msg("watching model directory")

	state := &watchState{}
	defer state.shutdown()

	// Converge whatever is already pending before waiting for edits.
	if err := commitAndRun(ctx, cfg, store, log, state); err != nil {
		log.Error().Err(err).Msg("initial convergence failed")
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevantEvent(ev) {
				continue
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = addDirs(watcher, ev.Name)
				}
			}
			log.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("model file changed")
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watcher error")

		case <-timerC:
			timer = nil
			timerC = nil
			if err := commitAndRun(ctx, cfg, store, log, state); err != nil {
				log.Error().Err(err).Msg("convergence failed")
			}
		}
	}
}

// commitAndRun commits the model directory when it differs from the head
// revision, rebuilds the engine over the new head, processes the change set
// and leaves the new engine's polls running.
func commitAndRun(ctx context.Context, cfg *config.Config, store *stores.SQLiteStore, log zerolog.Logger, state *watchState) error {
	tree, files, err := model.LoadDir(cfg.ModelDir)
	if err != nil {
		return err
	}
	if err := tree.Validate(); err != nil {
		return err
	}
	if _, err := engine.LoadRegistry(tree); err != nil {
		return err
	}

	_, head, err := store.CurrentAndPrevious(ctx)
	if err != nil && err != stores.ErrNoRevision {
		return err
	}
	if head != nil && head.Root().Equal(tree.Root()) {
		log.Debug().Msg("model unchanged, skipping commit")
		return nil
	}

	id, err := store.CommitRevision(ctx, tree, files)
	if err != nil {
		return err
	}
	log.Info().Str("revision", id).Msg("model committed")

	state.shutdown()
	transport := ssh.NewTransport(cfg.SSH, cfg.ModelDir, log)
	eng, err := engine.New(ctx, store, transport, log)
	if err != nil {
		_ = transport.Close()
		return err
	}
	if cfg.Engine.HostConcurrency > 0 {
		eng.Executor().HostConcurrency = cfg.Engine.HostConcurrency
	}
	state.eng = eng
	state.transport = transport
	eng.StartPolls(ctx)

	report, err := eng.ProcessChangeSet(ctx)
	if err != nil {
		return err
	}
	if err := store.SaveRunReport(ctx, report); err != nil {
		log.Warn().Err(err).Msg("saving run report")
	}
	log.Info().
		Str("run", report.ID).
		Str("status", string(report.Status)).
		Int("procs", len(report.Procs)).
		Msg("change set processed")
	return nil
}

// addDirs registers dir and every non-hidden subdirectory with the watcher.
func addDirs(watcher *fsnotify.Watcher, dir string) error {
	return filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if strings.HasPrefix(info.Name(), ".") && p != dir {
			return filepath.SkipDir
		}
		return watcher.Add(p)
	})
}

// relevantEvent filters for YAML writes and ignores editor temp files.
func relevantEvent(ev fsnotify.Event) bool {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) &&
		!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return false
	}
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	if ev.Op.Has(fsnotify.Create) {
		// Directories pass so they can be added to the watch set.
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			return true
		}
	}
	ext := filepath.Ext(ev.Name)
	return ext == ".yaml" || ext == ".yml"
}
