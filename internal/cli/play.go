package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/automation"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/lesson"
	"github.com/loqalabs/loqa-narrator/internal/logging"
	"github.com/loqalabs/loqa-narrator/internal/narrator"
	"github.com/loqalabs/loqa-narrator/internal/telemetry"
	"github.com/spf13/cobra"
)

func newPlayCommand(ctx *commandContext) *cobra.Command {
	var (
		timingFile string
		outDir     string
		keyDelay   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "play <lesson.yaml>",
		Short: "Play a lesson and write its subtitles and markup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if timingFile != "" {
				cfg.Timeline.TimingFile = timingFile
			}
			if outDir != "" {
				cfg.Output.Dir = outDir
			}
			log := ctx.logger(cmd)

			l, err := lesson.Load(args[0])
			if err != nil {
				return err
			}

			providers, err := telemetry.Setup(cmd.Context(), cfg, log)
			if err != nil {
				return fmt.Errorf("setup telemetry: %w", err)
			}
			defer func() {
				if serr := providers.Shutdown(cmd.Context()); serr != nil {
					log.Warn("telemetry shutdown failed", logging.Error(serr))
				}
			}()

			store, err := eventstore.Open(cmd.Context(), cfg.EventStore, log)
			if err != nil {
				return fmt.Errorf("open event store: %w", err)
			}
			defer store.Close()

			player, err := narrator.Open(cmd.Context(), cfg, narrator.Options{
				Logger:         log,
				Store:          store,
				ExpectedLines:  len(l.Steps),
				TracerProvider: providers.Tracer,
				MeterProvider:  providers.Meter,
			})
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, player.Close(cmd.Context()))
			}()

			driver := automation.NewLogDriver(log, keyDelay)
			if err := lesson.NewRunner(player, driver, log).Run(cmd.Context(), l); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session: %s (%s)\n", player.SessionID(), player.Mode())
			fmt.Fprintf(out, "Lines:   %d\n", len(player.Entries()))
			fmt.Fprintf(out, "Wrote:   %s\n", filepath.Join(cfg.Output.Dir, cfg.Output.SubtitleFile))
			fmt.Fprintf(out, "Wrote:   %s\n", filepath.Join(cfg.Output.Dir, cfg.Output.MarkupFile))
			return nil
		},
	}
	cmd.Flags().StringVar(&timingFile, "timing", "", "Timing table from a previous render (overrides timeline.timing_file)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Output directory (overrides output.dir)")
	cmd.Flags().DurationVar(&keyDelay, "key-delay", 0, "Simulated delay per keystroke")
	return cmd
}
