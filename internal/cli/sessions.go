package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/spf13/cobra"
)

const stampLayout = "2006-01-02 15:04:05"

func newSessionsCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions [session-id]",
		Short: "List journaled narration sessions, or the events of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.EventStore.RetentionMode == "ephemeral" {
				return errors.New("event store is ephemeral; nothing is journaled")
			}
			store, err := eventstore.Open(cmd.Context(), cfg.EventStore, ctx.logger(cmd))
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				events, err := store.ListSessionEvents(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				printEvents(out, events)
				return nil
			}
			sessions, err := store.ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printSessions(out, sessions)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum rows to show")
	return cmd
}

func printSessions(out io.Writer, sessions []eventstore.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "Sessions: none")
		return
	}
	for _, s := range sessions {
		endpoint := s.Endpoint
		if endpoint == "" {
			endpoint = "-"
		}
		fmt.Fprintf(out, "%s  %s  %-13s %s\n", s.CreatedAt.Local().Format(stampLayout), s.ID, s.Mode, endpoint)
	}
}

func printEvents(out io.Writer, events []eventstore.Event) {
	if len(events) == 0 {
		fmt.Fprintln(out, "Events: none")
		return
	}
	for _, e := range events {
		sprite := e.SpriteID
		if sprite == "" {
			sprite = "-"
		}
		fmt.Fprintf(out, "%s  %-16s %s\n", e.CreatedAt.Local().Format(stampLayout), e.Type, sprite)
	}
}
