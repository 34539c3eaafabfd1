package cli

import (
	"encoding/json"
	"fmt"

	"github.com/loqalabs/loqa-narrator/internal/lesson"
	"github.com/loqalabs/loqa-narrator/internal/markup"
	"github.com/loqalabs/loqa-narrator/internal/subtitle"
	"github.com/loqalabs/loqa-narrator/internal/timeline"
	"github.com/spf13/cobra"
)

func newMarkupCommand(ctx *commandContext) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "markup <lesson.yaml>",
		Short: "Emit the speech markup for a lesson without playing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := lesson.Load(args[0])
			if err != nil {
				return err
			}
			doc, err := markup.Build(l.Lines())
			if err != nil {
				return err
			}
			if outPath == "" || outPath == "-" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(doc)
			}
			if err := markup.Write(outPath, doc); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d parts to %s\n", len(doc.Parts), outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "-", "Output file, - for stdout")
	return cmd
}

func newSRTCommand(ctx *commandContext) *cobra.Command {
	var (
		outPath string
		vtt     bool
	)
	cmd := &cobra.Command{
		Use:   "srt <sentences.json>",
		Short: "Convert a sentence timing file to subtitles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := timeline.LoadSentences(args[0])
			if err != nil {
				return err
			}
			if outPath == "" || outPath == "-" {
				text := subtitle.Emit(entries)
				if vtt {
					text = subtitle.EmitVTT(entries)
				}
				_, err := fmt.Fprint(cmd.OutOrStdout(), text)
				return err
			}
			if err := subtitle.Write(outPath, entries); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d cues to %s\n", len(entries), outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "-", "Output file (.srt or .vtt), - for stdout")
	cmd.Flags().BoolVar(&vtt, "vtt", false, "Write WebVTT to stdout instead of SRT")
	return cmd
}
