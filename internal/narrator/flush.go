package narrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/logging"
	"github.com/loqalabs/loqa-narrator/internal/markup"
	"github.com/loqalabs/loqa-narrator/internal/subtitle"
	"github.com/loqalabs/loqa-narrator/internal/timeline"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	lockFile       = ".narrator.lock"
	lockRetryDelay = 50 * time.Millisecond
)

// Flush regenerates the subtitle and markup artifacts from everything played
// so far. Subtitle timing comes from the sentence file when one is configured,
// otherwise from the played entries. Calling it again rewrites the same files.
func (p *Player) Flush(ctx context.Context) (err error) {
	ctx, span := p.tracer.Start(ctx, "narrator.flush")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	played := p.Entries()
	lines := make([]string, len(played))
	for i, e := range played {
		lines[i] = e.Text
	}
	doc, err := markup.Build(lines)
	if err != nil {
		return err
	}

	subs := played
	if path := p.cfg.Timeline.SentenceFile; path != "" {
		if subs, err = timeline.LoadSentences(path); err != nil {
			return fmt.Errorf("load sentence timing: %w", err)
		}
	}

	dir := p.cfg.Output.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock output dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock output dir: %s is busy", dir)
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil {
			p.log.Warn("release output lock failed", logging.Error(uerr))
		}
	}()

	srtPath := filepath.Join(dir, p.cfg.Output.SubtitleFile)
	if err := subtitle.Write(srtPath, subs); err != nil {
		return fmt.Errorf("write subtitles: %w", err)
	}
	markupPath := filepath.Join(dir, p.cfg.Output.MarkupFile)
	if err := markup.Write(markupPath, doc); err != nil {
		return fmt.Errorf("write markup: %w", err)
	}

	span.SetAttributes(attribute.Int("narrator.subtitle_blocks", len(subs)))
	p.journal(ctx, eventstore.Event{Type: eventstore.TypeFlushed, Payload: []byte(srtPath)})
	p.log.Info("narration flushed", slog.String("subtitles", srtPath), slog.String("markup", markupPath), slog.Int("blocks", len(subs)))
	return nil
}
