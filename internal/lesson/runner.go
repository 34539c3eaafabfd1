package lesson

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/automation"
)

// Narrator is the part of narrator.Player the runner needs.
type Narrator interface {
	PlayScript(ctx context.Context, text string) (string, error)
	WaitForSprite(ctx context.Context, id string) error
	Flush(ctx context.Context) error
}

// Runner plays a lesson: each step starts its line, performs its actions
// while the line is spoken, then waits for the line to end before the next
// step starts.
type Runner struct {
	narrator Narrator
	driver   automation.Driver
	log      *slog.Logger
}

func NewRunner(n Narrator, d automation.Driver, log *slog.Logger) *Runner {
	return &Runner{
		narrator: n,
		driver:   d,
		log:      log.With(slog.String("component", "lesson")),
	}
}

// Run plays every step and flushes the subtitle and markup files once the
// last line ended.
func (r *Runner) Run(ctx context.Context, l *Lesson) error {
	start := time.Now()
	r.log.Info("lesson starting", slog.String("title", l.Title), slog.Int("steps", len(l.Steps)))

	for i, a := range l.Setup {
		if err := r.perform(ctx, a); err != nil {
			return fmt.Errorf("setup action %d (%s): %w", i, a.Kind(), err)
		}
	}

	for i, step := range l.Steps {
		id, err := r.narrator.PlayScript(ctx, step.Say)
		if err != nil {
			return fmt.Errorf("step %d: play: %w", i, err)
		}
		for j, a := range step.Actions {
			if err := r.perform(ctx, a); err != nil {
				return fmt.Errorf("step %d action %d (%s): %w", i, j, a.Kind(), err)
			}
		}
		if err := r.narrator.WaitForSprite(ctx, id); err != nil {
			return fmt.Errorf("step %d: wait for sprite %s: %w", i, id, err)
		}
		r.log.Debug("step finished", slog.Int("step", i), slog.String("sprite_id", id))
	}

	if err := r.narrator.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	r.log.Info("lesson finished", slog.String("title", l.Title), slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (r *Runner) perform(ctx context.Context, a Action) error {
	switch {
	case a.Dispatch != "":
		n := max(a.Repeat, 1)
		for range n {
			if err := r.driver.DispatchAction(ctx, a.Dispatch); err != nil {
				return err
			}
		}
		return nil
	case a.Type != "":
		return r.driver.TypeText(ctx, a.Type)
	case a.InsertLine:
		return r.driver.InsertLine(ctx)
	case a.Focus != nil:
		return r.driver.WaitForEditorFocus(ctx, a.Focus.File, a.Focus.Line)
	case a.Command != "":
		return r.driver.RunCommand(ctx, a.Command)
	case a.Open != "":
		return r.driver.OpenFile(ctx, a.Open)
	}
	return errors.New("action has no kind")
}
