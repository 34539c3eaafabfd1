// Package renderer is the far side of the control channel: it receives play
// requests, plays the sprite, and reports when it ended.
package renderer

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/timeline"
)

// SpritePlayer plays one sprite and returns once it finished.
type SpritePlayer interface {
	Play(ctx context.Context, spriteID string) error
}

// NewPlayer builds the player selected by cfg.Mode. table may be nil.
func NewPlayer(cfg config.RendererConfig, table *timeline.Table) (SpritePlayer, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockPlayer(table, time.Duration(cfg.DefaultSpriteMS)*time.Millisecond), nil
	case "exec":
		return NewExecPlayer(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported renderer mode %q", cfg.Mode)
	}
}
