// Package timeline resolves begin/end offsets for scripted lines, either from
// a precomputed timing table or from a speech-rate estimate.
package timeline

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

// Mode is chosen once per session.
type Mode int

const (
	Estimated Mode = iota
	Authoritative
)

func (m Mode) String() string {
	if m == Authoritative {
		return "authoritative"
	}
	return "estimated"
}

// Entry is the resolved timing of one line. Offsets are milliseconds from
// session start and BeginMs <= EndMs.
type Entry struct {
	Index   int    `json:"index"`
	Text    string `json:"text"`
	BeginMs int64  `json:"beginMs"`
	EndMs   int64  `json:"endMs"`
}

// DurationMs is EndMs - BeginMs.
func (e Entry) DurationMs() int64 {
	return e.EndMs - e.BeginMs
}

// Source resolves the timing of line index as it is about to play.
type Source interface {
	Mode() Mode
	Resolve(index int, text string) (Entry, error)
}

// Discover picks the session's strategy: authoritative when a timing table is
// configured and present, estimated otherwise. A table that exists but cannot
// be parsed is an error rather than a silent fallback.
func Discover(cfg config.TimelineConfig, log *slog.Logger) (Source, error) {
	if cfg.TimingFile != "" {
		table, err := LoadTable(cfg.TimingFile)
		switch {
		case err == nil:
			log.Info("timing table loaded", slog.String("path", cfg.TimingFile), slog.Int("entries", table.Len()))
			return NewAuthoritative(table), nil
		case errors.Is(err, os.ErrNotExist):
			log.Info("timing table not found, estimating durations", slog.String("path", cfg.TimingFile))
		default:
			return nil, fmt.Errorf("timing table %s: %w", cfg.TimingFile, err)
		}
	}
	return NewEstimator(cfg.SpeechRate), nil
}
