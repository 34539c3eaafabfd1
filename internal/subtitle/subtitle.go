// Package subtitle renders timeline entries as SubRip (and WebVTT) text.
package subtitle

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/timeline"
)

type Format string

const (
	FormatSRT Format = "srt"
	FormatVTT Format = "vtt"
)

// FormatFromPath picks the format from the file extension, defaulting to SRT.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".vtt") {
		return FormatVTT
	}
	return FormatSRT
}

// FormatTimestamp renders an absolute millisecond offset as HH:MM:SS,mmm.
func FormatTimestamp(ms int64) string {
	return formatClock(ms, ',')
}

func formatClock(ms int64, sep byte) string {
	if ms < 0 {
		ms = 0
	}
	h := ms / 3600000
	m := (ms % 3600000) / 60000
	s := (ms % 60000) / 1000
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms%1000)
}

// ordered returns a copy of entries sorted by line index. Equal indexes keep
// their input order.
func ordered(entries []timeline.Entry) []timeline.Entry {
	out := make([]timeline.Entry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Emit renders entries as SubRip blocks numbered from 1. It depends only on
// its input, so repeated calls return identical text.
func Emit(entries []timeline.Entry) string {
	var sb strings.Builder
	for i, e := range ordered(entries) {
		fmt.Fprintf(&sb, "%d\n", i+1)
		fmt.Fprintf(&sb, "%s --> %s\n", FormatTimestamp(e.BeginMs), FormatTimestamp(e.EndMs))
		sb.WriteString(e.Text)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// EmitVTT renders entries as a WebVTT document.
func EmitVTT(entries []timeline.Entry) string {
	var sb strings.Builder
	sb.WriteString("WEBVTT\n\n")
	for i, e := range ordered(entries) {
		fmt.Fprintf(&sb, "%d\n", i+1)
		fmt.Fprintf(&sb, "%s --> %s\n", formatClock(e.BeginMs, '.'), formatClock(e.EndMs, '.'))
		sb.WriteString(e.Text)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// Write renders entries in the format implied by path and replaces the file
// atomically.
func Write(path string, entries []timeline.Entry) error {
	var body string
	switch FormatFromPath(path) {
	case FormatVTT:
		body = EmitVTT(entries)
	default:
		body = Emit(entries)
	}
	return WriteFileAtomic(path, []byte(body))
}

// WriteFileAtomic writes data next to path and renames it into place.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
