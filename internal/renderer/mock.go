package renderer

import (
	"context"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/timeline"
)

// MockPlayer pretends to play by sleeping for the sprite's length: the span
// from the timing table when it has one, fallback otherwise.
type MockPlayer struct {
	table    *timeline.Table
	fallback time.Duration
}

func NewMockPlayer(table *timeline.Table, fallback time.Duration) *MockPlayer {
	return &MockPlayer{table: table, fallback: fallback}
}

func (m *MockPlayer) length(spriteID string) time.Duration {
	if m.table == nil {
		return m.fallback
	}
	index, err := strconv.Atoi(spriteID)
	if err != nil {
		return m.fallback
	}
	begin, end, err := m.table.Lookup(index)
	if err != nil {
		return m.fallback
	}
	return time.Duration(end-begin) * time.Millisecond
}

func (m *MockPlayer) Play(ctx context.Context, spriteID string) error {
	d := m.length(spriteID)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
