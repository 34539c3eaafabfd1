package automation

import (
	"context"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/logging"
	"github.com/stretchr/testify/require"
)

func TestLogDriverRecords(t *testing.T) {
	d := NewLogDriver(logging.Discard(), 0)
	ctx := context.Background()

	require.NoError(t, d.OpenFile(ctx, "draft/for.js"))
	require.NoError(t, d.WaitForEditorFocus(ctx, "for.js", 13))
	require.NoError(t, d.TypeText(ctx, "for (let p in o)"))
	require.NoError(t, d.InsertLine(ctx))
	require.NoError(t, d.DispatchAction(ctx, "Tab"))
	require.NoError(t, d.RunCommand(ctx, "quokka.start"))

	var got []string
	for _, c := range d.Calls() {
		got = append(got, c.String())
	}
	require.Equal(t, []string{
		"open(draft/for.js)",
		"focus(for.js:13)",
		"type(for (let p in o))",
		"insert_line()",
		"dispatch(Tab)",
		"command(quokka.start)",
	}, got)
}

func TestLogDriverRejectsBadInput(t *testing.T) {
	d := NewLogDriver(logging.Discard(), 0)
	require.Error(t, d.DispatchAction(context.Background(), " "))
	require.Error(t, d.WaitForEditorFocus(context.Background(), "a.js", 0))
	require.Empty(t, d.Calls())
}

func TestLogDriverKeyDelay(t *testing.T) {
	d := NewLogDriver(logging.Discard(), 5*time.Millisecond)
	start := time.Now()
	require.NoError(t, d.TypeText(context.Background(), "abcd"))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, d.TypeText(ctx, "slow"), context.Canceled)
	require.Len(t, d.Calls(), 1)
}
