package narrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-narrator/internal/channel"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/logging"
	"github.com/loqalabs/loqa-narrator/internal/markup"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/sprite"
	"github.com/loqalabs/loqa-narrator/internal/timeline"
	"github.com/stretchr/testify/require"
)

// fakeRenderer ends every sprite immediately except the held ones.
type fakeRenderer struct {
	upgrader websocket.Upgrader
	hold     map[string]bool
	plays    chan string

	mu    sync.Mutex
	conns []*websocket.Conn
}

func (f *fakeRenderer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		id, err := protocol.DecodeSprite(msg)
		if err != nil {
			continue
		}
		select {
		case f.plays <- id:
		default:
		}
		if f.hold[id] {
			continue
		}
		frame, _ := protocol.Encode(protocol.NewSpriteEnd(id))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

func (f *fakeRenderer) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.UnderlyingConn().Close()
	}
}

func startRenderer(t *testing.T, hold ...string) (*fakeRenderer, string) {
	t.Helper()
	f := &fakeRenderer{hold: map[string]bool{}, plays: make(chan string, 32)}
	for _, id := range hold {
		f.hold[id] = true
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Output.Dir = filepath.Join(t.TempDir(), "out")
	cfg.Renderer.ConnectTimeout = 2000
	cfg.EventStore.RetentionMode = "ephemeral"
	return cfg
}

func writeTimingTable(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "timing.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestAuthoritativeFlush(t *testing.T) {
	_, endpoint := startRenderer(t)
	cfg := testConfig(t)
	cfg.Renderer.Endpoint = endpoint
	cfg.Timeline.TimingFile = writeTimingTable(t, `{"sprite": {"part0": [0, 1500], "part1": [1500, 4000]}}`)

	ctx := context.Background()
	p, err := Open(ctx, cfg, Options{Logger: logging.Discard(), ExpectedLines: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	require.Equal(t, timeline.Authoritative, p.Mode())

	for i, text := range []string{"Hello.", "World."} {
		id, err := p.PlayScript(ctx, text)
		require.NoError(t, err)
		require.Equal(t, []string{"0", "1"}[i], id)
		require.NoError(t, p.WaitForSprite(ctx, id))
		require.Equal(t, sprite.Ended, p.Status(id))
	}

	require.NoError(t, p.Flush(ctx))
	srtPath := filepath.Join(cfg.Output.Dir, cfg.Output.SubtitleFile)
	got, err := os.ReadFile(srtPath)
	require.NoError(t, err)
	want := "1\n00:00:00,000 --> 00:00:01,500\nHello.\n\n" +
		"2\n00:00:01,500 --> 00:00:04,000\nWorld.\n\n"
	require.Equal(t, want, string(got))

	// Regenerating yields identical bytes.
	require.NoError(t, p.Flush(ctx))
	again, err := os.ReadFile(srtPath)
	require.NoError(t, err)
	require.Equal(t, got, again)

	doc, err := os.ReadFile(filepath.Join(cfg.Output.Dir, cfg.Output.MarkupFile))
	require.NoError(t, err)
	require.Contains(t, string(doc), `"partId": "part1"`)
}

func TestEstimatedWaitLastsForDuration(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timeline.SpeechRate = 50

	ctx := context.Background()
	p, err := Open(ctx, cfg, Options{Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	require.Equal(t, timeline.Estimated, p.Mode())

	text := "The quick brown fox jumps over the lazy dog again."
	require.Len(t, text, 50)

	start := time.Now()
	id, err := p.PlayScript(ctx, text)
	require.NoError(t, err)
	require.Equal(t, "0", id)
	require.Equal(t, sprite.Playing, p.Status(id))

	require.NoError(t, p.WaitForSprite(ctx, id))
	require.GreaterOrEqual(t, time.Since(start), time.Second)
	require.Equal(t, sprite.Ended, p.Status(id))

	entries := p.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, int64(1000), entries[0].DurationMs())
}

func TestConnectionLossReleasesWaiter(t *testing.T) {
	r, endpoint := startRenderer(t, "3")
	cfg := testConfig(t)
	cfg.Renderer.Endpoint = endpoint

	table := timeline.NewTable([2]int64{0, 10}, [2]int64{10, 20}, [2]int64{20, 30}, [2]int64{30, 40},
		[2]int64{40, 50}, [2]int64{50, 60})
	ctx := context.Background()
	p, err := Open(ctx, cfg, Options{Logger: logging.Discard(), Source: timeline.NewAuthoritative(table)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	for i := 0; i < 3; i++ {
		id, err := p.PlayScript(ctx, "Line.")
		require.NoError(t, err)
		require.NoError(t, p.WaitForSprite(ctx, id))
	}
	id, err := p.PlayScript(ctx, "Held line.")
	require.NoError(t, err)
	require.Equal(t, "3", id)

	// Wait until the renderer has seen the request, then drop it.
	for seen := ""; seen != "3"; {
		select {
		case seen = <-r.plays:
		case <-time.After(2 * time.Second):
			t.Fatal("renderer never saw sprite 3")
		}
	}
	require.Equal(t, sprite.Playing, p.Status("3"))

	result := make(chan error, 1)
	go func() { result <- p.WaitForSprite(ctx, "3") }()
	r.drop()

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("wait hung after the connection closed")
	}

	// The table still has room, so the only reason to fail is the channel.
	_, err = p.PlayScript(ctx, "After close.")
	require.ErrorIs(t, err, channel.ErrChannelClosed)
	require.Len(t, p.Entries(), 4)
	require.Equal(t, sprite.Unknown, p.Status("4"))
}

func TestFailedSendCommitsNothing(t *testing.T) {
	r, endpoint := startRenderer(t)
	cfg := testConfig(t)
	cfg.Renderer.Endpoint = endpoint

	table := timeline.NewTable([2]int64{0, 10}, [2]int64{10, 20}, [2]int64{20, 30})
	ctx := context.Background()
	p, err := Open(ctx, cfg, Options{Logger: logging.Discard(), Source: timeline.NewAuthoritative(table)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	id, err := p.PlayScript(ctx, "First.")
	require.NoError(t, err)
	require.NoError(t, p.WaitForSprite(ctx, id))

	r.drop()
	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.ErrorIs(t, p.WaitForSprite(waitCtx, "1"), ErrConnectionClosed)

	for range 2 {
		_, err = p.PlayScript(ctx, "Second.")
		require.ErrorIs(t, err, channel.ErrChannelClosed)
	}
	require.Len(t, p.Entries(), 1)
	require.Equal(t, sprite.Unknown, p.Status("1"))
	require.NotContains(t, p.tracker.Snapshot(), "1")
}

func TestCloseReleasesEstimatedWaiters(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timeline.SpeechRate = 1

	ctx := context.Background()
	p, err := Open(ctx, cfg, Options{Logger: logging.Discard()})
	require.NoError(t, err)

	id, err := p.PlayScript(ctx, "A very long line that takes a while.")
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() { result <- p.WaitForSprite(ctx, id) }()
	require.NoError(t, p.Close(ctx))
	require.NoError(t, p.Close(ctx))

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("wait hung after close")
	}
	_, err = p.PlayScript(ctx, "Next.")
	require.ErrorIs(t, err, ErrClosed)
}

func TestMissingTimingEntryFailsFast(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timeline.TimingFile = writeTimingTable(t, `{"sprite": {"part0": [0, 1500]}}`)

	_, err := Open(context.Background(), cfg, Options{ExpectedLines: 2})
	require.ErrorIs(t, err, timeline.ErrMissingTimingEntry)
}

func TestPlayBeyondTableFails(t *testing.T) {
	_, endpoint := startRenderer(t)
	cfg := testConfig(t)
	cfg.Renderer.Endpoint = endpoint

	ctx := context.Background()
	p, err := Open(ctx, cfg, Options{Source: timeline.NewAuthoritative(timeline.NewTable([2]int64{0, 10}))})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	_, err = p.PlayScript(ctx, "One.")
	require.NoError(t, err)
	_, err = p.PlayScript(ctx, "Two.")
	require.ErrorIs(t, err, timeline.ErrMissingTimingEntry)
	require.Len(t, p.Entries(), 1)
}

func TestFlushRejectsUnterminatedLine(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timeline.SpeechRate = 1000

	ctx := context.Background()
	p, err := Open(ctx, cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	_, err = p.PlayScript(ctx, "Fine.")
	require.NoError(t, err)
	_, err = p.PlayScript(ctx, "no ending")
	require.NoError(t, err)

	err = p.Flush(ctx)
	require.ErrorIs(t, err, markup.ErrMissingTerminalPunctuation)
	require.Contains(t, err.Error(), "no ending")
	_, statErr := os.Stat(filepath.Join(cfg.Output.Dir, cfg.Output.SubtitleFile))
	require.True(t, os.IsNotExist(statErr))
}

func TestFlushUsesSentenceFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timeline.SpeechRate = 1000
	cfg.Timeline.SentenceFile = filepath.Join(t.TempDir(), "sentences.json")
	require.NoError(t, os.WriteFile(cfg.Timeline.SentenceFile, []byte(`{"sentences": [
		{"text": "Hello.", "begin_time": "100", "end_time": "900"}
	]}`), 0o644))

	ctx := context.Background()
	p, err := Open(ctx, cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	_, err = p.PlayScript(ctx, "Hello.")
	require.NoError(t, err)
	require.NoError(t, p.Flush(ctx))

	got, err := os.ReadFile(filepath.Join(cfg.Output.Dir, cfg.Output.SubtitleFile))
	require.NoError(t, err)
	require.Equal(t, "1\n00:00:00,100 --> 00:00:00,900\nHello.\n\n", string(got))
}

func TestJournal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timeline.SpeechRate = 1000
	cfg.EventStore = config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}

	ctx := context.Background()
	store, err := eventstore.Open(ctx, cfg.EventStore, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	p, err := Open(ctx, cfg, Options{Store: store})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	id, err := p.PlayScript(ctx, "Hi.")
	require.NoError(t, err)
	require.NoError(t, p.WaitForSprite(ctx, id))
	require.NoError(t, p.Flush(ctx))

	events, err := store.ListSessionEvents(ctx, p.SessionID(), 10)
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	require.Equal(t, []string{eventstore.TypePlaying, eventstore.TypeEnded, eventstore.TypeFlushed}, types)
	require.Contains(t, string(events[0].Payload), `"text":"Hi."`)
}
