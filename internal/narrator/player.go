// Package narrator plays scripted lines through a renderer and records when
// each one was spoken.
package narrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/channel"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/logging"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/sprite"
	"github.com/loqalabs/loqa-narrator/internal/timeline"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-narrator/internal/narrator"

// ErrConnectionClosed is returned by WaitForSprite when the renderer went away
// (or the player was closed) before the sprite ended.
var ErrConnectionClosed = sprite.ErrConnectionClosed

// ErrClosed is returned by PlayScript after Close.
var ErrClosed = errors.New("player closed")

// Options carries the collaborators of a Player. Zero values select defaults.
type Options struct {
	Logger *slog.Logger
	// Store journals sprite lifecycle events; nil disables journaling.
	Store *eventstore.Store
	// Source overrides timing discovery from config.
	Source timeline.Source
	// ExpectedLines, when positive, is checked against an authoritative
	// timing table before anything plays.
	ExpectedLines  int
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Player is the façade automation code drives: PlayScript, WaitForSprite,
// Flush.
//
// The timing mode is fixed when the player opens. With an authoritative
// timing table the player connects to the renderer and relies on spriteEnd
// frames; without one it estimates durations and ends sprites on local
// timers.
type Player struct {
	cfg       config.Config
	log       *slog.Logger
	store     *eventstore.Store
	source    timeline.Source
	tracker   *sprite.Tracker
	conn      *channel.Connection
	sessionID string
	tracer    trace.Tracer
	metrics   *playerMetrics

	// playMu serializes PlayScript so ids, MarkPlaying and sends stay in order.
	playMu sync.Mutex

	mu      sync.Mutex
	next    int
	entries []timeline.Entry
	timers  []*time.Timer
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

// Open prepares a session. In authoritative mode it fails fast on a table
// that does not cover ExpectedLines and on any connection failure.
func Open(ctx context.Context, cfg config.Config, opts Options) (*Player, error) {
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	mp := opts.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	source := opts.Source
	if source == nil {
		var err error
		if source, err = timeline.Discover(cfg.Timeline, log); err != nil {
			return nil, err
		}
	}
	if auth, ok := source.(*timeline.AuthoritativeSource); ok && opts.ExpectedLines > 0 {
		if err := auth.Table().Validate(opts.ExpectedLines); err != nil {
			return nil, fmt.Errorf("timing table does not cover the script: %w", err)
		}
	}

	metrics, err := newPlayerMetrics(mp.Meter(instrumentationName))
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	p := &Player{
		cfg:       cfg,
		store:     opts.Store,
		source:    source,
		sessionID: uuid.NewString(),
		tracer:    tp.Tracer(instrumentationName),
		metrics:   metrics,
	}
	p.log = log.With(slog.String("component", "narrator"), slog.String("session_id", p.sessionID))
	p.tracker = sprite.NewTracker(p.observe)

	endpoint := ""
	if source.Mode() == timeline.Authoritative {
		endpoint = cfg.Renderer.Endpoint
		conn, err := channel.Connect(ctx, endpoint, channel.Options{
			Timeout: time.Duration(cfg.Renderer.ConnectTimeout) * time.Millisecond,
			Handler: p.handle,
			Logger:  log,
			Bus:     cfg.Bus,

			OnStateChange: p.channelState,
		})
		if err != nil {
			return nil, err
		}
		p.conn = conn
		go p.watch(conn)
	}

	if err := p.store.AppendSession(ctx, eventstore.Session{ID: p.sessionID, Mode: source.Mode().String(), Endpoint: endpoint}); err != nil {
		p.log.Warn("journal session failed", logging.Error(err))
	}
	p.log.Info("narration session opened", slog.String("mode", source.Mode().String()))
	return p, nil
}

func (p *Player) handle(msg protocol.Message) {
	if err := p.tracker.Dispatch(msg); err != nil {
		p.log.Warn("ignoring renderer frame", slog.String("method", msg.Method), logging.Error(err))
	}
}

func (p *Player) channelState(s channel.State) {
	p.log.Debug("control channel state", slog.String("state", s.String()))
}

// watch fails every outstanding wait once the control channel closes.
func (p *Player) watch(conn *channel.Connection) {
	<-conn.Done()
	if err := conn.Err(); err != nil {
		p.log.Warn("renderer connection lost", slog.String("endpoint", conn.Endpoint()), logging.Error(err))
	}
	p.tracker.Abort()
}

// observe journals ends; plays are journaled by PlayScript with their timing.
func (p *Player) observe(tr sprite.Transition) {
	if tr.To != sprite.Ended {
		return
	}
	p.metrics.ended.Add(context.Background(), 1)
	p.journal(context.Background(), eventstore.Event{SpriteID: tr.SpriteID, Type: eventstore.TypeEnded})
}

func (p *Player) journal(ctx context.Context, evt eventstore.Event) {
	evt.SessionID = p.sessionID
	if err := p.store.AppendEvent(ctx, evt); err != nil {
		p.log.Warn("journal event failed", slog.String("event_type", evt.Type), logging.Error(err))
	}
}

// Mode reports the timing strategy chosen at Open.
func (p *Player) Mode() timeline.Mode {
	return p.source.Mode()
}

func (p *Player) SessionID() string {
	return p.sessionID
}

// PlayScript starts the next line and returns its sprite id without waiting
// for it to finish.
func (p *Player) PlayScript(ctx context.Context, text string) (string, error) {
	p.playMu.Lock()
	defer p.playMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrClosed
	}
	index := p.next
	p.mu.Unlock()

	id := strconv.Itoa(index)
	ctx, span := p.tracer.Start(ctx, "narrator.play_script",
		trace.WithAttributes(attribute.String("sprite.id", id), attribute.String("narrator.mode", p.Mode().String())))
	defer span.End()

	entry, err := p.source.Resolve(index, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	// Nothing is committed until the request is on the wire, so a failed send
	// leaves the index free and the sprite Unknown.
	if p.conn != nil {
		if err := p.conn.Send(ctx, protocol.NewPlaySprite(id)); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", err
		}
	}

	p.mu.Lock()
	p.next++
	p.entries = append(p.entries, entry)
	p.mu.Unlock()

	p.tracker.MarkPlaying(id)
	p.metrics.played.Add(ctx, 1)
	p.journal(ctx, eventstore.Event{SpriteID: id, Type: eventstore.TypePlaying, Payload: entryPayload(entry)})
	p.log.Debug("sprite playing", slog.String("sprite_id", id), slog.Int64("begin_ms", entry.BeginMs), slog.Int64("end_ms", entry.EndMs))

	if p.conn == nil {
		p.schedule(id, time.Duration(entry.DurationMs())*time.Millisecond)
	}
	return id, nil
}

// schedule ends id locally after d. The estimate is approximate; it only keeps
// dependent actions from running ahead of a plausible utterance.
func (p *Player) schedule(id string, d time.Duration) {
	timer := time.AfterFunc(d, func() { p.tracker.MarkEnded(id) })
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		timer.Stop()
		return
	}
	p.timers = append(p.timers, timer)
}

// WaitForSprite blocks until the sprite ends. It fails with
// ErrConnectionClosed if the renderer disconnected first.
func (p *Player) WaitForSprite(ctx context.Context, id string) error {
	ctx, span := p.tracer.Start(ctx, "narrator.wait_for_sprite", trace.WithAttributes(attribute.String("sprite.id", id)))
	defer span.End()

	start := time.Now()
	err := p.tracker.AwaitEnded(ctx, id)
	p.metrics.waitMs.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	if err == nil {
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, sprite.ErrConnectionClosed) {
		p.metrics.aborted.Add(ctx, 1)
		p.journal(ctx, eventstore.Event{SpriteID: id, Type: eventstore.TypeAborted})
		if p.conn != nil && p.conn.Err() != nil {
			return fmt.Errorf("wait for sprite %s: %w: %v", id, err, p.conn.Err())
		}
	}
	return fmt.Errorf("wait for sprite %s: %w", id, err)
}

// Status never blocks.
func (p *Player) Status(id string) sprite.Status {
	return p.tracker.Status(id)
}

// Entries returns the timing of every played line in index order.
func (p *Player) Entries() []timeline.Entry {
	p.mu.Lock()
	out := make([]timeline.Entry, len(p.entries))
	copy(out, p.entries)
	p.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Close stops pending timers, releases every waiter and closes the renderer
// connection. It is safe to call more than once.
func (p *Player) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		timers := p.timers
		p.timers = nil
		p.mu.Unlock()

		for _, t := range timers {
			t.Stop()
		}
		p.tracker.Abort()
		if p.conn != nil {
			p.closeErr = p.conn.Close(ctx)
		}
		p.log.Info("narration session closed")
	})
	return p.closeErr
}

type playerMetrics struct {
	played  metric.Int64Counter
	ended   metric.Int64Counter
	aborted metric.Int64Counter
	waitMs  metric.Float64Histogram
}

func newPlayerMetrics(m metric.Meter) (*playerMetrics, error) {
	played, err := m.Int64Counter("narrator.sprites.played", metric.WithDescription("Play requests issued"))
	if err != nil {
		return nil, err
	}
	ended, err := m.Int64Counter("narrator.sprites.ended", metric.WithDescription("Sprites observed ending"))
	if err != nil {
		return nil, err
	}
	aborted, err := m.Int64Counter("narrator.sprites.aborted", metric.WithDescription("Waits released by a closed connection"))
	if err != nil {
		return nil, err
	}
	waitMs, err := m.Float64Histogram("narrator.sprite.wait_ms", metric.WithUnit("ms"), metric.WithDescription("Time spent in WaitForSprite"))
	if err != nil {
		return nil, err
	}
	return &playerMetrics{played: played, ended: ended, aborted: aborted, waitMs: waitMs}, nil
}

// entryPayload is journaled with playing events.
func entryPayload(e timeline.Entry) []byte {
	data, _ := json.Marshal(e)
	return data
}
