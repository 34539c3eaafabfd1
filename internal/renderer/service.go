package renderer

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/logging"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service answers playSprite requests over websockets and NATS. Sprites play
// concurrently; each completion is reported with a spriteEnd frame, also when
// playback failed, so that a narrator never waits on a sprite that will not
// end.
type Service struct {
	player   SpritePlayer
	upgrader websocket.Upgrader
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	sub     *nats.Subscription
	clients atomic.Int64
}

func NewService(parent context.Context, player SpritePlayer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		player: player,
		// The renderer is a local tool; any origin may drive it.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   log.With(slog.String("component", "renderer")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Clients is the number of open websocket sessions.
func (s *Service) Clients() int64 {
	return s.clients.Load()
}

// HandleWebsocket serves one control channel until the peer disconnects.
func (s *Service) HandleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	s.clients.Add(1)
	defer s.clients.Add(-1)

	ctx, cancel := context.WithCancel(s.ctx)
	var writeMu sync.Mutex
	write := func(frame []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			s.logger.Debug("write spriteEnd failed", logging.Error(err))
		}
	}

	// Unblock ReadMessage when the service shuts down.
	stop := context.AfterFunc(s.ctx, func() {
		writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		writeMu.Unlock()
		_ = conn.Close()
	})

	var inflight sync.WaitGroup
	defer func() {
		stop()
		cancel()
		inflight.Wait()
		_ = conn.Close()
	}()

	log := s.logger.With(slog.String("remote", r.RemoteAddr))
	log.Info("narrator connected")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("narrator connection lost", logging.Error(err))
			} else {
				log.Info("narrator disconnected")
			}
			return
		}
		id, ok := s.decodePlay(data)
		if !ok {
			continue
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			if frame, ok := s.play(ctx, id); ok {
				write(frame)
			}
		}()
	}
}

// ServeNATS answers play requests published on protocol.SubjectSpritePlay.
// The end goes to the request's reply inbox, or to protocol.SubjectSpriteEnd
// when the request has none.
func (s *Service) ServeNATS(client *bus.Client) error {
	sub, err := client.Conn().Subscribe(protocol.SubjectSpritePlay, func(msg *nats.Msg) {
		id, ok := s.decodePlay(msg.Data)
		if !ok {
			return
		}
		target := msg.Reply
		if target == "" {
			target = protocol.SubjectSpriteEnd
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			frame, ok := s.play(s.ctx, id)
			if !ok {
				return
			}
			if err := client.Conn().Publish(target, frame); err != nil {
				s.logger.Warn("publish spriteEnd failed", logging.Error(err))
			}
		}()
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	s.logger.Info("renderer listening on NATS", slog.String("subject", protocol.SubjectSpritePlay))
	return nil
}

func (s *Service) decodePlay(data []byte) (string, bool) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("failed to decode control frame", logging.Error(err))
		return "", false
	}
	if msg.Method != protocol.MethodPlaySprite {
		s.logger.Debug("ignoring control frame", slog.String("method", msg.Method))
		return "", false
	}
	id, err := protocol.DecodeSprite(msg)
	if err != nil {
		s.logger.Warn("failed to decode playSprite", logging.Error(err))
		return "", false
	}
	return id, true
}

// play runs the sprite and returns the spriteEnd frame, or false when the
// session was cancelled first.
func (s *Service) play(ctx context.Context, id string) ([]byte, bool) {
	err := s.player.Play(ctx, id)
	if ctx.Err() != nil {
		return nil, false
	}
	if err != nil {
		s.logger.Warn("sprite playback failed", slog.String("sprite_id", id), logging.Error(err))
	}
	frame, err := protocol.Encode(protocol.NewSpriteEnd(id))
	if err != nil {
		s.logger.Warn("failed to encode spriteEnd", logging.Error(err))
		return nil, false
	}
	return frame, true
}

func (s *Service) Healthy() bool {
	return s.ctx.Err() == nil
}

// Close stops accepting requests and waits for in-flight NATS plays.
func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Drain()
	}
	s.wg.Wait()
}
