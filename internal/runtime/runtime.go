package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/logging"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/renderer"
	"github.com/loqalabs/loqa-narrator/internal/telemetry"
	"github.com/loqalabs/loqa-narrator/internal/timeline"
)

const shutdownTimeout = 10 * time.Second

// Runtime hosts the renderer daemon: the websocket control endpoint, health
// and metrics routes, and optionally an embedded NATS bus with a renderer
// responder on it.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer *http.Server
	listener   net.Listener
	telemetry  *telemetry.Providers
	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	renderer   *renderer.Service

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "runtime")),
	}
}

// Start runs until ctx is cancelled, then shuts everything down in reverse
// order.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.init(ctx); err != nil {
		r.teardown(context.Background())
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(r.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", logging.Error(err))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.listener.Addr().String()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	r.teardown(shutdownCtx)
	return nil
}

func (r *Runtime) init(ctx context.Context) error {
	providers, err := telemetry.Setup(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = providers

	table, err := r.loadTable()
	if err != nil {
		return err
	}
	player, err := renderer.NewPlayer(r.cfg.Renderer, table)
	if err != nil {
		return err
	}
	r.renderer = renderer.NewService(ctx, player, r.logger)

	if r.nats, err = natsserver.Start(r.cfg.Bus, r.logger); err != nil {
		return err
	}
	if r.nats != nil {
		busCfg := r.cfg.Bus
		busCfg.Servers = []string{r.nats.ClientURL()}
		if r.bus, err = bus.Connect(ctx, busCfg, r.logger); err != nil {
			return err
		}
		if err := r.renderer.ServeNATS(r.bus); err != nil {
			return fmt.Errorf("subscribe renderer: %w", err)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	if r.listener, err = net.Listen("tcp", addr); err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.httpServer = &http.Server{
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// loadTable gives the mock renderer real sprite lengths when a timing table
// is available.
func (r *Runtime) loadTable() (*timeline.Table, error) {
	path := r.cfg.Timeline.TimingFile
	if path == "" {
		return nil, nil
	}
	table, err := timeline.LoadTable(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("timing table %s: %w", path, err)
	}
	return table, nil
}

func (r *Runtime) routes() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(requestLogger(r.logger))
	mux.Get("/healthz", r.handleHealth)
	mux.Get("/readyz", r.handleReady)
	if r.telemetry != nil && r.telemetry.Metrics != nil {
		mux.Method(http.MethodGet, "/metrics", r.telemetry.Metrics)
	}
	mux.Get("/ws", r.renderer.HandleWebsocket)
	return mux
}

func (r *Runtime) teardown(ctx context.Context) {
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(ctx); err != nil {
			r.logger.Error("http shutdown error", logging.Error(err))
		}
	} else if r.listener != nil {
		_ = r.listener.Close()
	}
	r.wg.Wait()

	if r.renderer != nil {
		r.renderer.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.telemetry != nil {
		if err := r.telemetry.Shutdown(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", logging.Error(err))
		}
	}
}

// Addr is the bound HTTP address once the runtime is ready.
func (r *Runtime) Addr() string {
	if !r.ready.Load() {
		return ""
	}
	return r.listener.Addr().String()
}

// Ready reports whether the HTTP server is accepting requests.
func (r *Runtime) Ready() bool {
	return r.ready.Load()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.renderer.Healthy() && (r.nats == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// requestLogger logs each request once it completes. The wrapped writer keeps
// http.Hijacker so websocket upgrades pass through.
func requestLogger(log *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("duration_ms", int(time.Since(start).Milliseconds())),
				slog.Int("size", ww.BytesWritten()),
			)
		})
	}
}
