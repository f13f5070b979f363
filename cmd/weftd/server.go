package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/clue/log"

	streampulse "github.com/weftlab/weft/features/stream/pulse"
	clientspulse "github.com/weftlab/weft/features/stream/pulse/clients/pulse"
	httptransport "github.com/weftlab/weft/features/transport/http"
	wstransport "github.com/weftlab/weft/features/transport/websocket"
	"github.com/weftlab/weft/runtime/workflow/bus"
	"github.com/weftlab/weft/runtime/workflow/scaffold"
	"github.com/weftlab/weft/runtime/workflow/telemetry"
)

// shutdownTimeout bounds the drain of in-flight sessions and connections.
const shutdownTimeout = 30 * time.Second

// serve wires the configured backend, provider and transports into one HTTP
// server and runs it until a signal arrives. Shutdown drains in-flight
// sessions before releasing the stores.
func serve(cfg *config) error {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := telemetry.NewClueLogger()

	bk, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}

	prov, err := buildProvider(ctx, cfg, bk.recordings)
	if err != nil {
		_ = bk.release(ctx)
		return err
	}

	b := bus.New(nil)
	s, err := scaffold.New(scaffold.Options{
		Mode:       cfg.Mode,
		Events:     bk.events,
		Snapshots:  bk.snapshots,
		Recordings: bk.recordings,
		Bus:        b,
		Logger:     logger,
		Metrics:    telemetry.NewClueMetrics(),
		Tracer:     telemetry.NewClueTracer(),
	})
	if err != nil {
		_ = bk.release(ctx)
		return err
	}
	if err := registerWorkflows(s, prov); err != nil {
		_ = s.Close(ctx)
		_ = bk.release(ctx)
		return err
	}

	fwd, err := startForwarder(ctx, cfg, b, logger)
	if err != nil {
		_ = s.Close(ctx)
		_ = bk.release(ctx)
		return err
	}

	router, err := newRouter(cfg, s, logger, append(bk.pingers, fwd.pingers()...))
	if err != nil {
		cancel()
		_ = s.Close(context.Background())
		fwd.stop(context.Background())
		_ = bk.release(context.Background())
		return err
	}

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: router,
		// No write timeout: the SSE and WebSocket endpoints hold their
		// connections open for the life of a session.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info(ctx, "listening",
			"addr", cfg.Listen,
			"mode", string(cfg.Mode),
			"backend", cfg.Store.Backend,
			"provider", cfg.Provider.Name,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		logger.Info(ctx, "shutting down", "signal", sig.String())
	case serveErr = <-errc:
		logger.Error(ctx, "server failed", "error", serveErr)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown", "error", err)
	}
	if err := s.Close(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "runtime close", "error", err)
	}
	cancel()
	fwd.stop(shutdownCtx)
	if err := bk.release(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "store release", "error", err)
	}
	logger.Info(shutdownCtx, "stopped")
	return serveErr
}

// newRouter mounts the HTTP and WebSocket transports plus the health
// endpoints on one Gin engine.
func newRouter(cfg *config, s *scaffold.Scaffold, logger telemetry.Logger, pingers []health.Pinger) (*gin.Engine, error) {
	httpSrv, err := httptransport.NewServer(httptransport.Options{
		Runtime:         s,
		DefaultWorkflow: cfg.DefaultWorkflow,
		Providers:       map[string]httptransport.ProviderProbe{cfg.Provider.Name: nil},
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	wsSrv, err := wstransport.NewServer(wstransport.Options{
		Runtime: s,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpSrv.Router()
	router.GET("/sessions/:id/ws", wsSrv.Handler())
	router.GET("/healthz", gin.WrapF(health.Handler(health.NewChecker(pingers...))))
	router.GET("/livez", gin.WrapF(health.Handler(health.NewChecker())))
	return router, nil
}

// forwarderHandle owns the Redis connection and the goroutine mirroring bus
// events onto Pulse streams. A nil handle means streaming is not configured;
// its methods no-op.
type forwarderHandle struct {
	fwd  *streampulse.Forwarder
	rdb  *redis.Client
	done chan struct{}
}

// startForwarder connects to Redis and mirrors every bus event onto Pulse
// session streams. Returns nil when no Redis address is configured.
func startForwarder(ctx context.Context, cfg *config, b *bus.Bus, logger telemetry.Logger) (*forwarderHandle, error) {
	if cfg.Stream.RedisAddr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Stream.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	client, err := clientspulse.New(clientspulse.Options{Redis: rdb})
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	fwd, err := streampulse.NewForwarder(streampulse.ForwarderOptions{
		Client: client,
		Bus:    b,
		Logger: logger,
	})
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	h := &forwarderHandle{fwd: fwd, rdb: rdb, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		if err := fwd.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error(ctx, "stream forwarder stopped", "error", err)
		}
	}()
	return h, nil
}

func (h *forwarderHandle) pingers() []health.Pinger {
	if h == nil {
		return nil
	}
	return []health.Pinger{pinger{name: "stream-redis", ping: func(ctx context.Context) error {
		return h.rdb.Ping(ctx).Err()
	}}}
}

// stop waits for the forwarder goroutine, then returns the Redis connection.
// The caller cancels the forwarder context or closes the bus first.
func (h *forwarderHandle) stop(ctx context.Context) {
	if h == nil {
		return
	}
	<-h.done
	_ = h.fwd.Close(ctx)
	_ = h.rdb.Close()
}
