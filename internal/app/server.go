package app

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	intrnl "realtime/internal"
	"realtime/internal/logging"
	"realtime/internal/statsbus"
	"realtime/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr      string
	server    *http.Server
	hub       *intrnl.Hub
	store     *storage.Store
	publisher *statsbus.RedisPublisher
	log       *zap.Logger
	done      chan struct{}
	err       error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

func (h *ServerHandle) Hub() *intrnl.Hub {
	return h.hub
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits and its state has been flushed.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// OpenStore opens and migrates the SQLite store at path.
func OpenStore(ctx context.Context, path string) (*storage.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "create db dir")
	}
	store, err := storage.NewStore(path)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return store, nil
}

// RunServer opens the store, wires the hub and HTTP routes, and starts
// serving in the background. Call Stop/Wait to manage its lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig, log *zap.Logger) (*ServerHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.New(cfg.Log.Level, cfg.Log.Development)
	}
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := OpenStore(context.Background(), cfg.DBPath)
	if err != nil {
		return nil, err
	}

	opts := []intrnl.HubOption{intrnl.WithLogger(log.Named("hub"))}
	var publisher *statsbus.RedisPublisher
	if cfg.Redis.Addr != "" {
		publisher, err = statsbus.NewRedisPublisher(context.Background(), cfg.StatsbusConfig(), log)
		if err != nil {
			_ = store.Close()
			return nil, errors.Wrap(err, "stats mirror")
		}
		opts = append(opts, intrnl.WithStatsPublisher(publisher))
		log.Info("mirroring stats channel to redis",
			zap.String("addr", cfg.Redis.Addr),
			zap.String("channel", publisher.Channel()))
	}

	hub := intrnl.NewHub(store, cfg.HubConfig(), opts...)
	server := intrnl.NewServer(hub, cfg.HTTPConfig(), log)
	if cfg.AdminTokenHash == "" {
		log.Warn("admin_token_hash is not set; /stats, /stats/ws and /emit will refuse every request")
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		closePublisher(publisher, log)
		_ = store.Close()
		return nil, errors.Wrap(err, "listen")
	}

	handle := &ServerHandle{
		addr:      listener.Addr().String(),
		server:    httpServer,
		hub:       hub,
		store:     store,
		publisher: publisher,
		log:       log,
		done:      make(chan struct{}),
	}

	go func() {
		if ctx == nil {
			return
		}
		select {
		case <-ctx.Done():
		case <-handle.done:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("server shutdown error", zap.Error(err))
		}
	}()

	go handle.serve(listener)

	log.Info("realtime server listening",
		zap.String("addr", handle.addr),
		zap.String("db", cfg.DBPath),
		zap.Duration("reconcile_delay", cfg.ReconcileDelay.Std()))
	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	h.hub.Close(flushCtx)
	closePublisher(h.publisher, h.log)
	if closeErr := h.store.Close(); closeErr != nil {
		h.log.Warn("store close error", zap.Error(closeErr))
	}
	h.err = err
}

func closePublisher(publisher *statsbus.RedisPublisher, log *zap.Logger) {
	if publisher == nil {
		return
	}
	if err := publisher.Close(); err != nil {
		log.Warn("stats mirror close error", zap.Error(err))
	}
}
