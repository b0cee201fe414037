package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nextania/harmony/internal/auth"
	"github.com/nextania/harmony/internal/bus"
	"github.com/nextania/harmony/internal/channel"
	"github.com/nextania/harmony/internal/gateway"
	"github.com/nextania/harmony/internal/presence"
	"github.com/nextania/harmony/internal/server/middleware"
	"github.com/nextania/harmony/internal/session"
	"github.com/nextania/harmony/internal/voice"
	"github.com/nextania/harmony/pkg/config"
	"github.com/nextania/harmony/pkg/transport"
)

// App wires the gateway components together and owns their lifecycles.
type App struct {
	logger    *slog.Logger
	config    *config.Config
	processID string

	sessions  *session.Registry
	eventBus  *bus.Bus
	backplane bus.Backplane
	presence  presence.Store
	channels  *channel.Manager
	voice     *voice.Registry
	listener  *voice.Listener
	handler   *gateway.Handler

	wg   sync.WaitGroup
	http *http.Server

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) (*App, error) {
	processID := newProcessID()

	var (
		backplane bus.Backplane
		store     presence.Store
		client    *redis.Client
		err       error
	)
	if cfg.Backplane.RedisAddr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Backplane.RedisAddr,
			Username: cfg.Backplane.RedisUsername,
			Password: cfg.Backplane.RedisPassword,
			DB:       cfg.Backplane.RedisDB,
		})
		backplane, err = bus.NewRedisBackplane(rootCtx, logger, client)
		if err != nil {
			return nil, err
		}
		store, err = presence.NewRedisStore(logger, client, cfg.Presence.TTL, cfg.Presence.SweepInterval)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("No backplane configured, running single-process with in-memory state")
		backplane = bus.NewLoopback()
		store = presence.NewMemoryStore(logger, cfg.Presence.TTL, cfg.Presence.SweepInterval)
	}

	sessions := session.NewRegistry(logger, cfg.Server.MaxConnections)
	eventBus := bus.New(logger, processID, backplane)
	channels := channel.NewManager(logger, cfg.Channel.ReplayWindow, cfg.Channel.ExchangeTimeout)
	voiceRegistry := voice.NewRegistry(logger, eventBus, cfg.Voice.HeartbeatGrace)

	var listener *voice.Listener
	var nodeRelay gateway.NodeRelay
	if client != nil {
		listener = voice.NewListener(logger, client, voiceRegistry)
		nodeRelay = listener
	}

	handler := gateway.NewHandler(
		logger,
		gateway.Options{
			Region:      cfg.Server.Region,
			AuthTimeout: cfg.Transport.AuthTimeout,
			IdleTimeout: cfg.Transport.IdleTimeout,
		},
		auth.NewVerifier(cfg.Server.Auth.JWTSecret),
		sessions,
		channels,
		eventBus,
		store,
		voiceRegistry,
		nodeRelay,
		nil,
	)

	app := &App{
		logger:    logger,
		config:    cfg,
		processID: processID,
		sessions:  sessions,
		eventBus:  eventBus,
		backplane: backplane,
		presence:  store,
		channels:  channels,
		voice:     voiceRegistry,
		listener:  listener,
		handler:   handler,
		ctx:       rootCtx,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewConnectionLimiter(logger, sessions.Count, cfg.Server.MaxConnections),
		),
	)

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app, nil
}

func (a *App) Run() error {
	go a.eventBus.Run(a.ctx)
	go a.handler.Run(a.ctx)
	go a.voice.Run(a.ctx, a.config.Voice.SweepInterval)
	if a.listener != nil {
		go func() {
			if err := a.listener.Run(a.ctx); err != nil {
				a.logger.Error("Voice node listener stopped", slog.Any("error", err))
			}
		}()
	}

	go func() {
		a.logger.Info("Server starting",
			slog.String("addr", a.http.Addr),
			slog.String("processID", a.processID))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	var ip string
	if reqMeta != nil {
		ip = reqMeta.IP
	}
	connLogger := a.logger.With(slog.String("remoteAddr", ip))

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{
			ReadTimeout:   a.config.Transport.ReadTimeout,
			SendQueueSize: a.config.Transport.SendQueueSize,
		},
		a.handler.HandleMessage,
		a.handler.HandleClose,
		a.logger,
	)

	a.handler.HandleConnect(conn)
	connLogger.Info("Connection accepted", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, sess := range a.sessions.All() {
		sess.Transport.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()

	if err := a.presence.Close(); err != nil {
		a.logger.Warn("Presence store close failed", slog.Any("error", err))
	}
	if err := a.backplane.Close(); err != nil {
		a.logger.Warn("Backplane close failed", slog.Any("error", err))
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}

func newProcessID() string {
	return "gw-" + uuid.NewString()
}
