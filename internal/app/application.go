// Package app wires the components into a running server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"carebridge/internal/alerts"
	"carebridge/internal/api"
	"carebridge/internal/audit"
	"carebridge/internal/auth"
	"carebridge/internal/config"
	"carebridge/internal/hub"
	"carebridge/internal/ingest"
	"carebridge/internal/rooms"
	"carebridge/internal/router"
	"carebridge/internal/signaling"
	"carebridge/internal/websocket"
)

// Application owns every component. Construction follows dependency order:
// audit, registry, rooms, limiter, relay, call log, signaling, broadcaster, hub,
// notifier, ingest, api, HTTP server.
type Application struct {
	config *config.Config
	log    zerolog.Logger

	store       *audit.Store
	registry    *websocket.Registry
	rooms       *rooms.Manager
	relay       *router.Relay
	calls       *signaling.Relay
	callLog     *signaling.CallLog
	broadcaster *alerts.Broadcaster
	hub         *hub.Hub
	notifier    *alerts.Notifier
	ingest      *ingest.Subscriber
	apiServer   *api.Server
	httpServer  *http.Server

	mu       sync.Mutex
	listener net.Listener
	stopOnce sync.Once
	stopErr  error
}

// NewApplication builds the component graph. Nothing runs until Start.
func NewApplication(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := audit.Open(cfg.Audit, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}

	resolver, err := auth.NewResolver(auth.Config{
		Secret:   cfg.Auth.Secret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create identity resolver: %w", err)
	}

	registry := websocket.NewRegistry(cfg.Registry.MultiSession, logger)
	roomManager := rooms.NewManager(registry, rooms.DefaultPolicy(), logger)
	limiter := router.NewRateLimiter(cfg.RateLimit.MaxMessages, cfg.RateLimit.Window, cfg.RateLimit.IdleTTL)
	relay := router.NewRelay(roomManager, limiter, router.Options{
		AllowAnonymous:  cfg.Auth.AllowAnonymousMessaging,
		TypingPerSecond: cfg.RateLimit.TypingPerSecond,
		TypingBurst:     cfg.RateLimit.TypingBurst,
	}, logger)
	callLog := signaling.NewCallLog(store, signaling.DefaultCallLogBuffer, cfg.Audit.WriteTimeout, logger)
	calls := signaling.NewRelay(roomManager, registry, callLog, cfg.Calls.RingTimeout, logger)
	broadcaster := alerts.NewBroadcaster(roomManager, logger)

	messageHub := hub.NewHub(hub.Components{
		Registry:    registry,
		Rooms:       roomManager,
		Relay:       relay,
		Signaling:   calls,
		Broadcaster: broadcaster,
	}, hub.Config{
		QueueSize:     cfg.Hub.QueueSize,
		SweepInterval: cfg.Hub.SweepInterval,
	}, logger)

	notifier := alerts.NewNotifier(messageHub, store, logger)

	var subscriber *ingest.Subscriber
	if cfg.NATS.Enabled {
		subscriber = ingest.NewSubscriber(ingest.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Queue:         cfg.NATS.Queue,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
		}, notifier, logger)
	}

	wsHandler := websocket.NewHandler(resolver, messageHub, websocket.HandlerConfig{
		AllowAnonymous:   cfg.Auth.AllowAnonymous,
		PingInterval:     cfg.WebSocket.PingInterval,
		MissedHeartbeats: cfg.WebSocket.MissedHeartbeats,
		WriteTimeout:     cfg.WebSocket.WriteTimeout,
		BufferSize:       cfg.WebSocket.BufferSize,
		MaxMessageSize:   cfg.WebSocket.MaxMessageSize,
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
	}, logger)

	apiServer := api.NewServer(api.Deps{
		Registry:  registry,
		Rooms:     roomManager,
		Calls:     calls,
		Alerts:    store,
		Resolver:  resolver,
		WebSocket: wsHandler,
	}, cfg.HTTP.AllowedOrigins, logger)

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           apiServer,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:      cfg,
		log:         logger.With().Str("component", "app").Logger(),
		store:       store,
		registry:    registry,
		rooms:       roomManager,
		relay:       relay,
		calls:       calls,
		callLog:     callLog,
		broadcaster: broadcaster,
		hub:         messageHub,
		notifier:    notifier,
		ingest:      subscriber,
		apiServer:   apiServer,
		httpServer:  httpServer,
	}, nil
}

// Start runs the hub and alert ingest and binds the listener. Serve must be
// called to accept requests.
func (app *Application) Start(ctx context.Context) error {
	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}
	if app.ingest != nil {
		if err := app.ingest.Start(); err != nil {
			_ = app.hub.Stop()
			return fmt.Errorf("failed to start alert ingest: %w", err)
		}
	}

	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.stopIngest()
		_ = app.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.mu.Lock()
	app.listener = ln
	app.mu.Unlock()

	app.log.Info().Str("addr", ln.Addr().String()).Msg("carebridge started")
	return nil
}

// Serve accepts HTTP requests until Stop. It returns nil after a graceful
// shutdown.
func (app *Application) Serve() error {
	app.mu.Lock()
	ln := app.listener
	app.mu.Unlock()
	if ln == nil {
		return errors.New("application not started")
	}
	if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Run starts the application and blocks until ctx is cancelled or the
// server fails, then shuts down within the configured timeout.
func (app *Application) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if err := app.Start(gctx); err != nil {
		return err
	}

	g.Go(app.Serve)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.HTTP.ShutdownTimeout)
		defer cancel()
		return app.Stop(shutdownCtx)
	})
	return g.Wait()
}

// Stop shuts down in reverse dependency order: ingest, HTTP, hub, live
// connections, call log, audit store. Calling it more than once is safe.
func (app *Application) Stop(ctx context.Context) error {
	app.stopOnce.Do(func() {
		app.log.Info().Msg("shutting down")

		app.stopIngest()

		if err := app.httpServer.Shutdown(ctx); err != nil {
			app.log.Warn().Err(err).Msg("HTTP server shutdown error")
		}
		app.mu.Lock()
		if app.listener != nil {
			// Serve may never have run; Shutdown only closes listeners it tracks.
			_ = app.listener.Close()
		}
		app.mu.Unlock()

		if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
			app.log.Warn().Err(err).Msg("hub shutdown error")
		}

		app.registry.CloseAll()

		if err := app.callLog.Close(); err != nil {
			app.log.Warn().Err(err).Msg("call log shutdown error")
		}

		if err := app.store.Close(); err != nil {
			app.log.Error().Err(err).Msg("audit store shutdown error")
			app.stopErr = err
		}

		app.log.Info().Msg("shutdown complete")
	})
	return app.stopErr
}

func (app *Application) stopIngest() {
	if app.ingest == nil {
		return
	}
	if err := app.ingest.Stop(); err != nil {
		app.log.Warn().Err(err).Msg("alert ingest shutdown error")
	}
}

// Addr is the bound listen address, or the configured one before Start.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Notifier is the in-process alert API for embedding subsystems.
func (app *Application) Notifier() *alerts.Notifier {
	return app.notifier
}

// Handler is the root HTTP handler.
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// shutdownGrace bounds how long Stop waits when called without a deadline.
const shutdownGrace = 5 * time.Second

// Close stops the application with a short default deadline.
func (app *Application) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return app.Stop(ctx)
}
