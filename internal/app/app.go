// Package app wires the relay together: metrics, store, long-polling,
// bridge, HTTP surface and the WebSocket hub, in that order, with
// teardown in reverse.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/softadastra/chatcore/internal/config"
	"github.com/softadastra/chatcore/internal/httpapi"
	"github.com/softadastra/chatcore/internal/longpoll"
	"github.com/softadastra/chatcore/internal/metrics"
	"github.com/softadastra/chatcore/internal/monitoring"
	"github.com/softadastra/chatcore/internal/protocol"
	"github.com/softadastra/chatcore/internal/server"
	"github.com/softadastra/chatcore/internal/store"
)

// App owns every component's lifecycle.
type App struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Registry
	store   store.MessageStore
	lp      *longpoll.Manager
	bridge  *longpoll.Bridge
	server  *server.Server
	monitor *monitoring.SystemMonitor

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds the app over the durable SQLite store.
func New(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	st, err := store.OpenSQLite(cfg.StorePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open message store: %w", err)
	}
	return NewWithStore(cfg, logger, st), nil
}

// NewWithStore builds the app over a caller-supplied store. Used by
// tests and ephemeral deployments with the memory provider.
func NewWithStore(cfg *config.Config, logger zerolog.Logger, st store.MessageStore) *App {
	m := metrics.NewRegistry()
	lp := longpoll.NewManager(cfg.LPSessionTTL, cfg.LPMaxBuffer, m, logger)

	srv := server.New(server.Options{
		Addr:           cfg.Addr(),
		MaxMessageSize: cfg.MaxMessageSize,
		IdleTimeout:    cfg.IdleTimeout,
		PingInterval:   cfg.PingInterval,
		EnableDeflate:  cfg.EnableDeflate,
		AutoPingPong:   cfg.AutoPingPong,
		MessageRate:    cfg.MessageRate,
		MessageBurst:   cfg.MessageBurst,
	}, logger, m)

	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		store:   st,
		lp:      lp,
		server:  srv,
		monitor: monitoring.NewSystemMonitor(cfg.MetricsInterval, logger),
	}
	a.bgCtx, a.bgCancel = context.WithCancel(context.Background())

	a.bridge = longpoll.NewBridge(lp, resolveSessionID, a.forwardToWS)
	srv.AttachLongPollingBridge(a.bridge)

	api := httpapi.New(a.bridge, logger)
	api.Register(srv)
	srv.Handle("/metrics", m.Handler())

	a.wireChat()
	return a
}

// Server exposes the hub, mostly for tests.
func (a *App) Server() *server.Server { return a.server }

// Bridge exposes the long-polling bridge, mostly for tests.
func (a *App) Bridge() *longpoll.Bridge { return a.bridge }

// Start brings the server up and launches the background loops.
func (a *App) Start() error {
	if err := a.server.Start(); err != nil {
		return err
	}

	a.bg.Add(2)
	go func() {
		defer a.bg.Done()
		a.sweepLoop()
	}()
	go func() {
		defer a.bg.Done()
		a.monitor.Run(a.bgCtx)
	}()

	a.logger.Info().Msg("app started")
	return nil
}

// Run starts the app and blocks until ctx is cancelled, then shuts
// down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	a.Shutdown()
	return nil
}

// Shutdown stops everything in reverse start order. Idempotent; every
// step runs even if an earlier one fails.
func (a *App) Shutdown() {
	a.stopOnce.Do(func() {
		a.server.Stop()

		a.bgCancel()
		a.bg.Wait()

		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("store close failed")
		}
		a.logger.Info().Msg("shutdown complete")
	})
}

func (a *App) sweepLoop() {
	interval := a.cfg.LPSweepInterval
	if interval <= 0 {
		interval = longpoll.DefaultSessionTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.bgCtx.Done():
			return
		case <-ticker.C:
			a.lp.SweepExpired()
		}
	}
}

// resolveSessionID routes an envelope to its long-poll buffer. The
// top-level room wins; messages that only carry the room inside the
// payload (the common chat client shape) still land in the room
// buffer.
func resolveSessionID(env *protocol.Envelope) string {
	if env.Room != "" {
		return "room:" + env.Room
	}
	if env.Payload != nil {
		if room := env.Payload.GetString("room"); room != "" {
			return "room:" + room
		}
	}
	return "broadcast"
}

// forwardToWS fans an HTTP-origin envelope out to WebSocket clients.
func (a *App) forwardToWS(env *protocol.Envelope) {
	if env.Room != "" {
		a.server.BroadcastRoomJSON(env.Room, env.Type, env.Payload)
		return
	}
	a.server.BroadcastJSON(env.Type, env.Payload)
}
