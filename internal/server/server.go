package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/robfig/cron/v3"

	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/internal/audit"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/internal/broadcast"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/internal/gateway"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/internal/metrics"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/internal/registry"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/internal/server/middleware"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/auth"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/config"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/transport"
	"github.com/RaviShankar000/AI-Craft-Recognition-sub001/pkg/wire"
)

type App struct {
	logger    *slog.Logger
	config    *config.Config
	registry  *registry.Registry
	gateway   *gateway.Gateway
	broadcast *broadcast.Service
	authn     *auth.Authenticator
	metrics   *metrics.Metrics
	coord     *Coordinator
	cron      *cron.Cron
	wg        sync.WaitGroup
	http      *http.Server

	// closers are backing-store handles released late in the drain
	// sequence (audit sink, user directory connection).
	closers []io.Closer

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, dir auth.UserDirectory, rec audit.Recorder, closers ...io.Closer) *App {
	reg := registry.New(logger)
	m := metrics.New()
	authn := auth.NewAuthenticator(logger, cfg.Server.Auth.JWTSecret, dir)
	bcast := broadcast.New(logger, reg, rec, m)
	gw := gateway.New(logger, authn, reg, bcast, rec, m, gateway.Config{
		AuthGrace:       cfg.Transport.AuthGrace,
		ConnectionLimit: cfg.Server.ConnectionLimit,
	})

	app := &App{
		logger:    logger,
		config:    cfg,
		registry:  reg,
		gateway:   gw,
		broadcast: bcast,
		authn:     authn,
		metrics:   m,
		coord:     NewCoordinator(logger, cfg.Shutdown.Watchdog),
		cron:      cron.New(),
		closers:   closers,
		ctx:       rootCtx,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", middleware.Chain(
		http.HandlerFunc(app.upgradeHandler),
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(app.logger),
	))
	mux.HandleFunc("/api/notifications", app.notificationsHandler)
	mux.HandleFunc("/healthz", app.healthHandler)
	mux.Handle("/metrics", m.Handler())

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return rootCtx
		},
	}
	return app
}

// Broadcast exposes the producer surface for the rest of the platform
// (order status changes, moderation decisions, analytics rollups).
func (a *App) Broadcast() *broadcast.Service {
	return a.broadcast
}

func (a *App) Run() error {
	if interval := a.config.Stats.Interval; interval > 0 {
		spec := fmt.Sprintf("@every %s", interval)
		if _, err := a.cron.AddFunc(spec, a.broadcast.BroadcastStats); err != nil {
			return fmt.Errorf("failed to schedule stats broadcast: %w", err)
		}
		a.cron.Start()
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-a.ctx.Done():
		a.Shutdown()
		return nil
	case err := <-serveErr:
		a.logger.Error("HTTP server failed", slog.Any("error", err))
		a.Shutdown()
		return err
	}
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP))

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
		transport.ConnectionConfig{ReadTimeout: a.config.Transport.ReadTimeout},
		a.logger,
	)
	sess := a.gateway.NewSession(conn)
	conn.SetOnMessageHandler(sess.HandleMessage)
	conn.SetOnCloseHandler(sess.HandleClose)
	conn.Run()

	if err := sess.Join(r.Context(), reqMeta.Token, reqMeta.ReconnectAttempt); err != nil {
		connLogger.Warn("Connection refused", slog.Any("error", err))
		// The session already notified the peer and scheduled the close.
		<-conn.Done()
		return
	}
	<-conn.Done()
}

// notificationsHandler is the request/response half of the client's polling
// fallback: it serves the caller's recent-history buffer.
func (a *App) notificationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	identity, err := a.authn.Verify(r.Context(), middleware.ExtractToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	events := a.broadcast.Recent(identity.UserID)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"notifications": events}); err != nil {
		a.logger.Error("Failed to write poll response", slog.Any("error", err))
	}
}

func (a *App) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Shutdown runs the ordered drain sequence. Safe to call from multiple
// goroutines; only one sequence ever runs.
func (a *App) Shutdown() {
	a.coord.Shutdown([]Step{
		{
			Name:    "stop accepting connections",
			Timeout: a.config.Shutdown.HTTPTimeout,
			Run:     a.http.Shutdown,
		},
		{
			Name:    "drain websocket connections",
			Timeout: a.config.Shutdown.DrainTimeout,
			Run:     a.drainConnections,
		},
		{
			Name: "force close remaining transports",
			Run: func(context.Context) error {
				for _, c := range a.registry.AllConnections() {
					c.Transport.Close(transport.ErrShutdown)
				}
				return nil
			},
		},
		{
			Name:    "close backing stores",
			Timeout: 5 * time.Second,
			Run: func(context.Context) error {
				var firstErr error
				for _, closer := range a.closers {
					if err := closer.Close(); err != nil && firstErr == nil {
						firstErr = err
					}
				}
				return firstErr
			},
		},
		{
			Name: "stop background jobs",
			Run: func(context.Context) error {
				a.cron.Stop()
				return nil
			},
		},
	})
}

// drainConnections emits a close notice to every open connection, closes
// them, and waits for their goroutines within the step's bound. Sockets
// still open when the bound expires are abandoned by the next step.
func (a *App) drainConnections(ctx context.Context) error {
	conns := a.registry.AllConnections()
	if len(conns) == 0 {
		return nil
	}
	a.logger.Info("Closing all active connections", slog.Int("count", len(conns)))

	notice, err := wire.Marshal(wire.EventForceDisconnect, wire.ForceDisconnect{Reason: "server shutting down"})
	if err == nil {
		for _, c := range conns {
			c.Transport.Send(notice)
		}
	}
	for _, c := range conns {
		c.Transport.Close(transport.ErrShutdown)
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("connection drain exceeded its bound")
	}
}
