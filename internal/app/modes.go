package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oddsync/oddsync/internal/server"
	"github.com/oddsync/oddsync/internal/server/handler"
)

// shutdownTimeout bounds graceful teardown of the HTTP server and the active
// monitoring session.
const shutdownTimeout = 10 * time.Second

// MonitorMode opens the monitoring session and runs the restart sweep. The
// HTTP server is started too when enabled, so the webhook and admin surface
// stay reachable from a single process.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startMonitoring(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	return g.Wait()
}

// WebhookMode runs only the HTTP server; replies are correlated against
// pending entries written by a separate monitor process sharing the store.
func (a *App) WebhookMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting webhook mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// FullMode starts all subsystems: the monitoring session, the restart sweep,
// and the HTTP server.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startMonitoring(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)

	return g.Wait()
}

// startMonitoring launches the configured session (when auto_start is set),
// runs the restart sweep, and stops the session on shutdown.
func (a *App) startMonitoring(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	accountID := a.cfg.Monitor.AccountID
	credentialID := a.cfg.Monitor.CredentialID

	if a.cfg.Monitor.AutoStart {
		if _, err := deps.Manager.Start(ctx, accountID, credentialID); err != nil {
			// The session can still be started later through the API, so a
			// failed autostart does not bring the process down.
			a.logger.ErrorContext(ctx, "session autostart failed",
				slog.String("account", accountID),
				slog.String("credential", credentialID),
				slog.String("error", err.Error()),
			)
		}
	}

	g.Go(func() error {
		return deps.Manager.RunSweeper(ctx, a.cfg.Feed.SweepInterval.Duration)
	})

	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := deps.Manager.Stop(stopCtx, accountID, credentialID); err != nil {
			a.logger.Error("session stop on shutdown failed",
				slog.String("error", err.Error()),
			)
		}
		return ctx.Err()
	})
}

// startHTTPServer builds the handler set, registers routes, and runs the
// server until the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	flags := map[string]bool{
		"backup_storage":   deps.BlobWriter != nil,
		"external_sink":    a.cfg.Sink.URL != "",
		"distributed_lock": deps.Locks != nil,
	}

	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(a.logger),
		Status:   handler.NewStatusHandler(a.cfg.Mode, flags, deps.Manager, deps.Pending, a.logger),
		Webhook:  handler.NewWebhookHandler(deps.Correlator, a.cfg.Telegram.WebhookSecret, a.logger),
		Sessions: handler.NewSessionHandler(deps.Manager, deps.Monitors, a.logger),
		Pending:  handler.NewPendingHandler(deps.Pending, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, handlers, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown failed", slog.String("error", err.Error()))
		}
		return ctx.Err()
	})
}
