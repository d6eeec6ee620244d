// Command chat-sync runs the conversation sync engine as a daemon. It
// can attach a client to a conversation, serve the ledger backend for
// local development, or both at once.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/briefcase-hq/chat-sync/internal/chat"
	"github.com/briefcase-hq/chat-sync/internal/config"
	"github.com/briefcase-hq/chat-sync/internal/ledger"
	"github.com/briefcase-hq/chat-sync/internal/logging"
	"github.com/briefcase-hq/chat-sync/internal/snapshot"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chat-sync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.EnableLedger {
		if err := runLedger(ctx, g, cfg, logger); err != nil {
			return err
		}
	}

	if cfg.EnableSync {
		if err := runSync(ctx, g, cfg, logger); err != nil {
			return err
		}
	}

	if !cfg.EnableLedger && !cfg.EnableSync {
		return errors.New("nothing to run: set CHAT_ENABLE_SYNC or CHAT_ENABLE_LEDGER")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutdown complete")

	return nil
}

// runLedger starts the development backend: the sequence ledger behind
// its WebSocket and REST surfaces.
func runLedger(ctx context.Context, g *errgroup.Group, cfg *config.Config, logger *slog.Logger) error {
	srv := ledger.NewServer(ledger.New(), cfg.Token, logger)

	httpSrv := &http.Server{
		Addr:              cfg.LedgerListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("ledger listening", slog.String("addr", cfg.LedgerListenAddr))

		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ledger server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return httpSrv.Shutdown(shutdownCtx)
	})

	return nil
}

// runSync attaches a client to the configured conversation and keeps it
// synchronized until shutdown.
func runSync(ctx context.Context, g *errgroup.Group, cfg *config.Config, logger *slog.Logger) error {
	store, err := snapshot.Open(cfg.SnapshotDBPath, cfg.SnapshotLimit, logger)
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}

	api := chat.NewClient(cfg.APIBaseURL, cfg.Token, cfg.UserID, nil)

	client := chat.NewSyncClient(chat.SyncConfig{
		Host:      cfg.SyncHost,
		Token:     cfg.Token,
		TenantID:  cfg.TenantID,
		UserID:    cfg.UserID,
		Device:    cfg.DeviceName,
		API:       api,
		Snapshots: store,
	}, logger)

	g.Go(func() error {
		defer store.Close()

		if err := client.Attach(ctx, cfg.ConversationID); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			// Initial attach failures fall through to the reconnect
			// loop unless the server rejected our identity.
			if chat.IsAuthError(err) {
				return err
			}

			logger.Warn("initial attach failed, retrying", slog.String("error", err.Error()))
		}

		return client.Listen(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		client.Dispose()

		return nil
	})

	return nil
}
