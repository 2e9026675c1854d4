package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/decent-sync/internal/config"
	"github.com/alexjbarnes/decent-sync/internal/device"
	"github.com/alexjbarnes/decent-sync/internal/dropdir"
	"github.com/alexjbarnes/decent-sync/internal/logging"
	"github.com/alexjbarnes/decent-sync/internal/reconcile"
	"github.com/alexjbarnes/decent-sync/internal/server"
	"github.com/alexjbarnes/decent-sync/internal/shots"
	"github.com/alexjbarnes/decent-sync/internal/workspace"
)

var Version = "dev"

func main() {
	// Handle hash-token subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-token" {
		hashToken()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashToken prints the bcrypt hash of a token read from stdin, for use
// as ADMIN_TOKEN_HASH.
func hashToken() {
	fmt.Fprint(os.Stderr, "Enter token: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	token := scanner.Text()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	settings, err := cfg.LoadSettings()
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("decent-sync starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceURL),
		slog.Duration("interval", cfg.SyncInterval()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dev := device.NewClient(cfg.DeviceURL, logger,
		device.WithCallTimeout(cfg.DeviceCallTimeout()))
	ws := workspace.NewClient(cfg.WorkspaceURL, cfg.WorkspaceToken, cfg.WorkspaceDatabaseID, nil)

	engine := reconcile.NewEngine(dev, ws, logger,
		reconcile.WithUtilityNames(settings.UtilityProfiles))
	scheduler := reconcile.NewScheduler(engine, cfg.SyncInterval(), logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	g.Go(func() error {
		return runHTTP(gctx, cfg, scheduler, engine, logger)
	})

	if cfg.ShotsDir != "" {
		g.Go(func() error {
			return runShotPoller(gctx, cfg, dev, logger)
		})
	}

	if cfg.DropDir != "" {
		g.Go(func() error {
			logger.Info("watching drop directory", slog.String("dir", cfg.DropDir))
			return dropdir.NewWatcher(cfg.DropDir, ws, logger).Watch(gctx)
		})
	}

	return g.Wait()
}

// runHTTP serves health, webhook, and trigger endpoints until the
// context is cancelled.
func runHTTP(ctx context.Context, cfg *config.Config, scheduler *reconcile.Scheduler, engine *reconcile.Engine, logger *slog.Logger) error {
	mux := server.NewMux(server.MuxConfig{
		Trigger:        scheduler,
		Stats:          engine,
		Logger:         logger,
		WebhookSecret:  cfg.WebhookSecret,
		AdminTokenHash: cfg.AdminTokenHash,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting HTTP server",
		slog.String("listen", cfg.ListenAddr),
		slog.Bool("webhook", cfg.WebhookSecret != ""),
		slog.Bool("trigger", cfg.AdminTokenHash != ""),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// runShotPoller archives new shot records from the machine.
func runShotPoller(ctx context.Context, cfg *config.Config, dev *device.Client, logger *slog.Logger) error {
	cursor, err := shots.OpenCursor(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("opening shot cursor: %w", err)
	}
	defer cursor.Close()

	logger.Info("shot poller starting",
		slog.String("dir", cfg.ShotsDir),
		slog.Duration("interval", cfg.ShotPollInterval()),
	)

	return shots.NewPoller(dev, cursor, cfg.ShotsDir, cfg.ShotPollInterval(), logger).Run(ctx)
}
