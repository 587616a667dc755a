package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/drive-sync/internal/config"
	"github.com/alexjbarnes/drive-sync/internal/drive"
	"github.com/alexjbarnes/drive-sync/internal/logging"
	"github.com/alexjbarnes/drive-sync/internal/reconcile"
	"github.com/alexjbarnes/drive-sync/internal/state"
	"github.com/alexjbarnes/drive-sync/internal/vault"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)

	appState, err := state.Load()
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	auth, err := drive.NewAuthenticator(cfg.ClientID, cfg.ClientSecret, appState)
	if err != nil {
		return fmt.Errorf("creating authenticator: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(os.Args) > 1 && os.Args[1] == "auth" {
		return authorize(ctx, auth)
	}

	logger.Info("drive-sync starting",
		slog.String("version", Version),
		slog.String("sync_dir", cfg.SyncDir),
		slog.String("root_folder", cfg.RootFolderID),
		slog.Bool("auto_sync", cfg.AutoSync),
		slog.String("conflict_policy", string(cfg.Policy)),
	)

	v, err := vault.New(cfg.SyncDir)
	if err != nil {
		return fmt.Errorf("opening sync directory: %w", err)
	}

	ignorer, err := vault.LoadIgnorer(cfg.SyncDir)
	if err != nil {
		return fmt.Errorf("loading ignore file: %w", err)
	}

	driver := reconcile.NewDriver(reconcile.DriverConfig{
		Vault:        v,
		Ignorer:      ignorer,
		Transport:    drive.NewClient(nil),
		Credentials:  auth,
		State:        appState,
		RootFolderID: cfg.RootFolderID,
		Policy:       cfg.Policy,
	}, logger)

	if !cfg.AutoSync {
		summary, err := driver.Run(ctx, cfg.SyncToRemote, cfg.SyncFromRemote)
		if err != nil {
			return err
		}

		reportPending(driver, logger)
		logger.Info("run complete",
			slog.Int("uploaded", summary.Uploaded),
			slog.Int("downloaded", summary.Downloaded),
			slog.Int("deleted_remote", summary.DeletedRemote),
			slog.Int("conflicts", summary.Conflicts),
		)

		return nil
	}

	return runDaemon(ctx, cfg, driver, v, ignorer, logger)
}

// runDaemon runs an initial reconciliation, then keeps the vault and
// the remote store converged: change-triggered runs after quiescence
// plus an independent periodic run.
func runDaemon(ctx context.Context, cfg *config.Config, driver *reconcile.Driver, v *vault.Vault, ignorer *vault.Ignorer, logger *slog.Logger) error {
	runOnce := reconcile.RunFunc(driver, cfg.SyncToRemote, cfg.SyncFromRemote, logger)
	runOnce(ctx)
	reportPending(driver, logger)

	watcher := vault.NewWatcher(v, ignorer, logging.ForComponent(logger, "watcher"))
	scheduler := reconcile.NewScheduler(
		func(ctx context.Context) {
			runOnce(ctx)
			reportPending(driver, logger)
		},
		cfg.DebounceWindow,
		cfg.PollInterval,
		nil,
		logging.ForComponent(logger, "scheduler"),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watcher.Watch(gctx)
	})

	g.Go(func() error {
		return scheduler.Start(gctx, watcher.Events())
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		// Normal shutdown via signal.
		logger.Info("drive-sync stopped")
		return nil
	}

	return err
}

// reportPending surfaces conflicts suspended for interactive
// arbitration. This binary has no interactive surface, so they are
// logged with the available ways out.
func reportPending(driver *reconcile.Driver, logger *slog.Logger) {
	for _, pc := range driver.TakePendingConflicts() {
		logger.Warn("conflict requires arbitration; set CONFLICT_POLICY or resolve via the API",
			slog.String("path", pc.Path),
			slog.String("remote_id", pc.Remote.ID),
		)
	}
}

// authorize runs the one-time OAuth bootstrap: print the authorization
// URL, read the code back, exchange and persist the refresh token.
func authorize(ctx context.Context, auth *drive.Authenticator) error {
	fmt.Println("Visit the following URL to authorize drive-sync:")
	fmt.Println()
	fmt.Println("  " + auth.BeginAuthorization())
	fmt.Println()
	fmt.Print("Paste the authorization code here: ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return fmt.Errorf("no authorization code provided")
	}

	code := strings.TrimSpace(scanner.Text())
	if code == "" {
		return fmt.Errorf("no authorization code provided")
	}

	if _, err := auth.ExchangeCode(ctx, code); err != nil {
		return err
	}

	fmt.Println("Authorization complete. Token stored.")

	return nil
}
