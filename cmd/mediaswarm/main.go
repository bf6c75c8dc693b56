package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"github.com/mtzanidakis/mediaswarm/internal/config"
	"github.com/mtzanidakis/mediaswarm/internal/executor"
	"github.com/mtzanidakis/mediaswarm/internal/gateway"
	"github.com/mtzanidakis/mediaswarm/internal/janitor"
	"github.com/mtzanidakis/mediaswarm/internal/jobs"
	"github.com/mtzanidakis/mediaswarm/internal/natsbus"
	"github.com/mtzanidakis/mediaswarm/internal/registry"
	"github.com/mtzanidakis/mediaswarm/internal/storage"
	"github.com/mtzanidakis/mediaswarm/internal/store"
	"github.com/mtzanidakis/mediaswarm/internal/swarm"
	"github.com/mtzanidakis/mediaswarm/internal/vault"
	"github.com/mtzanidakis/mediaswarm/internal/web"
	"github.com/mtzanidakis/mediaswarm/internal/worker"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("mediaswarm %s\n", version)
	case "serve":
		err = runServe()
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	case "vault":
		err = runVault(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: mediaswarm <command>

Commands:
  serve      Start the generation service
  backup     Archive the database and generated artifacts
  restore    Restore an archive created by backup
  vault      Manage encrypted secrets
  version    Print version
`)
}

// tenantDirectory serves tenant defaults from the current config and is
// swapped on reload.
type tenantDirectory struct {
	cfg atomic.Pointer[config.Config]
}

func newTenantDirectory(cfg *config.Config) *tenantDirectory {
	d := &tenantDirectory{}
	d.cfg.Store(cfg)
	return d
}

func (d *tenantDirectory) Tenant(id string) config.TenantConfig {
	return d.cfg.Load().Tenant(id)
}

func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log)

	slog.Info("starting mediaswarm", "version", version, "config", config.Path())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()

	events, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("init nats client: %w", err)
	}
	defer events.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	// Role catalog
	reg, err := registry.Load(cfg.Swarm.Catalog)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	slog.Info("catalog loaded", "units", len(reg.ListUnits()), "roles", reg.TotalRoles())

	// Secrets
	var secrets *vault.Secrets
	if cfg.Vault.Passphrase != "" {
		v, err := vault.New(cfg.Vault.Passphrase)
		if err != nil {
			return fmt.Errorf("init vault: %w", err)
		}
		secrets = vault.NewSecrets(v, db)
	}
	apiKey, err := secrets.Resolve(cfg.Gateway.APIKey)
	if err != nil {
		return fmt.Errorf("gateway api key: %w", err)
	}
	if apiKey == "" {
		slog.Warn("gateway api key not set, swarm calls will be rejected")
	}

	// Gateways
	chat := gateway.NewChatClient(gateway.ChatConfig{
		BaseURL:     cfg.Gateway.BaseURL,
		APIKey:      apiKey,
		Timeout:     cfg.Gateway.Timeout,
		Temperature: cfg.Gateway.Temperature,
		MaxTokens:   cfg.Gateway.MaxTokens,
		Referer:     cfg.Gateway.Referer,
		Title:       cfg.Gateway.Title,
	})
	engine := gateway.NewEngineClient(gateway.EngineConfig{
		BaseURL:  cfg.Engine.BaseURL,
		Timeout:  cfg.Engine.Timeout,
		ClientID: uuid.New().String(),
	})

	files, err := storage.NewFileStore(cfg.Storage.BasePath, cfg.Storage.PublicURL)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	// Job lifecycle and execution
	tenants := newTenantDirectory(cfg)
	manager := jobs.NewManager(db, tenants)
	manager.SetEvents(events)

	exec := executor.New(manager, engine, files, cfg.Executor)
	pool := worker.New(cfg.Workers.Size, cfg.Workers.Queue, exec.Run)
	pool.Start(ctx)
	manager.SetDispatcher(pool)
	slog.Info("worker pool started", "workers", cfg.Workers.Size, "queue", cfg.Workers.Queue)

	// Recovery sweeps
	jan := janitor.New(manager, pool, cfg.Janitor, cfg.Executor)
	go jan.Start(ctx)
	slog.Info("janitor started", "schedule", cfg.Janitor.Schedule)

	// Swarm dispatcher
	dispatcher := swarm.NewDispatcher(reg, chat)
	dispatcher.SetRuns(db)
	dispatcher.SetEvents(events)

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(cfg.Web, web.Deps{
			Jobs:     manager,
			Swarm:    dispatcher,
			Registry: reg,
			Files:    files.BasePath(),
			Bus:      bus,
			Pool:     pool,
		}, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown, reload on SIGHUP
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	current := cfg
	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			slog.Info("shutting down", "signal", sig)
			break
		}
		next, err := config.Load()
		if err != nil {
			slog.Error("config reload failed", "error", err)
			continue
		}
		applyReload(current, next, reloadTargets{
			pool:     pool,
			executor: exec,
			janitor:  jan,
			tenants:  tenants,
		})
		current = next
	}
	cancel()

	// Cleanup
	pool.Stop()
	if err := db.Checkpoint(); err != nil {
		slog.Warn("store checkpoint failed", "error", err)
	}
	return nil
}

type reloadTargets struct {
	pool     *worker.Pool
	executor *executor.Executor
	janitor  *janitor.Janitor
	tenants  *tenantDirectory
}

func applyReload(old, next *config.Config, t reloadTargets) {
	diff := config.Diff(old, next)
	for _, field := range diff.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !diff.HasChanges() {
		slog.Info("config reloaded, nothing to apply")
		return
	}

	if diff.WorkersChanged {
		if diff.NewWorkers.Queue != old.Workers.Queue {
			slog.Warn("config change requires restart", "field", "workers.queue")
		}
		t.pool.Resize(diff.NewWorkers.Size)
	}
	if diff.ExecutorChanged {
		t.executor.UpdateConfig(diff.NewExecutor)
	}
	if diff.ExecutorChanged || diff.JanitorChanged {
		t.janitor.UpdateConfig(next.Janitor, next.Executor)
	}
	if diff.TenantsChanged {
		t.tenants.cfg.Store(next)
	}
	slog.Info("config reloaded",
		"workers", diff.WorkersChanged,
		"executor", diff.ExecutorChanged,
		"janitor", diff.JanitorChanged,
		"tenants", diff.TenantsChanged,
	)
}
