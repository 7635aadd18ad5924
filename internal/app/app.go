// Package app wires the schema engine together and manages its lifecycle.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Syncano/syncano-platform-sub000/internal/cache"
	"github.com/Syncano/syncano-platform-sub000/internal/config"
	"github.com/Syncano/syncano-platform-sub000/internal/klass"
	"github.com/Syncano/syncano-platform-sub000/internal/migration"
	"github.com/Syncano/syncano-platform-sub000/internal/router"
	"github.com/Syncano/syncano-platform-sub000/internal/schema"
	"github.com/Syncano/syncano-platform-sub000/internal/server"
	"github.com/Syncano/syncano-platform-sub000/internal/tenant"
)

// App owns the shared resources of the schema engine: tenant connections,
// the klass cache, the event bus, the migration dispatcher and the
// operations HTTP server.
type App struct {
	cfg *config.Config

	tenants    tenant.Provider
	cache      *cache.KlassCache
	notifier   *router.Notifier
	registry   *prometheus.Registry
	metrics    *migration.Metrics
	editor     *klass.Editor
	orch       *migration.Orchestrator
	dispatcher *migration.Dispatcher
	shutdown   *server.ShutdownManager
	opsServer  *http.Server

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return &App{cfg: cfg}, nil
}

// Start initializes shared resources, starts the dispatcher and, when an
// address is configured, the operations server.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	if err := a.dispatcher.Start(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to start migration dispatcher: %w", err)
	}
	a.shutdown.OnShutdown("migration dispatcher", func(context.Context) error {
		return a.dispatcher.Stop()
	})
	log.Printf("Migration dispatcher started: workers=%d, poll=%v, concurrent=%v",
		a.cfg.Migration.Workers, a.cfg.Migration.PollInterval, a.cfg.Migration.Concurrent)

	events := a.notifier.SubscribeAutoID()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logEvents(ctx, events)
	}()

	if a.cfg.Metrics.Addr != "" {
		a.startOpsServer()
	}

	log.Printf("Schema engine started (dialect=%s)", a.cfg.Database.Dialect)
	return nil
}

// initSharedResources builds every component without starting any of them.
func (a *App) initSharedResources() error {
	tenants, err := tenant.NewProvider(a.cfg)
	if err != nil {
		return fmt.Errorf("failed to open tenant provider: %w", err)
	}
	a.tenants = tenants
	log.Printf("Tenant provider initialized: dialect=%s", a.cfg.Database.Dialect)

	if a.cfg.Cache.Size > 0 {
		a.cache = cache.NewKlassCache(a.cfg.Cache.Size)
	}
	a.notifier = router.NewNotifier(256)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = migration.NewMetrics(a.registry)

	a.editor = klass.NewEditor(a.tenants, schema.LimitsFromConfig(a.cfg.Limits), a.cache, a.notifier)
	a.orch = migration.NewOrchestrator(a.tenants, migration.OptionsFromConfig(a.cfg.Migration),
		a.cache, a.notifier, a.metrics)
	a.dispatcher = migration.NewDispatcher(migration.DispatcherConfigFromConfig(a.cfg.Migration),
		a.tenants, a.orch, a.metrics)

	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig())
	return nil
}

func (a *App) startOpsServer() {
	a.opsServer = &http.Server{
		Addr:         a.cfg.Metrics.Addr,
		Handler:      a.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	a.shutdown.OnShutdown("operations server", a.opsServer.Shutdown)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("Operations HTTP server listening on %s", a.cfg.Metrics.Addr)
		if err := a.opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Operations HTTP server error: %v", err)
		}
	}()
}

// Stop stops the dispatcher and the operations server and releases
// resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	log.Printf("Initiating graceful shutdown...")

	if a.cancel != nil {
		a.cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Drains operations requests and manual passes, then closes the ops
	// server and waits for the current dispatcher pass.
	if a.shutdown != nil {
		if err := a.shutdown.Shutdown(shutdownCtx, "stop"); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Printf("Shutdown timeout, some goroutines may not have finished")
	}

	a.cleanup()
	log.Printf("Schema engine stopped")
	return nil
}

// logEvents logs klass lifecycle events until ctx is done.
func (a *App) logEvents(ctx context.Context, sub *router.Subscriber) {
	defer a.notifier.Unsubscribe(sub.ID)
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-sub.Ch:
			switch n.Type {
			case router.MigrationFinished:
				log.Printf("event: %s %s/%s revision %d: %s", n.Type, n.Tenant, n.KlassName, n.Revision, n.Outcome)
			default:
				log.Printf("event: %s %s/%s revision %d", n.Type, n.Tenant, n.KlassName, n.Revision)
			}
		}
	}
}

func (a *App) cleanup() {
	if a.tenants != nil {
		if err := a.tenants.Close(); err != nil {
			log.Printf("Tenant provider close error: %v", err)
		}
	}
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}

// Editor returns the klass editor.
func (a *App) Editor() *klass.Editor {
	return a.editor
}

// Orchestrator returns the migration orchestrator.
func (a *App) Orchestrator() *migration.Orchestrator {
	return a.orch
}

// Dispatcher returns the migration dispatcher.
func (a *App) Dispatcher() *migration.Dispatcher {
	return a.dispatcher
}

// Notifier returns the event bus.
func (a *App) Notifier() *router.Notifier {
	return a.notifier
}
