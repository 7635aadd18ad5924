// Package server provides the operations HTTP plumbing of the daemon: request
// middleware, JSON replies and graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// CodeShuttingDown is returned to requests that arrive after shutdown began.
const CodeShuttingDown = "SHUTTING_DOWN"

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// Timeout bounds the whole shutdown (default: 30s)
	Timeout time.Duration

	// DrainTimeout bounds the wait for in-flight work (default: 15s)
	DrainTimeout time.Duration
}

// DefaultShutdownConfig returns the default shutdown configuration.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		Timeout:      30 * time.Second,
		DrainTimeout: 15 * time.Second,
	}
}

type namedCloser struct {
	name  string
	close func(ctx context.Context) error
}

// ShutdownManager coordinates graceful shutdown. In-flight work (operations
// requests and migration passes) is drained first, then registered resources
// are closed in reverse order of registration.
type ShutdownManager struct {
	config ShutdownConfig

	done     chan struct{}
	once     sync.Once
	inFlight atomic.Int64
	stopping atomic.Bool

	mu      sync.Mutex
	closers []namedCloser
}

// NewShutdownManager creates a shutdown manager.
func NewShutdownManager(config ShutdownConfig) *ShutdownManager {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 15 * time.Second
	}
	return &ShutdownManager{
		config: config,
		done:   make(chan struct{}),
	}
}

// OnShutdown registers a resource to close during shutdown.
func (sm *ShutdownManager) OnShutdown(name string, fn func(ctx context.Context) error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, namedCloser{name: name, close: fn})
}

// ListenForSignals blocks until SIGTERM or SIGINT arrives, ctx is cancelled
// or Shutdown is called elsewhere, and shuts down in the first two cases.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(context.WithoutCancel(ctx), fmt.Sprintf("signal %v", sig))
	case <-ctx.Done():
		return sm.Shutdown(context.WithoutCancel(ctx), "context cancelled")
	case <-sm.done:
		return nil
	}
}

// Shutdown drains in-flight work and closes every registered resource. Only
// the first call does anything; the first failure is returned but every
// resource is still closed.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	var firstErr error

	sm.once.Do(func() {
		log.Printf("shutdown: starting (%s), %d in flight", reason, sm.inFlight.Load())
		sm.stopping.Store(true)
		close(sm.done)

		ctx, cancel := context.WithTimeout(ctx, sm.config.Timeout)
		defer cancel()

		if err := sm.drain(ctx); err != nil {
			log.Printf("shutdown: [WARN] %v", err)
			firstErr = err
		}

		sm.mu.Lock()
		closers := sm.closers
		sm.mu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].close(ctx); err != nil {
				log.Printf("shutdown: [WARN] closing %s: %v", closers[i].name, err)
				if firstErr == nil {
					firstErr = fmt.Errorf("close %s: %w", closers[i].name, err)
				}
			}
		}
		log.Printf("shutdown: complete")
	})

	return firstErr
}

func (sm *ShutdownManager) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sm.config.DrainTimeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for sm.inFlight.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out with %d operations in flight", sm.inFlight.Load())
		case <-ticker.C:
		}
	}
	return nil
}

// Begin counts one unit of work in. It returns false once shutdown began,
// in which case the caller must not start the work.
func (sm *ShutdownManager) Begin() bool {
	if sm.stopping.Load() {
		return false
	}
	sm.inFlight.Add(1)
	// Shutdown may have started between the check and the increment.
	if sm.stopping.Load() {
		sm.inFlight.Add(-1)
		return false
	}
	return true
}

// End counts one unit of work out.
func (sm *ShutdownManager) End() {
	sm.inFlight.Add(-1)
}

// IsShuttingDown reports whether shutdown has been initiated.
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.stopping.Load()
}

// InFlight returns the number of units of work in progress.
func (sm *ShutdownManager) InFlight() int64 {
	return sm.inFlight.Load()
}

// Done is closed when shutdown begins.
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.done
}

// ShutdownMiddleware counts requests as in-flight work and rejects new ones
// with 503 once shutdown began.
func ShutdownMiddleware(sm *ShutdownManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sm.Begin() {
				w.Header().Set("Connection", "close")
				WriteError(w, r, http.StatusServiceUnavailable, CodeShuttingDown, "server is shutting down")
				return
			}
			defer sm.End()
			next.ServeHTTP(w, r)
		})
	}
}
