package migration

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Syncano/syncano-platform-sub000/internal/manifest"
)

// lease keeps a klass migration lock fresh while a run holds it. Once the
// lock is found taken by another holder it stays lost for the rest of the run.
type lease struct {
	store   *manifest.Store
	klassID int64
	holder  string
	ttl     time.Duration

	lost atomic.Bool
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// keepLock starts refreshing the lock every third of its TTL until stop.
func keepLock(ctx context.Context, store *manifest.Store, klassID int64, holder string, ttl time.Duration) *lease {
	ctx, cancel := context.WithCancel(ctx)
	l := &lease{store: store, klassID: klassID, holder: holder, ttl: ttl, stop: cancel}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		interval := ttl / 3
		if interval <= 0 {
			interval = ttl
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := l.refresh(ctx); err != nil && ctx.Err() == nil {
					log.Printf("migration: [WARN] failed to refresh lock of klass %d: %v", klassID, err)
				}
			}
		}
	}()
	return l
}

// refresh renews the lock and reports whether the run still holds it.
func (l *lease) refresh(ctx context.Context) (bool, error) {
	if l.lost.Load() {
		return false, nil
	}
	ok, err := l.store.AcquireLock(ctx, l.klassID, l.holder, l.ttl)
	if err != nil {
		return !l.lost.Load(), err
	}
	if !ok {
		l.lost.Store(true)
	}
	return ok, nil
}

func (l *lease) held() bool {
	return !l.lost.Load()
}

func (l *lease) close() {
	l.stop()
	l.wg.Wait()
}
