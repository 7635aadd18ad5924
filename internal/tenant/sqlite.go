package tenant

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Syncano/syncano-platform-sub000/internal/dialect"
)

// SQLiteProvider keeps every tenant in its own database file.
type SQLiteProvider struct {
	dir         string
	busyTimeout time.Duration

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewSQLiteProvider creates a provider storing tenant files under dir.
func NewSQLiteProvider(dir string, busyTimeout time.Duration) *SQLiteProvider {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	return &SQLiteProvider{
		dir:         dir,
		busyTimeout: busyTimeout,
		conns:       make(map[string]*Conn),
	}
}

func (p *SQLiteProvider) path(id string) string {
	return filepath.Join(p.dir, id+".db")
}

func (p *SQLiteProvider) Exists(ctx context.Context, tenantID string) (bool, error) {
	if err := ValidateID(tenantID); err != nil {
		return false, err
	}
	_, err := os.Stat(p.path(tenantID))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("tenant: failed to stat %s: %w", tenantID, err)
	}
	return true, nil
}

func (p *SQLiteProvider) Open(ctx context.Context, tenantID string) (*Conn, error) {
	exists, err := p.Exists(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, notFound(tenantID)
	}
	return p.open(tenantID)
}

func (p *SQLiteProvider) Create(ctx context.Context, tenantID string) (*Conn, error) {
	if err := ValidateID(tenantID); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return nil, fmt.Errorf("tenant: failed to create directory %s: %w", p.dir, err)
	}
	conn, err := p.open(tenantID)
	if err != nil {
		return nil, err
	}
	// sql.Open is lazy; touch the file so Exists sees it.
	if err := conn.DB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("tenant: failed to create %s: %w", tenantID, err)
	}
	return conn, nil
}

// open returns the cached connection, opening it on first use.
func (p *SQLiteProvider) open(id string) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[id]; ok {
		return conn, nil
	}

	path := p.path(id)
	busy := p.busyTimeout.Milliseconds()

	// Write connection: single writer; immediate transactions take the write
	// lock on BEGIN, so a read-modify-write cannot race another writer.
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", path, busy))
	if err != nil {
		return nil, fmt.Errorf("tenant: failed to open %s: %w", id, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d", path, busy))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("tenant: failed to open read pool for %s: %w", id, err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	conn := &Conn{TenantID: id, DB: db, ReadDB: readDB, Dialect: dialect.SQLite{}}
	p.conns[id] = conn
	return conn, nil
}

func (p *SQLiteProvider) List(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(p.dir, "*.db"))
	if err != nil {
		return nil, fmt.Errorf("tenant: failed to list tenants: %w", err)
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		id := strings.TrimSuffix(filepath.Base(m), ".db")
		if ValidateID(id) == nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *SQLiteProvider) Drop(ctx context.Context, tenantID string) error {
	if err := ValidateID(tenantID); err != nil {
		return err
	}

	p.mu.Lock()
	conn, ok := p.conns[tenantID]
	delete(p.conns, tenantID)
	p.mu.Unlock()

	if ok {
		if err := conn.close(); err != nil {
			return fmt.Errorf("tenant: failed to close %s: %w", tenantID, err)
		}
	}

	path := p.path(tenantID)
	for _, f := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("tenant: failed to remove %s: %w", f, err)
		}
	}
	return nil
}

func (p *SQLiteProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for id, conn := range p.conns {
		if err := conn.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tenant: failed to close %s: %w", id, err)
		}
		delete(p.conns, id)
	}
	return firstErr
}
