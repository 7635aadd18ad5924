package tenant

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/Syncano/syncano-platform-sub000/internal/dialect"
)

const schemaPrefix = "tenant_"

// PostgresProvider keeps every tenant in its own schema of one database.
// Tenant pools select their schema through search_path.
type PostgresProvider struct {
	config *pgx.ConnConfig
	admin  *sql.DB

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewPostgresProvider creates a provider for the database at dsn.
func NewPostgresProvider(dsn string) (*PostgresProvider, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("tenant: invalid postgres dsn: %w", err)
	}
	admin := stdlib.OpenDB(*cfg)
	admin.SetMaxOpenConns(2)

	return &PostgresProvider{
		config: cfg,
		admin:  admin,
		conns:  make(map[string]*Conn),
	}, nil
}

// SchemaName returns the database schema holding a tenant.
func SchemaName(tenantID string) string {
	return schemaPrefix + tenantID
}

func (p *PostgresProvider) Exists(ctx context.Context, tenantID string) (bool, error) {
	if err := ValidateID(tenantID); err != nil {
		return false, err
	}
	var exists bool
	err := p.admin.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_namespace WHERE nspname = $1)", SchemaName(tenantID),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("tenant: failed to look up %s: %w", tenantID, err)
	}
	return exists, nil
}

func (p *PostgresProvider) Open(ctx context.Context, tenantID string) (*Conn, error) {
	exists, err := p.Exists(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, notFound(tenantID)
	}
	return p.open(tenantID), nil
}

func (p *PostgresProvider) Create(ctx context.Context, tenantID string) (*Conn, error) {
	if err := ValidateID(tenantID); err != nil {
		return nil, err
	}
	if _, err := p.admin.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+SchemaName(tenantID)); err != nil {
		return nil, fmt.Errorf("tenant: failed to create %s: %w", tenantID, err)
	}
	return p.open(tenantID), nil
}

func (p *PostgresProvider) open(id string) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[id]; ok {
		return conn
	}

	cfg := p.config.Copy()
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = make(map[string]string)
	}
	cfg.RuntimeParams["search_path"] = SchemaName(id)

	db := stdlib.OpenDB(*cfg)
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	conn := &Conn{TenantID: id, DB: db, ReadDB: db, Dialect: dialect.Postgres{}}
	p.conns[id] = conn
	return conn
}

func (p *PostgresProvider) List(ctx context.Context) ([]string, error) {
	rows, err := p.admin.QueryContext(ctx,
		"SELECT nspname FROM pg_namespace WHERE left(nspname, length($1)) = $1 ORDER BY nspname", schemaPrefix)
	if err != nil {
		return nil, fmt.Errorf("tenant: failed to list tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("tenant: failed to scan tenant: %w", err)
		}
		ids = append(ids, strings.TrimPrefix(name, schemaPrefix))
	}
	return ids, rows.Err()
}

func (p *PostgresProvider) Drop(ctx context.Context, tenantID string) error {
	if err := ValidateID(tenantID); err != nil {
		return err
	}

	p.mu.Lock()
	conn, ok := p.conns[tenantID]
	delete(p.conns, tenantID)
	p.mu.Unlock()

	if ok {
		conn.close()
	}
	if _, err := p.admin.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+SchemaName(tenantID)+" CASCADE"); err != nil {
		return fmt.Errorf("tenant: failed to drop %s: %w", tenantID, err)
	}
	return nil
}

func (p *PostgresProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, conn := range p.conns {
		conn.close()
		delete(p.conns, id)
	}
	return p.admin.Close()
}
