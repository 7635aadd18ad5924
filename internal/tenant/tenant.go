// Package tenant provides connections to per-tenant stores.
package tenant

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/Syncano/syncano-platform-sub000/internal/config"
	"github.com/Syncano/syncano-platform-sub000/internal/dialect"
	"github.com/Syncano/syncano-platform-sub000/internal/errors"
)

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_]{0,47}$`)

// Conn is a connection to one tenant store. Conns are owned and closed by
// the Provider that opened them.
type Conn struct {
	TenantID string

	// DB serves writes, transactions and DDL.
	DB *sql.DB

	// ReadDB serves plain reads. It may be the same pool as DB.
	ReadDB *sql.DB

	Dialect dialect.Dialect
}

func (c *Conn) close() error {
	var firstErr error
	if c.ReadDB != nil && c.ReadDB != c.DB {
		firstErr = c.ReadDB.Close()
	}
	if err := c.DB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Provider opens tenant stores.
type Provider interface {
	// Open returns the connection of an existing tenant, or a
	// TENANT_NOT_FOUND error.
	Open(ctx context.Context, tenantID string) (*Conn, error)

	// Exists reports whether the tenant store exists.
	Exists(ctx context.Context, tenantID string) (bool, error)

	// Create creates the tenant store if needed and opens it.
	Create(ctx context.Context, tenantID string) (*Conn, error)

	// List returns the identifiers of all tenants.
	List(ctx context.Context) ([]string, error)

	// Drop closes and removes a tenant store.
	Drop(ctx context.Context, tenantID string) error

	// Close closes every open connection.
	Close() error
}

// NewProvider returns the provider for the configured dialect.
func NewProvider(cfg *config.Config) (Provider, error) {
	switch cfg.Database.Dialect {
	case config.DialectSQLite:
		return NewSQLiteProvider(cfg.TenantDir(), cfg.Database.BusyTimeout), nil
	case config.DialectPostgres:
		return NewPostgresProvider(cfg.Database.DSN)
	}
	return nil, fmt.Errorf("tenant: unsupported dialect %q", cfg.Database.Dialect)
}

// ValidateID checks that id can name a file and a database schema.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return errors.New(errors.ErrCategoryValidation, errors.CodeInvalidSchema,
			fmt.Sprintf("invalid tenant id %q", id))
	}
	return nil
}

// IsNotFound reports whether err means the tenant does not exist.
func IsNotFound(err error) bool {
	return errors.GetCode(err) == errors.CodeTenantNotFound
}

func notFound(id string) error {
	return errors.NewCatalogError(errors.CodeTenantNotFound, fmt.Sprintf("tenant %s does not exist", id), nil)
}
