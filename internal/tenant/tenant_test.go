package tenant

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Syncano/syncano-platform-sub000/internal/config"
)

func TestValidateID(t *testing.T) {
	for _, id := range []string{"acme", "t1", "tenant_42", "0abc"} {
		assert.NoError(t, ValidateID(id), id)
	}
	for _, id := range []string{"", "Acme", "../etc", "a b", "_x", "a-b"} {
		assert.Error(t, ValidateID(id), id)
	}
}

func TestSQLiteProvider_Lifecycle(t *testing.T) {
	p := NewSQLiteProvider(t.TempDir(), time.Second)
	defer p.Close()
	ctx := context.Background()

	exists, err := p.Exists(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = p.Open(ctx, "acme")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	conn, err := p.Create(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", conn.TenantID)
	assert.Equal(t, config.DialectSQLite, conn.Dialect.Name())

	exists, err = p.Exists(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, exists)

	again, err := p.Open(ctx, "acme")
	require.NoError(t, err)
	assert.Same(t, conn, again, "connections are shared")

	_, err = p.Create(ctx, "globex")
	require.NoError(t, err)

	ids, err := p.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "globex"}, ids)

	require.NoError(t, p.Drop(ctx, "acme"))
	exists, err = p.Exists(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSQLiteProvider_WriteVisibleToReaders(t *testing.T) {
	p := NewSQLiteProvider(t.TempDir(), time.Second)
	defer p.Close()
	ctx := context.Background()

	conn, err := p.Create(ctx, "acme")
	require.NoError(t, err)

	_, err = conn.DB.ExecContext(ctx, "CREATE TABLE t (v INTEGER)")
	require.NoError(t, err)
	_, err = conn.DB.ExecContext(ctx, "INSERT INTO t (v) VALUES (42)")
	require.NoError(t, err)

	var v int
	require.NoError(t, conn.ReadDB.QueryRowContext(ctx, "SELECT v FROM t").Scan(&v))
	assert.Equal(t, 42, v)
}

func TestNewProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()

	p, err := NewProvider(cfg)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteProvider{}, p)
	p.Close()

	cfg.Database.Dialect = "oracle"
	_, err = NewProvider(cfg)
	assert.Error(t, err)
}

// TestPostgresProvider_Lifecycle runs against a real server when
// SYNCANO_TEST_POSTGRES_DSN is set.
func TestPostgresProvider_Lifecycle(t *testing.T) {
	dsn := os.Getenv("SYNCANO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SYNCANO_TEST_POSTGRES_DSN not set")
	}
	p, err := NewPostgresProvider(dsn)
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	const id = "provider_test"
	require.NoError(t, p.Drop(ctx, id))

	_, err = p.Open(ctx, id)
	assert.True(t, IsNotFound(err))

	conn, err := p.Create(ctx, id)
	require.NoError(t, err)

	var schema string
	require.NoError(t, conn.DB.QueryRowContext(ctx, "SELECT current_schema()").Scan(&schema))
	assert.Equal(t, SchemaName(id), schema)

	ids, err := p.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, id)

	require.NoError(t, p.Drop(ctx, id))
}
