package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronkeeper/internal/store"
	"cronkeeper/internal/store/sqlstore"
)

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	mem, err := Open(ctx, Config{}, store.Options{})
	require.NoError(t, err)
	assert.IsType(t, &store.Memory{}, mem)
	require.NoError(t, mem.Close())

	db, err := Open(ctx, Config{Driver: "SQLite3", Path: filepath.Join(t.TempDir(), "ck.db")}, store.Options{})
	require.NoError(t, err)
	assert.IsType(t, &sqlstore.Store{}, db)
	require.NoError(t, db.Close())
}

func TestOpenValidates(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, Config{Driver: "sqlite"}, store.Options{})
	assert.Error(t, err)
	_, err = Open(ctx, Config{Driver: "postgres"}, store.Options{})
	assert.Error(t, err)
	_, err = Open(ctx, Config{Driver: "etcd"}, store.Options{})
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestDurable(t *testing.T) {
	assert.False(t, Config{}.Durable())
	assert.False(t, Config{Driver: "memory"}.Durable())
	assert.True(t, Config{Driver: "pg"}.Durable())
	assert.True(t, Config{Driver: "sqlite"}.Durable())
}
