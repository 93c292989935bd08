package config

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nasdf/vercol/object"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vercol", "config.yaml")

	cfg := DefaultConfig()
	require.NoError(t, cfg.Set("scratch", "driver=memory", "collection=notes"))
	require.NoError(t, cfg.SetUse("scratch"))
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "scratch", loaded.Use)
	assert.Equal(t, []string{Local, Remote, "scratch"}, loaded.Names())

	conn, err := loaded.Connection("")
	require.NoError(t, err)
	assert.Equal(t, Connection{Driver: DriverMemory, Collection: "notes"}, conn)
}

func TestSetErrors(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Set(Local, "driver"))
	assert.Error(t, cfg.Set(Local, "port=1"))
	assert.Error(t, cfg.Set("other", "driver=sqlite"))
	assert.Error(t, cfg.Set("other", "driver=memory", "collection=__log_x"))
	assert.ErrorIs(t, cfg.SetUse("missing"), ErrUnknownConnection)

	_, err := cfg.Connection("missing")
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	db, err := Connection{Driver: DriverMemory}.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Connection{Driver: DriverSQLite, DSN: filepath.Join(t.TempDir(), "test.db")}.Open(ctx)
	require.NoError(t, err)
	_, err = db.Collection("docs").InsertOne(ctx, object.Document{"_id": "a"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Connection{Driver: "mongo"}.Open(ctx)
	assert.Error(t, err)
}
