package storage_test

import (
	"path/filepath"
	"testing"

	"github.com/nasdf/vercol/storage"
	"github.com/nasdf/vercol/storage/storagetest"

	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Database {
		return storage.NewMemory()
	})
}

func TestSQLite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Database {
		db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "vercol.db"))
		require.NoError(t, err)
		return db
	})
}
