package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, cfg string, args ...string) string {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", cfg}, args...))
	require.NoError(t, rootCmd.ExecuteContext(context.Background()), out.String())
	return out.String()
}

func TestRegisterAndCheckout(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.yaml")

	run(t, cfg, "config", "set", "local", "driver=sqlite", "dsn="+filepath.Join(dir, "vercol.db"), "collection=notes")
	assert.Contains(t, run(t, cfg, "config", "show"), "notes")

	assert.Contains(t, run(t, cfg, "init", "-m", "root"), "Initialised notes at (0, main)")
	assert.Contains(t, run(t, cfg, "doc", "put", "a", `{"n": 1}`), "Inserted a")
	assert.Contains(t, run(t, cfg, "register", "-m", "first"), "Registered version (1, main)")
	assert.Contains(t, run(t, cfg, "register", "-m", "again"), "Nothing to register")

	log := run(t, cfg, "log")
	assert.Contains(t, log, "first")
	assert.Contains(t, log, "root")

	assert.Contains(t, run(t, cfg, "checkout", "0"), "Checked out (0, main)")
	assert.Equal(t, "[]\n", run(t, cfg, "doc", "list"))

	assert.Contains(t, run(t, cfg, "checkout"), "Checked out (1, main)")
	assert.Contains(t, run(t, cfg, "doc", "get", "a"), `"n": 1`)
}

func TestRename(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.yaml")

	run(t, cfg, "config", "set", "local", "driver=sqlite", "dsn="+filepath.Join(dir, "vercol.db"), "collection=notes")
	run(t, cfg, "init", "-m", "root")
	run(t, cfg, "doc", "put", "a", `{"n": 1}`)
	run(t, cfg, "register", "-m", "first")

	assert.Contains(t, run(t, cfg, "rename", "papers"), "Renamed notes to papers")
	assert.Contains(t, run(t, cfg, "config", "show"), "collection: papers")
	assert.Contains(t, run(t, cfg, "log"), "first")
	assert.Contains(t, run(t, cfg, "doc", "get", "a"), `"n": 1`)
}

func TestUnknownConnection(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "config.yaml")
	rootCmd.SetArgs([]string{"--config", cfg, "use", "missing"})
	rootCmd.SetOut(&bytes.Buffer{})
	assert.Error(t, rootCmd.ExecuteContext(context.Background()))
}
