package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nasdf/vercol/config"
	"github.com/nasdf/vercol/core"
	"github.com/nasdf/vercol/storage"
	"github.com/spf13/cobra"
)

var (
	configPath     string
	connectionName string
	collectionName string
	verbose        bool
)

var rootCmd = &cobra.Command{
	Use:           "vercol",
	Short:         "Version control for document collections",
	Long:          `vercol registers versions of a document collection and moves it between them, with branches, merges and remotes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (default $XDG_CONFIG_HOME/vercol/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&connectionName, "connection", "c", "", "Connection to use instead of the configured one")
	rootCmd.PersistentFlags().StringVar(&collectionName, "collection", "", "Collection name, overrides the connection")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// Execute runs the command line until it completes or the process is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return rootCmd.ExecuteContext(ctx)
}

func logger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func configFile() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.DefaultPath()
}

func loadConfig() (*config.Config, string, error) {
	path, err := configFile()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// session is a versioned collection opened from a named connection.
type session struct {
	db  storage.Database
	col *core.Collection
}

func (s *session) Close() error {
	return errors.Join(s.col.Close(), s.db.Close())
}

func openSession(ctx context.Context, name string) (*session, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	conn, err := cfg.Connection(name)
	if err != nil {
		return nil, err
	}
	if collectionName != "" {
		conn.Collection = collectionName
	}
	if conn.Collection == "" {
		return nil, fmt.Errorf("no collection configured for connection %q", name)
	}
	db, err := conn.Open(ctx)
	if err != nil {
		return nil, err
	}
	col, err := core.Open(ctx, db, conn.Collection, core.Options{Logger: logger()})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &session{db: db, col: col}, nil
}

// withCollection runs fn with the collection of the selected connection.
func withCollection(cmd *cobra.Command, fn func(ctx context.Context, col *core.Collection) error) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, connectionName)
	if err != nil {
		return err
	}
	defer s.Close()

	return fn(ctx, s.col)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func report(cmd *cobra.Command, done bool, yes, no string) {
	if done {
		fmt.Fprintln(cmd.OutOrStdout(), yes)
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), no)
	}
}
