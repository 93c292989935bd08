package main

import (
	"github.com/nasdf/vercol/http"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the database of the connection as a remote",
	Long:  `Exposes the database over HTTP so other installations can use it with the http driver.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		conn, err := cfg.Connection(connectionName)
		if err != nil {
			return err
		}
		db, err := conn.Open(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		return http.NewServer(db, logger()).ListenAndServe(ctx, serveAddr)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":7400", "Address to listen on")
}
