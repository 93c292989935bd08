package main

import (
	"context"
	"fmt"
	"os"

	"github.com/nasdf/vercol/core"
	"github.com/nasdf/vercol/link"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write the history of the collection to a CAR file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCollection(cmd, func(ctx context.Context, col *core.Collection) error {
			h, err := col.History(ctx)
			if err != nil {
				return err
			}
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			if err := link.Export(ctx, h, f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d versions to %s\n", len(h.Entries), args[0])
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Restore the history of an untracked collection from a CAR file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		h, err := link.Import(cmd.Context(), f)
		if err != nil {
			return err
		}
		return withCollection(cmd, func(ctx context.Context, col *core.Collection) error {
			if err := col.Restore(ctx, h); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d versions into %s\n", len(h.Entries), col.Name())
			return nil
		})
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "List the documents changed by every version of a CAR file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		s, root, err := link.Read(cmd.Context(), f)
		if err != nil {
			return err
		}
		docs, err := s.Dump(cmd.Context(), root)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "root %s\n", root)
		return printJSON(cmd.OutOrStdout(), docs)
	},
}

func init() {
	rootCmd.AddCommand(exportCmd, importCmd, inspectCmd)
}
