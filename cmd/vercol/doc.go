package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/nasdf/vercol/codec"
	"github.com/nasdf/vercol/core"
	"github.com/nasdf/vercol/object"
	"github.com/nasdf/vercol/storage"
	"github.com/spf13/cobra"
)

var docCmd = &cobra.Command{
	Use:   "doc",
	Short: "Edit the documents of the collection",
	Long:  `Reads and writes documents. Writes to a tracked collection become unregistered changes.`,
}

var docPutCmd = &cobra.Command{
	Use:   "put <id> [json]",
	Short: "Insert or replace a document",
	Long:  `Writes the JSON document given as argument, or read from stdin when omitted.`,
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data []byte
		if len(args) == 2 {
			data = []byte(args[1])
		} else {
			var err error
			if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
				return err
			}
		}
		doc, err := codec.Decode(data)
		if err != nil {
			return fmt.Errorf("invalid document: %w", err)
		}
		return withCollection(cmd, func(ctx context.Context, col *core.Collection) error {
			res, err := col.Documents().ReplaceOne(ctx, args[0], doc, true)
			if err != nil {
				return err
			}
			report(cmd, res.UpsertedID != "", "Inserted "+args[0], "Replaced "+args[0])
			return nil
		})
	},
}

var docGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCollection(cmd, func(ctx context.Context, col *core.Collection) error {
			doc, err := col.Documents().FindOne(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), doc)
		})
	},
}

var docDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCollection(cmd, func(ctx context.Context, col *core.Collection) error {
			n, err := col.Documents().DeleteMany(ctx, storage.ByID(args...))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d documents\n", n)
			return nil
		})
	},
}

var docListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print every document",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCollection(cmd, func(ctx context.Context, col *core.Collection) error {
			docs, err := col.Documents().Find(ctx, storage.Filter{})
			if err != nil {
				return err
			}
			sort.Slice(docs, func(i, j int) bool { return docs[i].ID() < docs[j].ID() })
			if docs == nil {
				docs = []object.Document{}
			}
			return printJSON(cmd.OutOrStdout(), docs)
		})
	},
}

func init() {
	rootCmd.AddCommand(docCmd)
	docCmd.AddCommand(docPutCmd, docGetCmd, docDeleteCmd, docListCmd)
}
