package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/nasdf/vercol/core"
	"github.com/nasdf/vercol/object"
	"github.com/spf13/cobra"
)

var (
	initMessage    string
	initSchema     string
	registerMsg    string
	branchFlag     string
	diffDirection  string
	stashOverwrite bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Start tracking the collection",
	Long:  `Registers the current contents of the collection as the root version (0, main).`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var schema string
		if initSchema != "" {
			data, err := os.ReadFile(initSchema)
			if err != nil {
				return err
			}
			schema = string(data)
		}
		return withCollection(cmd, func(ctx context.Context, col *core.Collection) error {
			if err := col.InitWithSchema(ctx, initMessage, schema); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialised %s at %s\n", col.Name(), object.Root)
			return nil
		})
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register the unregistered changes as a new version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCollection(cmd, func(ctx context.Context, col *core.Collection) error {
			ok, err := col.Register(ctx, registerMsg, branchFlag)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to register")
				return nil
			}
			head, err := col.Head(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered version %s\n", head)
			return nil
		})
	},
}

var checkoutCmd = &cobra.Command{
	Use:   "checkout [version]",
	Short: "Rewrite the collection to a version",
	Long: `Rewrites the collection to the given version of the branch.
Without a version the tip of the branch is checked out.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCollection(cmd, func(ctx context.Context, col *core.Collection) error {
			var err error
			if len(args) == 1 {
				version, perr := strconv.Atoi(args[0])
				if perr != nil {
					return fmt.Errorf("invalid version %q", args[0])
				}
				err = col.Checkout(ctx, version, branchFlag)
			} else {
				err = col.CheckoutBranch(ctx, branchFlag)
			}
			if err != nil {
				return err
			}
			md, err := col.Metadata(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Checked out %s\n", md.Head())
			if md.Detached {
				fmt.Fprintln(cmd.OutOrStdout(), "You are in detached mode, create a branch to register changes.")
			}
			return nil
		})
	},
}

var createBranchCmd = &cobra.Command{
	Use:   "create-branch <name>",
	Short: "Create a branch starting at the current version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCollection(cmd, func(ctx context.Context, col *core.Collection) error {
			from, err := col.CreateBranch(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created branch %s from %s\n", args[0], from)
			return nil
		})
	},
}

var branchesCmd = &cobra.Command{
	Use:   "branches",
	Short: "List branches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCollection(cmd, func(ctx context.Context, col *core.Collection) error {
			md, err := col.Metadata(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "\tBRANCH\tPOINTS TO")
			for _, b := range col.Branches() {
				mark := ""
				if b.Name == md.CurrentBranch && !md.Detached {
					mark = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", mark, b.Name, b.Target())
			}
			return w.Flush()
		})
	},
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the versions of a branch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCollection(cmd, func(ctx context.Context, col *core.Collection) error {
			entries, err := col.Log(ctx, branchFlag)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tDATE\tMESSAGE")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.VersionID(), e.Timestamp.Format(time.RFC3339), e.Message)
			}
			return w.Flush()
		})
	},
}

var diffCmd = &cobra.Command{
	Use:   "diff [version]",
	Short: "Compare the collection with a version",
	Long: `Compares the current contents, unregistered changes included, with a version.
Without a version or branch the unregistered changes are shown.
With only --branch the tip of the branch is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		direction, err := core.ParseDirection(diffDirection)
		if err != nil {
			return err
		}
		return withCollection(cmd, func(ctx context.Context, col *core.Collection) error {
			var changes core.Changes
			switch {
			case len(args) == 1:
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q", args[0])
				}
				branch := branchFlag
				if branch == "" {
					md, err := col.Metadata(ctx)
					if err != nil {
						return err
					}
					branch = md.CurrentBranch
				}
				changes, err = col.Diff(ctx, &object.VersionID{Version: version, Branch: branch}, direction)
				if err != nil {
					return err
				}
			case branchFlag != "":
				if changes, err = col.DiffBranch(ctx, branchFlag, direction); err != nil {
					return err
				}
			default:
				if changes, err = col.Diff(ctx, nil, direction); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), changes)
		})
	},
}

var discardCmd = &cobra.Command{
	Use:   "discard-changes",
	Short: "Throw away the unregistered changes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCollection(cmd, func(ctx context.Context, col *core.Collection) error {
			ok, err := col.DiscardChanges(ctx)
			if err == nil {
				report(cmd, ok, "Changes discarded", "Nothing to discard")
			}
			return err
		})
	},
}

var stashCmd = &cobra.Command{
	Use:   "stash [apply|discard]",
	Short: "Put the unregistered changes aside",
	Long: `Without arguments the unregistered changes are saved and discarded.
apply restores the saved changes, discard deletes them.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"apply", "discard"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCollection(cmd, func(ctx context.Context, col *core.Collection) error {
			action := ""
			if len(args) == 1 {
				action = args[0]
			}
			switch action {
			case "":
				ok, err := col.Stash(ctx, stashOverwrite)
				if err == nil {
					report(cmd, ok, "Changes stashed", "Nothing to stash")
				}
				return err
			case "apply":
				ok, err := col.StashApply(ctx)
				if err == nil {
					report(cmd, ok, "Stash applied", "Nothing stashed")
				}
				return err
			case "discard":
				return col.StashDiscard(ctx)
			default:
				return fmt.Errorf("unknown stash action %q", action)
			}
		})
	},
}

var deleteVersionCmd = &cobra.Command{
	Use:   "delete-version <version>",
	Short: "Delete a version and every version after it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[0])
		}
		return withCollection(cmd, func(ctx context.Context, col *core.Collection) error {
			return col.DeleteVersion(ctx, version, branchFlag)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the head and the unregistered changes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCollection(cmd, func(ctx context.Context, col *core.Collection) error {
			status, err := col.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		})
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Track changes until interrupted",
	Long:  `Keeps the collection open so that writes made by other programs are tracked as they happen.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCollection(cmd, func(ctx context.Context, col *core.Collection) error {
			if !col.IsTracked() {
				return core.ErrNotTracked
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tracking changes of %s, press Ctrl+C to stop\n", col.Name())
			<-ctx.Done()
			return col.Flush(context.WithoutCancel(ctx))
		})
	},
}

var dropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Delete the collection and its history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCollection(cmd, func(ctx context.Context, col *core.Collection) error {
			return col.Drop(ctx)
		})
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <name>",
	Short: "Rename the collection and its history",
	Long:  "Rename the collection and its history. The collection of the connection is updated unless --collection was given.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx, connectionName)
		if err != nil {
			return err
		}
		defer s.Close()

		renamed, err := s.col.Rename(ctx, args[0])
		if err != nil {
			return err
		}
		defer renamed.Close()

		if collectionName == "" {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			name := connectionName
			if name == "" {
				name = cfg.Use
			}
			if err := cfg.Set(name, "collection="+renamed.Name()); err != nil {
				return err
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %s\n", s.col.Name(), renamed.Name())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd, registerCmd, checkoutCmd, createBranchCmd, branchesCmd, logCmd, diffCmd,
		discardCmd, stashCmd, deleteVersionCmd, statusCmd, listenCmd, dropCmd, renameCmd)

	initCmd.Flags().StringVarP(&initMessage, "message", "m", "Initial version", "Message of the root version")
	initCmd.Flags().StringVar(&initSchema, "schema", "", "GraphQL file declaring the document type")

	registerCmd.Flags().StringVarP(&registerMsg, "message", "m", "", "Message of the new version")
	registerCmd.MarkFlagRequired("message")

	for _, cmd := range []*cobra.Command{registerCmd, checkoutCmd, logCmd, diffCmd, deleteVersionCmd} {
		cmd.Flags().StringVarP(&branchFlag, "branch", "b", "", "Branch name, defaults to the current branch")
	}
	diffCmd.Flags().StringVar(&diffDirection, "direction", string(core.DiffBidirectional), "Patches to show (from, to, bidirectional)")
	stashCmd.Flags().BoolVar(&stashOverwrite, "overwrite", false, "Replace an existing stash")
}
