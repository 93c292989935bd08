package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/nasdf/vercol/config"
	"github.com/nasdf/vercol/core"
	"github.com/spf13/cobra"
)

var (
	remoteName      string
	pushCheckout    bool
	discardLocal    bool
	conflictDir     string
	conflictTimeout time.Duration
	openEditor      bool
)

// withRemote runs fn with the local collection and the collection of the remote connection.
func withRemote(cmd *cobra.Command, fn func(ctx context.Context, local, remote *core.Collection) error) error {
	ctx := cmd.Context()
	local, err := openSession(ctx, connectionName)
	if err != nil {
		return err
	}
	defer local.Close()

	remote, err := openSession(ctx, remoteName)
	if err != nil {
		return fmt.Errorf("failed to open remote %s: %w", remoteName, err)
	}
	defer remote.Close()

	return fn(ctx, local.col, remote.col)
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Copy the versions of a branch to the remote",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRemote(cmd, func(ctx context.Context, local, remote *core.Collection) error {
			ok, err := local.Push(ctx, remote, branchFlag, pushCheckout)
			if err == nil {
				report(cmd, ok, "Pushed", "Everything up to date")
			}
			return err
		})
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Copy the versions of a branch from the remote",
	Long: `Copies the versions missing locally from the remote.
Diverged local versions are merged on top of the remote ones.
Conflicts are left for resolve-conflicts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRemote(cmd, func(ctx context.Context, local, remote *core.Collection) error {
			ok, err := local.Pull(ctx, remote, branchFlag)
			var merr *core.AutoMergeError
			if errors.As(err, &merr) {
				fmt.Fprintf(cmd.OutOrStdout(), "Conflicts in %d documents, run resolve-conflicts\n", len(merr.DocumentIDs))
			}
			if err == nil {
				report(cmd, ok, "Pulled", "Already up to date")
			}
			return err
		})
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve-conflicts",
	Short: "Finish a merge left with conflicts",
	Long: `Every conflicting document is written to a file holding the destination, merged and source documents.
Edit the resolved field and save the file to continue.
With --discard-local the merged versions are thrown away.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCollection(cmd, func(ctx context.Context, col *core.Collection) error {
			editor := &core.FileEditor{Dir: conflictDir, Timeout: conflictTimeout, Logger: logger()}
			if openEditor {
				editor.Open = openFile
			}
			ok, err := col.ResolveConflicts(ctx, discardLocal, editor)
			if err == nil {
				report(cmd, ok, "Conflicts resolved", "No conflicts")
			}
			return err
		})
	},
}

// openFile starts the program associated with the file.
func openFile(path string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}
	return cmd.Start()
}

func init() {
	rootCmd.AddCommand(pushCmd, pullCmd, resolveCmd)

	for _, cmd := range []*cobra.Command{pushCmd, pullCmd} {
		cmd.Flags().StringVar(&remoteName, "remote", config.Remote, "Connection of the remote")
		cmd.Flags().StringVarP(&branchFlag, "branch", "b", "", "Branch name, defaults to the current branch")
	}
	pushCmd.Flags().BoolVar(&pushCheckout, "checkout", false, "Check out the pushed tip on the remote")

	resolveCmd.Flags().BoolVar(&discardLocal, "discard-local", false, "Throw away the merged local versions")
	resolveCmd.Flags().StringVar(&conflictDir, "dir", "", "Directory of the conflict files (default the temporary directory)")
	resolveCmd.Flags().DurationVar(&conflictTimeout, "timeout", 0, "Time to wait for each document, zero waits forever")
	resolveCmd.Flags().BoolVar(&openEditor, "open", false, "Open every conflict file with the default program")
}
