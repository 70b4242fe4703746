package main

import (
	"errors"
	"fmt"

	"github.com/gophersatwork/stash/errs"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the metadata directory and a default config",
		Long: `
Create the metadata directory and write stash.yaml. Flags given to init,
such as --codec or --archive, are saved in the config. An existing config
is left untouched.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.open()
			if err != nil {
				return err
			}
			path := configPath(repo.Root())
			exists, err := afero.Exists(a.fs, path)
			if err != nil {
				return err
			}
			if !exists {
				if err := saveConfig(a.fs, path, a.cfg); err != nil {
					return fmt.Errorf("failed to write config: %w", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", repo.Root())
			return nil
		},
	}
}

func newBuildCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Index the whole tree from scratch",
		Long: `
Hash every file below the root and save the result as the new index,
replacing any previous one. Files that cannot be read are reported and
left out.

A damaged index is never overwritten silently. Use --force to delete it
along with its retained versions first.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.open()
			if err != nil {
				return err
			}
			if force {
				if err := repo.ResetIndex(); err != nil {
					return err
				}
			}
			idx, err := repo.Build(cmd.Context())
			if idx == nil {
				if errors.Is(err, errs.ErrChecksumMismatch) {
					return fmt.Errorf("%w (rerun with --force to discard the index)", err)
				}
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			var scanErr *errs.ScanError
			if errors.As(err, &scanErr) {
				p.skipped(scanErr.Skipped)
			}
			fmt.Fprintf(p.w, "indexed %d files, %d distinct\n", idx.Len(), len(idx.IDs()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Discard the existing index first, even if it is damaged")
	return cmd
}

func newUpdateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Rescan the tree and save what changed",
		Long: `
Rescan the tree against the saved index. Files whose size and
modification time are unchanged are not read again, and renamed files
are reported as moved.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.open()
			if err != nil {
				return err
			}
			_, changes, err := repo.Update(cmd.Context())
			if changes == nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).changes(changes)
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what update would change, without saving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.open()
			if err != nil {
				return err
			}
			changes, err := repo.Status(cmd.Context())
			if changes == nil {
				return err
			}
			newPrinter(cmd.OutOrStdout()).changes(changes)
			return nil
		},
	}
}

func newDupsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dups",
		Short: "List files with identical content",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.open()
			if err != nil {
				return err
			}
			idx, _, err := repo.Index()
			if err != nil {
				return notBuilt(err)
			}
			newPrinter(cmd.OutOrStdout()).duplicates(idx)
			return nil
		},
	}
}

func newTreeCmd(a *app) *cobra.Command {
	var showIDs bool
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print the indexed files as a tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.open()
			if err != nil {
				return err
			}
			idx, _, err := repo.Index()
			if err != nil {
				return notBuilt(err)
			}
			newPrinter(cmd.OutOrStdout()).tree(idx, showIDs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&showIDs, "ids", false, "Show resource ids")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show index and store statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.open()
			if err != nil {
				return err
			}
			stats, err := repo.Stats()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "index version: %d\n", stats.IndexVersion)
			fmt.Fprintf(w, "files:         %d\n", stats.Files)
			fmt.Fprintf(w, "distinct:      %d\n", stats.UniqueIDs)
			fmt.Fprintf(w, "duplicates:    %d\n", stats.Duplicates)
			fmt.Fprintf(w, "stored:        %d (%d bytes)\n", stats.Storage.Records, stats.Storage.ContentSize)
			fmt.Fprintf(w, "leftovers:     %d\n", stats.Storage.Leftovers)
			return nil
		},
	}
}

func newPruneCmd(a *app) *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Drop retained index versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.open()
			if err != nil {
				return err
			}
			return repo.Prune(keep)
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 0, "Number of previous versions to keep")
	return cmd
}

func notBuilt(err error) error {
	if errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("no index yet, run 'stash build' first: %w", err)
	}
	return err
}
