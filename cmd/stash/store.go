package main

import (
	"fmt"

	"github.com/gophersatwork/stash/resource"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func newPutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "put FILE...",
		Short: "Store files and print their ids",
		Long: `
Store files and print their ids. Files are streamed into the store. A
FILE of "-" reads standard input, which is held in memory until its id
is known.
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.open()
			if err != nil {
				return err
			}
			for _, path := range args {
				var id resource.ID
				if path == "-" {
					id, err = repo.Store().PutReader(cmd.InOrStdin())
				} else {
					id, err = repo.Store().PutFile(a.fs, path)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", id, path)
			}
			return nil
		},
	}
}

func newGetCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get ID",
		Short: "Write a stored resource to stdout or a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resource.ParseID(args[0])
			if err != nil {
				return err
			}
			repo, err := a.open()
			if err != nil {
				return err
			}
			data, err := repo.Store().Get(id)
			if err != nil {
				return err
			}
			if output == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return afero.WriteFile(a.fs, output, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}

func newRmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm ID...",
		Short: "Remove stored resources",
		Long: `
Remove resources from the store. The index is not consulted: removing a
resource that indexed files still refer to only drops the archived copy.
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.open()
			if err != nil {
				return err
			}
			for _, arg := range args {
				id, err := resource.ParseID(arg)
				if err != nil {
					return err
				}
				if err := repo.Store().Remove(id); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Re-hash every stored resource and report corruption",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.open()
			if err != nil {
				return err
			}
			report, err := repo.Store().Verify(cmd.Context())
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout())
			for _, id := range report.Corrupt {
				fmt.Fprintf(p.w, "%s %s\n", p.paint(colorRed, "corrupt"), id)
			}
			fmt.Fprintf(p.w, "%d resources checked, %d corrupt\n", report.Checked, len(report.Corrupt))
			if len(report.Corrupt) > 0 {
				cmd.SilenceErrors = true
				return fmt.Errorf("%d corrupt resources", len(report.Corrupt))
			}
			return nil
		},
	}
}

func newCleanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove leftovers of interrupted writes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.open()
			if err != nil {
				return err
			}
			removed, err := repo.Clean()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale files\n", removed)
			return nil
		},
	}
}
