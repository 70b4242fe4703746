package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gophersatwork/stash/resource"
	"github.com/spf13/cobra"
)

func newPropCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prop",
		Short: "Read and write resource properties",
	}
	cmd.AddCommand(newPropSetCmd(a), newPropGetCmd(a), newPropRmCmd(a))
	return cmd
}

func newPropSetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set ID KEY=VALUE...",
		Short: "Merge properties into the document of a resource",
		Long: `
Merge properties into the document of a resource. Values that parse as
JSON are stored as such, anything else is stored as a string:

  stash prop set 342a3d4a-128 rating=5 title=Beach tags='["sea","sun"]'
`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := resource.ParseID(args[0])
			if err != nil {
				return err
			}
			props, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			repo, err := a.open()
			if err != nil {
				return err
			}
			merged, err := repo.Properties().Set(id, props)
			if err != nil {
				return err
			}
			return printJSON(cmd, merged)
		},
	}
}

func newPropGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Print the properties of a resource",
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
			props, err := repo.Properties().Get(id)
			if err != nil {
				return err
			}
			return printJSON(cmd, props)
		},
	}
}

func newPropRmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm ID",
		Short: "Delete the properties of a resource",
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
			return repo.Properties().Remove(id)
		},
	}
}

func parseAssignments(args []string) (map[string]any, error) {
	props := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid property %q, expected KEY=VALUE", arg)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		props[key] = value
	}
	return props, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
