package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"escrow/internal/milestone/catalog"
)

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the milestone catalog",
	}
	cmd.AddCommand(catalogListCmd())
	return cmd
}

func catalogListCmd() *cobra.Command {
	var (
		path   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List milestone definitions in processing order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.Default()
			if path != "" {
				cat, err = catalog.Load(path)
			}
			if err != nil {
				return fmt.Errorf("load catalog: %w", err)
			}
			defs := cat.Definitions()
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(defs)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CODE\tCATEGORY\tTRIGGER\tTYPICAL\tCLAUSE")
			for _, d := range defs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s-%s\t%s\n",
					d.Code, d.Category, d.Trigger, d.TypicalAmount.Min, d.TypicalAmount.Max, d.ClauseRef)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&path, "file", "f", "", "Catalog YAML to load instead of the embedded one")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	return cmd
}
