package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/certexport/internal/report"
)

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "List the reports in the catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		catalog, err := report.LoadCatalogFile(cfg.Export.CatalogPath)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tNAME\tVERSION\tCOLUMNS")
		for _, def := range catalog.All() {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", def.Key, def.DisplayName, def.Version, len(def.Columns))
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(reportsCmd)
}
