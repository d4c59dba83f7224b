package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"cryptomaint/config"
)

var (
	exportSel  selection
	exportTask config.TaskExportConfig
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the selected collections to CSV or Parquet",
	Long: `Export writes every record of the selected collections, sorted by the
sort field, to a local file or to the configured S3 bucket.

Example usage:
  cryptomaint export --db exchange --contains binance_btcusdt_ohlcv_ --format parquet
  cryptomaint export --db trade --suffix _trades --destination s3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		task := exportSel.task("cli-export", config.ActionExport)
		task.Export = exportTask
		if err := config.ValidateTask(task); err != nil {
			return err
		}
		sum, err := runTasks(cmd.Context(), true, task)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, rep := range sum.Reports {
			for _, res := range rep.Exports {
				fmt.Fprintf(out, "%s: %d records -> %s\n", res.Collection, res.Records, res.Location)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportSel.register(exportCmd)
	f := exportCmd.Flags()
	f.StringVar(&exportTask.Format, "format", "", "csv or parquet (default from config)")
	f.StringVar(&exportTask.Destination, "destination", "", "local or s3 (default local)")
	f.StringVar(&exportTask.Schema, "schema", "", "parquet schema, ohlcv or trades (default from collection name)")
	f.StringVar(&exportTask.SortField, "sort", "", "sort field (default from config)")
}
